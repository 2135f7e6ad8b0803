package domain

import (
	"encoding/json"
	"time"
)

// RawRecord is one fetch from one source, persisted as-is and never mutated.
type RawRecord struct {
	ID            int64           `json:"id"`
	Source        string          `json:"source"`
	Collector     string          `json:"collector"`
	ExternalID    string          `json:"external_id"`
	SportsbookKey string          `json:"sportsbook_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CollectedAt   time.Time       `json:"collected_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// HistoryEntry is one entry of a payload's per-side history array.
type HistoryEntry struct {
	Odds      int       `json:"odds"`
	Value     *float64  `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OddsPoint is one (game, sportsbook, market, side, time) observation.
// LineValue is always nil for moneyline. CanonicalGameID stays nil until
// the resolver maps the external id.
type OddsPoint struct {
	ID              int64     `json:"id"`
	CanonicalGameID *int64    `json:"canonical_game_id,omitempty"`
	GameExternalID  string    `json:"game_external_id"`
	SportsbookKey   string    `json:"sportsbook_key"`
	Market          Market    `json:"market"`
	Side            Side      `json:"side"`
	Odds            int       `json:"odds"`
	LineValue       *float64  `json:"line_value,omitempty"`
	EffectiveAt     time.Time `json:"effective_at"`
	IsCurrent       bool      `json:"is_current"`
}

// Lineage records where a staging row came from and what was done to it.
type Lineage struct {
	RawTable      string    `json:"raw_table"`
	RawID         int64     `json:"raw_id"`
	Processor     string    `json:"processor"`
	Version       string    `json:"version"`
	TransformedAt time.Time `json:"transformed_at"`
	SourceFields  []string  `json:"source_fields"`
	QualityChecks []string  `json:"quality_checks"`
}

// ValidationStatus marks whether a staging row passed required-field checks.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// StagingRow is the consolidated view of one (game, sportsbook) across
// markets at one processing time. One row per key, never one per bet side.
type StagingRow struct {
	ID               int64            `json:"id"`
	Source           string           `json:"source"`
	Collector        string           `json:"collector"`
	CanonicalGameID  *int64           `json:"canonical_game_id,omitempty"`
	GameExternalID   string           `json:"game_external_id"`
	HomeTeam         string           `json:"home_team"`
	AwayTeam         string           `json:"away_team"`
	SportsbookID     int              `json:"sportsbook_id"`
	SportsbookKey    string           `json:"sportsbook_key"`
	SportsbookName   string           `json:"sportsbook_name"`
	MarketType       string           `json:"market_type"`
	MoneylineHome    *int             `json:"moneyline_home,omitempty"`
	MoneylineAway    *int             `json:"moneyline_away,omitempty"`
	SpreadLine       *float64         `json:"spread_line,omitempty"`
	SpreadHomeOdds   *int             `json:"spread_home_odds,omitempty"`
	SpreadAwayOdds   *int             `json:"spread_away_odds,omitempty"`
	TotalLine        *float64         `json:"total_line,omitempty"`
	TotalOverOdds    *int             `json:"total_over_odds,omitempty"`
	TotalUnderOdds   *int             `json:"total_under_odds,omitempty"`
	Lineage          Lineage          `json:"lineage"`
	QualityScore     float64          `json:"quality_score"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationErrors []string         `json:"validation_errors,omitempty"`
	CollectedAt      time.Time        `json:"collected_at"`
	ProcessedAt      time.Time        `json:"processed_at"`
}

// HasMarket reports whether the row's market_type label contains the market.
func (r *StagingRow) HasMarket(m Market) bool {
	for _, part := range splitMarketType(r.MarketType) {
		if part == string(m) {
			return true
		}
	}
	return false
}

func splitMarketType(label string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(label); i++ {
		if i == len(label) || label[i] == '+' {
			if i > start {
				parts = append(parts, label[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
