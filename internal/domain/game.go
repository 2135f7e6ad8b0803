package domain

import (
	"time"
)

// Game represents one real sporting event, the cross-source pivot.
// CanonicalID is the schedule API's gamePk; it is zero until the resolver
// matches the game, and unique once set.
type Game struct {
	ID          int64             `json:"id"`
	CanonicalID *int64            `json:"canonical_id,omitempty"`
	ExternalIDs map[string]string `json:"external_ids"`
	HomeTeam    string            `json:"home_team"`
	AwayTeam    string            `json:"away_team"`
	StartTime   time.Time         `json:"start_time"`
	GameDate    time.Time         `json:"game_date"`
	Season      int               `json:"season"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Team is one entry in the fixed 30-team reference set.
type Team struct {
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Division string   `json:"division"`
	LeagueID int      `json:"league_id"`
}

// ResolveConfidence grades how a canonical game id was obtained.
type ResolveConfidence string

const (
	// ConfidenceHigh: direct DB hit, or schedule API hit with a known date.
	ConfidenceHigh ResolveConfidence = "high"
	// ConfidenceMedium: schedule API hit found by date-range search.
	ConfidenceMedium ResolveConfidence = "medium"
	// ConfidenceLow: fuzzy partial team match.
	ConfidenceLow ResolveConfidence = "low"
	// ConfidenceNone: unresolved.
	ConfidenceNone ResolveConfidence = "none"
)
