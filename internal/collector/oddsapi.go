package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// ── Odds API wire types ──

// oddsRecord is the flat per-market record the odds provider emits. One
// record per (game, sportsbook, market).
type oddsRecord struct {
	GameID     string   `json:"game_id"`
	Sportsbook string   `json:"sportsbook"`
	HomeTeam   string   `json:"home_team"`
	AwayTeam   string   `json:"away_team"`
	Market     string   `json:"market"`
	HomeOdds   *int     `json:"home_odds,omitempty"`
	AwayOdds   *int     `json:"away_odds,omitempty"`
	OverOdds   *int     `json:"over_odds,omitempty"`
	UnderOdds  *int     `json:"under_odds,omitempty"`
	LineValue  *float64 `json:"line_value,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

type oddsResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		GameDate string `json:"game_date"`
		Count    int    `json:"count"`
	} `json:"meta"`
}

// ── OddsAPICollector ──

// OddsAPICollector pulls the flat odds feed for one date.
type OddsAPICollector struct {
	fetch   *fetcher
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

func NewOddsAPICollector(baseURL, apiKey string, logger *slog.Logger) *OddsAPICollector {
	return &OddsAPICollector{
		fetch:   newFetcher("oddsapi", 30*time.Second, providerHeaders{UserAgent: "pipeline-collector/1.0"}),
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
	}
}

func (c *OddsAPICollector) Name() string   { return "OddsAPICollector" }
func (c *OddsAPICollector) Source() string { return "oddsapi" }

func (c *OddsAPICollector) TestConnection(ctx context.Context) bool {
	_, err := c.fetch.get(ctx, fmt.Sprintf("%s/v1/odds?date=%s&key=%s",
		c.baseURL, providerDate(domain.ProjectNow()), c.apiKey))
	if err != nil {
		c.logger.Warn("odds api probe failed", "error", err)
		return false
	}
	return true
}

func (c *OddsAPICollector) Collect(ctx context.Context, params Params) (*domain.CollectionResult, error) {
	started := time.Now()
	date := params.GameDate()

	url := fmt.Sprintf("%s/v1/odds?date=%s&markets=moneyline,spread,total&key=%s",
		c.baseURL, providerDate(date), c.apiKey)

	body, err := c.fetch.get(ctx, url)
	if err != nil {
		c.logger.Error("odds api collect failed", "date", providerDate(date), "error", err)
		return failureResult(c.Source(), c.Name(), started, 1, err), err
	}

	var parsed oddsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		cerr := domain.NewCollectError(domain.ErrSchema, c.Source(), "decode odds response", err)
		res := failureResult(c.Source(), c.Name(), started, 1, cerr)
		res.SchemaValid = false
		return res, cerr
	}

	result := &domain.CollectionResult{
		Source:         c.Source(),
		Collector:      c.Name(),
		Success:        true,
		Data:           make([]json.RawMessage, 0, len(parsed.Data)),
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequestCount:   1,
		SchemaValid:    true,
	}

	var newest time.Time
	for i, raw := range parsed.Data {
		var rec oddsRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("record %d: undecodable: %v", i, err))
			result.SchemaValid = false
			continue
		}
		if rec.GameID == "" || rec.Sportsbook == "" || rec.HomeTeam == "" || rec.AwayTeam == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("record %d: missing required fields", i))
			result.SchemaValid = false
			continue
		}
		if ts, err := time.Parse(time.RFC3339, rec.UpdatedAt); err == nil && ts.After(newest) {
			newest = ts
		}
		result.Data = append(result.Data, raw)
	}
	result.FreshnessScore = freshnessScore(newest, time.Now())

	c.logger.Info("odds api collected", "date", providerDate(date),
		"records", len(result.Data), "warnings", len(result.Warnings),
		"response_ms", result.ResponseTimeMS)
	return result, nil
}

func (c *OddsAPICollector) Cleanup() {
	c.fetch.client.CloseIdleConnections()
}

// ExternalID extracts the provider game key from one raw payload item.
func (c *OddsAPICollector) ExternalID(raw json.RawMessage) string {
	var rec struct {
		GameID string `json:"game_id"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	return rec.GameID
}
