package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// ── Line history wire types ──

// lineEntry is one game's odds across sportsbooks, each market side
// carrying a history array of line movements.
type lineEntry struct {
	GameID     string                         `json:"game_id"`
	Sportsbook string                         `json:"sportsbook_id"`
	HomeTeam   string                         `json:"home_team"`
	AwayTeam   string                         `json:"away_team"`
	Markets    map[string]map[string]lineSide `json:"markets"`
	UpdatedAt  string                         `json:"updated_at"`
}

type lineSide struct {
	Odds    int                   `json:"odds"`
	Value   *float64              `json:"value,omitempty"`
	History []domain.HistoryEntry `json:"history,omitempty"`
}

type lineHistoryResponse struct {
	Lines []json.RawMessage `json:"lines"`
}

// ── LineHistoryCollector ──

// LineHistoryCollector pulls per-sportsbook line movement history. Its
// payloads feed the historical odds-points expansion in staging.
type LineHistoryCollector struct {
	fetch   *fetcher
	baseURL string
	logger  *slog.Logger
}

func NewLineHistoryCollector(baseURL, apiKey string, logger *slog.Logger) *LineHistoryCollector {
	return &LineHistoryCollector{
		fetch:   newFetcher("linehistory", 45*time.Second, providerHeaders{UserAgent: "pipeline-collector/1.0", APIKey: apiKey}),
		baseURL: baseURL,
		logger:  logger,
	}
}

func (c *LineHistoryCollector) Name() string   { return "LineHistoryCollector" }
func (c *LineHistoryCollector) Source() string { return "linehistory" }

func (c *LineHistoryCollector) TestConnection(ctx context.Context) bool {
	_, err := c.fetch.get(ctx, fmt.Sprintf("%s/lines?date=%s", c.baseURL, providerDate(domain.ProjectNow())))
	if err != nil {
		c.logger.Warn("line history probe failed", "error", err)
		return false
	}
	return true
}

func (c *LineHistoryCollector) Collect(ctx context.Context, params Params) (*domain.CollectionResult, error) {
	started := time.Now()
	date := params.GameDate()

	url := fmt.Sprintf("%s/lines?date=%s&include=history", c.baseURL, providerDate(date))
	body, err := c.fetch.get(ctx, url)
	if err != nil {
		c.logger.Error("line history collect failed", "date", providerDate(date), "error", err)
		return failureResult(c.Source(), c.Name(), started, 1, err), err
	}

	var parsed lineHistoryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		cerr := domain.NewCollectError(domain.ErrSchema, c.Source(), "decode line history", err)
		res := failureResult(c.Source(), c.Name(), started, 1, cerr)
		res.SchemaValid = false
		return res, cerr
	}

	result := &domain.CollectionResult{
		Source:         c.Source(),
		Collector:      c.Name(),
		Success:        true,
		Data:           make([]json.RawMessage, 0, len(parsed.Lines)),
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequestCount:   1,
		SchemaValid:    true,
	}

	var newest time.Time
	for i, raw := range parsed.Lines {
		var entry lineEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: undecodable: %v", i, err))
			result.SchemaValid = false
			continue
		}
		if entry.GameID == "" || entry.Sportsbook == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: missing game or sportsbook id", i))
			result.SchemaValid = false
			continue
		}
		if ts, err := time.Parse(time.RFC3339, entry.UpdatedAt); err == nil && ts.After(newest) {
			newest = ts
		}
		result.Data = append(result.Data, raw)
	}
	result.FreshnessScore = freshnessScore(newest, time.Now())

	c.logger.Info("line history collected", "date", providerDate(date),
		"records", len(result.Data), "warnings", len(result.Warnings))
	return result, nil
}

func (c *LineHistoryCollector) Cleanup() {
	c.fetch.client.CloseIdleConnections()
}
