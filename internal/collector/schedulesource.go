package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/schedule"
)

// ScheduleCollector surfaces the league schedule as a source so schedule
// rows flow through the same raw→staging path as odds data. The underlying
// client is shared with the game-id resolver.
type ScheduleCollector struct {
	client *schedule.Client
	logger *slog.Logger
}

func NewScheduleCollector(client *schedule.Client, logger *slog.Logger) *ScheduleCollector {
	return &ScheduleCollector{client: client, logger: logger}
}

func (c *ScheduleCollector) Name() string   { return "ScheduleCollector" }
func (c *ScheduleCollector) Source() string { return "schedule" }

func (c *ScheduleCollector) TestConnection(ctx context.Context) bool {
	_, err := c.client.GamesOn(ctx, domain.ProjectNow())
	if err != nil {
		c.logger.Warn("schedule probe failed", "error", err)
	}
	return err == nil
}

func (c *ScheduleCollector) Collect(ctx context.Context, params Params) (*domain.CollectionResult, error) {
	started := time.Now()
	date := params.GameDate()

	games, err := c.client.GamesOn(ctx, date)
	if err != nil {
		cerr := domain.NewCollectError(domain.ErrTransient, c.Source(), "fetch schedule", err)
		c.logger.Error("schedule collect failed", "date", date.Format("2006-01-02"), "error", cerr)
		return failureResult(c.Source(), c.Name(), started, 1, cerr), cerr
	}

	result := &domain.CollectionResult{
		Source:         c.Source(),
		Collector:      c.Name(),
		Success:        true,
		Data:           make([]json.RawMessage, 0, len(games)),
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequestCount:   1,
		SchemaValid:    true,
		FreshnessScore: 1.0,
	}
	for i := range games {
		raw, err := json.Marshal(&games[i])
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("game %d: %v", games[i].GamePk, err))
			continue
		}
		result.Data = append(result.Data, raw)
	}

	c.logger.Info("schedule collected", "date", date.Format("2006-01-02"), "games", len(result.Data))
	return result, nil
}

func (c *ScheduleCollector) Cleanup() {}
