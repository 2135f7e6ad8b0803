// Package handler exposes the ops HTTP API: live health, alert lifecycle,
// plan control, and time-aligned data reads. Internal tooling surface, no
// authentication.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/health"
	"github.com/oddstream/pipeline/internal/orchestrator"
	"github.com/oddstream/pipeline/internal/timesync"
)

// Pinger is the slice of the pgx pool the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HistoryStore serves persisted health snapshots.
type HistoryStore interface {
	History(ctx context.Context, source string, limit int) ([]domain.HealthMetrics, error)
}

// Handler carries the ops API dependencies.
type Handler struct {
	db       Pinger
	analyzer *health.Analyzer
	alerts   *alert.Manager
	orch     *orchestrator.Orchestrator
	aligner  *timesync.Aligner
	history  HistoryStore
	gaps     alert.GapStore
	bloat    alert.BloatStore
	syncCfg  timesync.Config
	logger   *slog.Logger
}

// New wires the ops API handler.
func New(db Pinger, analyzer *health.Analyzer, alerts *alert.Manager, orch *orchestrator.Orchestrator,
	aligner *timesync.Aligner, history HistoryStore, gaps alert.GapStore, bloat alert.BloatStore,
	syncCfg timesync.Config, logger *slog.Logger) *Handler {
	return &Handler{
		db:       db,
		analyzer: analyzer,
		alerts:   alerts,
		orch:     orch,
		aligner:  aligner,
		history:  history,
		gaps:     gaps,
		bloat:    bloat,
		syncCfg:  syncCfg,
		logger:   logger,
	}
}

// Router builds the chi router with the standard middleware chain.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(h.logger))
	r.Use(RequestID)
	r.Use(RequestLogger(h.logger))
	r.Use(JSONContentType)

	r.Get("/health", h.Health)
	r.Get("/metrics/enhanced", h.EnhancedMetrics)
	r.Get("/gaps", h.Gaps)
	r.Get("/dead-tuples", h.DeadTuples)
	r.Get("/history/{source}", h.History)

	r.Get("/alerts", h.ListAlerts)
	r.Post("/alerts/{id}/resolve", h.ResolveAlert)

	r.Get("/breakers", h.Breakers)
	r.Post("/breakers/{source}/reset", h.ResetBreaker)
	r.Post("/sources/{source}/test", h.TestConnection)

	r.Get("/plans", h.ListPlans)
	r.Post("/plans", h.CreatePlan)
	r.Get("/plans/{id}", h.GetPlan)

	r.Get("/aligned", h.Aligned)

	return r
}
