package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oddstream/pipeline/internal/domain"
)

// sourceHealth is the per-source slice of the enhanced metrics response.
type sourceHealth struct {
	Status              domain.HealthStatus `json:"status"`
	SuccessRate         float64             `json:"success_rate"`
	Confidence          float64             `json:"confidence"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	GapHours            float64             `json:"gap_hours"`
	LastSuccess         *time.Time          `json:"last_success,omitempty"`
}

// EnhancedMetrics returns the nested operational view: per-source health,
// circuit states, active recovery plans, and the alert summary.
func (h *Handler) EnhancedMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	sources := make(map[string]sourceHealth)
	for source, m := range h.analyzer.AllMetrics() {
		sources[source] = sourceHealth{
			Status:              m.Status,
			SuccessRate:         m.SuccessRate,
			Confidence:          m.ConfidenceScore,
			ConsecutiveFailures: m.ConsecutiveFailures,
			GapHours:            m.GapHours(now),
			LastSuccess:         m.LastSuccess,
		}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"sources":    sources,
		"breakers":   h.orch.BreakerStates(),
		"recoveries": h.orch.ActiveRecoveries(),
		"alerts":     h.alerts.Summary(),
	})
}

// Gaps reports hours since the last collection per source.
func (h *Handler) Gaps(w http.ResponseWriter, r *http.Request) {
	latest, err := h.gaps.LatestCollectionTimes(r.Context())
	if err != nil {
		h.logger.Error("gap query failed", "error", err)
		RespondError(w, err)
		return
	}

	now := time.Now()
	out := make(map[string]map[string]any, len(latest))
	for source, last := range latest {
		out[source] = map[string]any{
			"last_collected": last,
			"gap_hours":      now.Sub(last).Hours(),
		}
	}
	RespondJSON(w, http.StatusOK, out)
}

// DeadTuples reports per-table dead/live tuple ratios.
func (h *Handler) DeadTuples(w http.ResponseWriter, r *http.Request) {
	ratios, err := h.bloat.DeadTupleRatios(r.Context())
	if err != nil {
		h.logger.Error("dead-tuple query failed", "error", err)
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, ratios)
}

// History returns persisted health snapshots for one source, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	snapshots, err := h.history.History(r.Context(), source, limit)
	if err != nil {
		h.logger.Error("history query failed", "source", source, "error", err)
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, snapshots)
}

// Breakers reports the circuit state per source.
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.orch.BreakerStates())
}

// ResetBreaker force-closes one source's circuit.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !h.orch.ResetBreaker(source) {
		RespondError(w, domain.ErrNotFound("source", source))
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"source": source, "state": "closed"})
}

// TestConnection probes one source's collector.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	ok, err := h.orch.TestConnection(r.Context(), source)
	if err != nil {
		RespondError(w, domain.ErrNotFound("source", source))
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"source": source, "ok": ok})
}
