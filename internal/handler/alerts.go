package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/domain"
)

// ListAlerts returns active alerts, optionally filtered by source,
// severity, and type.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts := h.alerts.ActiveAlerts(alert.AlertFilter{
		Source:   q.Get("source"),
		Severity: domain.AlertSeverity(q.Get("severity")),
		Type:     domain.AlertType(q.Get("type")),
	})
	RespondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ResolveAlert closes an active alert with resolution notes.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, domain.ErrValidation("invalid alert id"))
		return
	}

	var body struct {
		Notes string `json:"notes"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		RespondError(w, domain.ErrValidation("invalid request body"))
		return
	}

	if err := h.alerts.Resolve(r.Context(), id, body.Notes); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "resolved"})
}
