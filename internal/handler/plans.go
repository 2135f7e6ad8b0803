package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/domain"
)

// CreatePlan builds a collection plan over the named sources (all
// registered sources when the list is empty) and starts it in the
// background.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		Sources     []string `json:"sources"`
		Concurrency int      `json:"concurrency"`
		DeadlineS   int      `json:"deadline_s"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		RespondError(w, domain.ErrValidation("invalid request body"))
		return
	}
	if body.Name == "" {
		body.Name = "manual"
	}
	deadline := 10 * time.Minute
	if body.DeadlineS > 0 {
		deadline = time.Duration(body.DeadlineS) * time.Second
	}

	plan, err := h.orch.CreatePlan(body.Name, body.Sources, body.Concurrency, deadline)
	if err != nil {
		RespondError(w, domain.ErrValidation(err.Error()))
		return
	}

	go func() {
		if err := h.orch.ExecutePlan(context.WithoutCancel(r.Context()), plan); err != nil {
			h.logger.Warn("plan execution ended with error", "plan_id", plan.ID, "error", err)
		}
	}()

	RespondJSON(w, http.StatusAccepted, map[string]any{
		"plan_id": plan.ID,
		"name":    plan.Name,
		"tasks":   len(plan.Tasks),
	})
}

// GetPlan returns one plan with its task states.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, domain.ErrValidation("invalid plan id"))
		return
	}
	plan, ok := h.orch.Plan(id)
	if !ok {
		RespondError(w, domain.ErrNotFound("plan", id.String()))
		return
	}
	RespondJSON(w, http.StatusOK, plan)
}

// ListPlans snapshots every known plan.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.orch.Plans())
}
