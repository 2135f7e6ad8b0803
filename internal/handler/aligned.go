package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/timesync"
)

// Aligned returns one time-aligned payload per requested source: entries
// no older than max_age_s whose cross-source timestamp spread fits inside
// the skew bound. Responds with aligned=null when no combination
// qualifies.
func (h *Handler) Aligned(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var sources []string
	if raw := q.Get("sources"); raw != "" {
		sources = strings.Split(raw, ",")
	}
	if len(sources) == 0 {
		RespondError(w, domain.ErrValidation("sources parameter required"))
		return
	}

	maxAge := h.syncCfg.MaxSkew
	if s, err := strconv.Atoi(q.Get("max_age_s")); err == nil && s > 0 {
		maxAge = time.Duration(s) * time.Second
	}
	window := h.syncCfg.DefaultWindow
	if s, err := strconv.Atoi(q.Get("window_s")); err == nil && s > 0 {
		window = time.Duration(s) * time.Second
	}

	aligned, err := h.aligner.GetTimeAligned(r.Context(), sources, maxAge, window)
	if err != nil {
		h.logger.Error("aligned read failed", "sources", sources, "error", err)
		RespondError(w, err)
		return
	}
	if aligned == nil {
		RespondJSON(w, http.StatusOK, map[string]any{"aligned": nil})
		return
	}

	payloads := make(map[string]any, len(aligned))
	timestamps := make([]time.Time, 0, len(aligned))
	for source, entry := range aligned {
		payloads[source] = entry.Data
		timestamps = append(timestamps, entry.CollectedAt)
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"aligned":      payloads,
		"quality":      timesync.QualityScore(timestamps, window),
		"high_quality": timesync.HighQuality(aligned, window),
	})
}
