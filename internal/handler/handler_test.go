package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/collector"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/health"
	"github.com/oddstream/pipeline/internal/orchestrator"
	"github.com/oddstream/pipeline/internal/timesync"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubGaps struct {
	latest map[string]time.Time
	err    error
}

func (s stubGaps) LatestCollectionTimes(context.Context) (map[string]time.Time, error) {
	return s.latest, s.err
}

type stubBloat struct {
	ratios map[string]float64
}

func (s stubBloat) DeadTupleRatios(context.Context) (map[string]float64, error) {
	return s.ratios, nil
}

type stubHistory struct {
	snapshots []domain.HealthMetrics
}

func (s stubHistory) History(context.Context, string, int) ([]domain.HealthMetrics, error) {
	return s.snapshots, nil
}

type fixture struct {
	handler *Handler
	alerts  *alert.Manager
	buffer  *timesync.Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	analyzer := health.NewAnalyzer(nil, logger)
	alerts := alert.NewManager(nil, nil, logger)
	buffer := timesync.NewSynchronizer(timesync.DefaultConfig())
	aligner := timesync.NewAligner(buffer, timesync.DefaultConfig(), nil, logger)
	orch := orchestrator.NewOrchestrator(collector.NewRegistry(), analyzer, alerts, buffer, nil, nil, nil, 5, logger)

	h := New(stubPinger{}, analyzer, alerts, orch, aligner,
		stubHistory{}, stubGaps{latest: map[string]time.Time{"oddsapi": time.Now().Add(-5 * time.Hour)}},
		stubBloat{ratios: map[string]float64{"staging.unified_odds": 0.12}},
		timesync.DefaultConfig(), logger)
	return &fixture{handler: h, alerts: alerts, buffer: buffer}
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestHealthEndpointDatabaseDown(t *testing.T) {
	f := newFixture(t)
	f.handler.db = stubPinger{err: errors.New("connection refused")}
	w := doRequest(t, f.handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, w)["status"])
}

func TestEnhancedMetricsShape(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/metrics/enhanced", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body, "sources")
	assert.Contains(t, body, "breakers")
	assert.Contains(t, body, "recoveries")
	assert.Contains(t, body, "alerts")
}

func TestGapsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/gaps", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	entry, ok := body["oddsapi"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 5.0, entry["gap_hours"].(float64), 0.1)
}

func TestDeadTuplesEndpoint(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/dead-tuples", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.12, decodeBody(t, w)["staging.unified_odds"].(float64), 0.001)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	raised := f.alerts.Raise(context.Background(), &domain.Alert{
		Source:   "oddsapi",
		Type:     domain.AlertTypeCollectionGap,
		Severity: domain.SeverityWarning,
		Message:  "no collection from oddsapi for 5.0 hours",
	})

	w := doRequest(t, f.handler, http.MethodGet, "/alerts?source=oddsapi", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = doRequest(t, f.handler, http.MethodPost, "/alerts/"+raised.ID.String()+"/resolve",
		map[string]string{"notes": "source back up"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, f.handler, http.MethodGet, "/alerts", nil)
	assert.Equal(t, float64(0), decodeBody(t, w)["count"])
}

func TestResolveAlertRejectsBadID(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodPost, "/alerts/not-a-uuid/resolve", map[string]string{"notes": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, w)["code"])
}

func TestResetBreakerUnknownSource(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodPost, "/breakers/nosuch/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionProbeUnknownSource(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodPost, "/sources/nosuch/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreatePlanUnknownSource(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodPost, "/plans",
		map[string]any{"name": "manual", "sources": []string{"nosuch"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPlanNotFound(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/plans/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlignedReturnsBestCombination(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.buffer.Add("oddsapi", json.RawMessage(`{"a":1}`), now.Add(-20*time.Second))
	f.buffer.Add("covers", json.RawMessage(`{"b":2}`), now.Add(-25*time.Second))

	w := doRequest(t, f.handler, http.MethodGet, "/aligned?sources=oddsapi,covers&max_age_s=120&window_s=60", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	aligned, ok := body["aligned"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, aligned, "oddsapi")
	assert.Contains(t, aligned, "covers")
}

func TestAlignedNullWhenNoCombinationFits(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.buffer.Add("oddsapi", json.RawMessage(`{"a":1}`), now.Add(-10*time.Second))
	f.buffer.Add("covers", json.RawMessage(`{"b":2}`), now.Add(-110*time.Second))

	w := doRequest(t, f.handler, http.MethodGet, "/aligned?sources=oddsapi,covers&max_age_s=240&window_s=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeBody(t, w)["aligned"])
}

func TestAlignedRequiresSources(t *testing.T) {
	f := newFixture(t)
	w := doRequest(t, f.handler, http.MethodGet, "/aligned", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRespondErrorMapsAppError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, domain.ErrNotFound("plan", "42"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestRespondErrorGenericIs500(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
