package timesync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)

func newTestSync() (*Synchronizer, *time.Time) {
	now := base.Add(5 * time.Minute)
	s := NewSynchronizer(DefaultConfig())
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSynchronizer_WindowGrouping(t *testing.T) {
	s, _ := newTestSync()

	s.Add("oddsapi", nil, base)
	s.Add("oddsapi", nil, base.Add(30*time.Second))
	s.Add("covers", nil, base.Add(20*time.Second))
	s.Add("covers", nil, base.Add(10*time.Minute)) // outside window

	groups, err := s.Synchronized(base.Add(15*time.Second), 60*time.Second, nil)
	require.NoError(t, err)

	require.Len(t, groups["oddsapi"], 2)
	require.Len(t, groups["covers"], 1)
	assert.True(t, groups["oddsapi"][0].CollectedAt.Before(groups["oddsapi"][1].CollectedAt))
}

func TestSynchronizer_MissingRequiredSourcePartial(t *testing.T) {
	s, _ := newTestSync()
	s.Add("oddsapi", nil, base)

	groups, err := s.Synchronized(base, 60*time.Second, []string{"oddsapi", "covers"})
	require.NoError(t, err)
	assert.Len(t, groups["oddsapi"], 1)
	assert.Empty(t, groups["covers"])
}

func TestSynchronizer_MissingRequiredSourceStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireAllSources = true
	s := NewSynchronizer(cfg)
	s.now = func() time.Time { return base }
	s.Add("oddsapi", nil, base)

	_, err := s.Synchronized(base, 60*time.Second, []string{"oddsapi", "covers"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "covers")
}

func TestSynchronizer_CleanupEvictsByAge(t *testing.T) {
	s, now := newTestSync()

	s.Add("oddsapi", nil, base)
	s.Add("oddsapi", nil, now.Add(-10*time.Second))

	evicted := s.CleanupOld(time.Minute)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, s.Len())
}

func TestBestAlignment_PicksTightestCombination(t *testing.T) {
	sets := map[string][]Entry{
		"a": {
			{Source: "a", CollectedAt: base},
			{Source: "a", CollectedAt: base.Add(100 * time.Second)},
		},
		"b": {
			{Source: "b", CollectedAt: base.Add(110 * time.Second)},
		},
	}

	aligned, ok := BestAlignment(sets, 180*time.Second)
	require.True(t, ok)
	assert.Equal(t, base.Add(100*time.Second), aligned["a"].CollectedAt)
	assert.Equal(t, base.Add(110*time.Second), aligned["b"].CollectedAt)
}

func TestBestAlignment_RespectsMaxDiff(t *testing.T) {
	sets := map[string][]Entry{
		"a": {{Source: "a", CollectedAt: base}},
		"b": {{Source: "b", CollectedAt: base.Add(10 * time.Minute)}},
	}

	_, ok := BestAlignment(sets, 180*time.Second)
	assert.False(t, ok)
}

func TestBestAlignment_TwoMinuteSpreadWithinThreeMinuteLimit(t *testing.T) {
	// Source A at T+0, source B at T+120s: both returned under max_diff=180s.
	sets := map[string][]Entry{
		"a": {{Source: "a", CollectedAt: base}},
		"b": {{Source: "b", CollectedAt: base.Add(120 * time.Second)}},
	}

	aligned, ok := BestAlignment(sets, 180*time.Second)
	require.True(t, ok)
	require.Len(t, aligned, 2)

	// A 120s spread against a 60s expected interval is low quality.
	assert.False(t, HighQuality(aligned, 60*time.Second))
}

func TestQualityScore_EvenSpacingIsPerfect(t *testing.T) {
	interval := 60 * time.Second
	timestamps := []time.Time{base, base.Add(interval), base.Add(2 * interval), base.Add(3 * interval)}

	assert.InDelta(t, 1.0, QualityScore(timestamps, interval), 1e-9)
}

func TestQualityScore_UnevenSpacingDegrades(t *testing.T) {
	interval := 60 * time.Second
	timestamps := []time.Time{base, base.Add(10 * time.Second), base.Add(110 * time.Second)}

	score := QualityScore(timestamps, interval)
	assert.Less(t, score, 0.7)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestHighQuality_RejectsWideSpread(t *testing.T) {
	aligned := map[string]Entry{
		"a": {CollectedAt: base},
		"b": {CollectedAt: base.Add(4 * time.Minute)},
	}
	assert.False(t, HighQuality(aligned, 60*time.Second))
}

// --- Aligner Tests ---

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAligner_StaleDataReturnsNil(t *testing.T) {
	s, nowPtr := newTestSync()
	// A emitted at T+0, B at T+120s; now is T+5m, so both exceed max_age=60s.
	s.Add("a", nil, base)
	s.Add("b", nil, base.Add(120*time.Second))

	a := NewAligner(s, DefaultConfig(), nil, discard())
	a.now = func() time.Time { return *nowPtr }

	aligned, err := a.GetTimeAligned(context.Background(), []string{"a", "b"}, 60*time.Second, 240*time.Second)
	require.NoError(t, err)
	assert.Nil(t, aligned)
}

func TestAligner_RecollectionSucceeds(t *testing.T) {
	s, nowPtr := newTestSync()
	now := *nowPtr

	collected := false
	collect := func(ctx context.Context, sources []string, deadline time.Duration) error {
		collected = true
		// Fresh results land in the buffer near the current instant.
		s.Add("a", nil, now.Add(-5*time.Second))
		s.Add("b", nil, now.Add(-2*time.Second))
		return nil
	}

	a := NewAligner(s, DefaultConfig(), collect, discard())
	a.now = func() time.Time { return now }

	aligned, err := a.GetTimeAligned(context.Background(), []string{"a", "b"}, 60*time.Second, 240*time.Second)
	require.NoError(t, err)
	require.NotNil(t, aligned)
	assert.True(t, collected)
	assert.Len(t, aligned, 2)
}

func TestAligner_ServesCachedAlignment(t *testing.T) {
	s, nowPtr := newTestSync()
	now := *nowPtr

	s.Add("a", nil, now.Add(-5*time.Second))
	s.Add("b", nil, now.Add(-3*time.Second))

	calls := 0
	collect := func(context.Context, []string, time.Duration) error {
		calls++
		return nil
	}

	a := NewAligner(s, DefaultConfig(), collect, discard())
	a.now = func() time.Time { return now }

	first, err := a.GetTimeAligned(context.Background(), []string{"a", "b"}, 60*time.Second, 60*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := a.GetTimeAligned(context.Background(), []string{"a", "b"}, 60*time.Second, 60*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Zero(t, calls)
	assert.Equal(t, first, second)
}
