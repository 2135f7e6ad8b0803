package resolver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/schedule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGameStore struct {
	mu       sync.Mutex
	known    map[string]int64 // source|externalID -> canonical
	attached []string
}

func (s *stubGameStore) FindCanonicalByExternalID(_ context.Context, source, externalID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.known[source+"|"+externalID]
	return id, ok, nil
}

func (s *stubGameStore) AttachExternalID(_ context.Context, canonicalID int64, source, externalID, _, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known == nil {
		s.known = make(map[string]int64)
	}
	s.known[source+"|"+externalID] = canonicalID
	s.attached = append(s.attached, externalID)
	return nil
}

type stubSchedule struct {
	mu    sync.Mutex
	games []schedule.Game
	calls int
	block chan struct{}
}

func (s *stubSchedule) GamesOn(_ context.Context, _ time.Time) ([]schedule.Game, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return s.games, nil
}

func (s *stubSchedule) GamesAround(ctx context.Context, center time.Time, _ int) ([]schedule.Game, error) {
	return s.GamesOn(ctx, center)
}

func (s *stubSchedule) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func scheduledGame(pk int64, homeID, awayID int) schedule.Game {
	return schedule.Game{
		GamePk:     pk,
		GameDate:   time.Date(2026, 8, 24, 19, 10, 0, 0, time.UTC),
		HomeTeamID: homeID,
		AwayTeamID: awayID,
	}
}

func TestResolve_DBHitIsHighConfidence(t *testing.T) {
	store := &stubGameStore{known: map[string]int64{"oddsapi|g1": 745123}}
	sched := &stubSchedule{}
	r := NewResolver(store, sched, testLogger())

	res, err := r.Resolve(context.Background(), Request{ExternalID: "g1", Source: "oddsapi"})
	require.NoError(t, err)
	assert.Equal(t, int64(745123), res.CanonicalID)
	assert.Equal(t, domain.ConfidenceHigh, res.Confidence)
	assert.Equal(t, 0, sched.callCount())
}

func TestResolve_ScheduleMatchAttachesExternalID(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{games: []schedule.Game{
		scheduledGame(745200, 147, 158), // NYY home, MIL away
	}}
	r := NewResolver(store, sched, testLogger())

	res, err := r.Resolve(context.Background(), Request{
		ExternalID: "g2",
		Source:     "covers",
		HomeTeam:   "New York Yankees",
		AwayTeam:   "Milwaukee Brewers",
		Date:       time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(745200), res.CanonicalID)
	assert.Equal(t, domain.ConfidenceHigh, res.Confidence)
	assert.Equal(t, []string{"g2"}, store.attached)
}

func TestResolve_DatelessSightingIsMediumConfidence(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{games: []schedule.Game{scheduledGame(745201, 147, 158)}}
	r := NewResolver(store, sched, testLogger())

	res, err := r.Resolve(context.Background(), Request{
		ExternalID: "g3", Source: "covers", HomeTeam: "NYY", AwayTeam: "MIL",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidenceMedium, res.Confidence)
}

func TestResolve_NoMatchReturnsNoneWithoutError(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{}
	r := NewResolver(store, sched, testLogger())

	res, err := r.Resolve(context.Background(), Request{
		ExternalID: "g4", Source: "covers", HomeTeam: "NYY", AwayTeam: "MIL",
		Date: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.False(t, res.Resolved())
}

func TestResolve_ConcurrentSameKeyDeduplicates(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{
		games: []schedule.Game{scheduledGame(745202, 147, 158)},
		block: make(chan struct{}),
	}
	r := NewResolver(store, sched, testLogger())

	req := Request{
		ExternalID: "g5", Source: "oddsapi", HomeTeam: "NYY", AwayTeam: "MIL",
		Date: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}

	var wg sync.WaitGroup
	results := make([]Resolution, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), req)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Let the goroutines pile onto the in-flight entry, then release the
	// single schedule fetch.
	time.Sleep(50 * time.Millisecond)
	close(sched.block)
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, int64(745202), res.CanonicalID)
	}
	assert.Equal(t, 1, sched.callCount())
}

func TestBatchResolve_DuplicatesCallAPIOncePerUniqueKey(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{games: []schedule.Game{
		scheduledGame(745210, 147, 158),
		scheduledGame(745211, 108, 133),
	}}
	r := NewResolver(store, sched, testLogger())

	date := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	requests := []Request{
		{ExternalID: "g1", Source: "oddsapi", HomeTeam: "NYY", AwayTeam: "MIL", Date: date},
		{ExternalID: "g1", Source: "oddsapi", HomeTeam: "NYY", AwayTeam: "MIL", Date: date},
		{ExternalID: "g1", Source: "oddsapi", HomeTeam: "NYY", AwayTeam: "MIL", Date: date},
		{ExternalID: "g2", Source: "oddsapi", HomeTeam: "LAA", AwayTeam: "OAK", Date: date},
		{ExternalID: "g2", Source: "oddsapi", HomeTeam: "LAA", AwayTeam: "OAK", Date: date},
	}

	out, stats, err := r.BatchResolve(context.Background(), requests)
	require.NoError(t, err)

	assert.Len(t, out, 2)
	assert.Equal(t, 5, stats.BatchSize)
	assert.Equal(t, 2, stats.UniqueKeys)
	assert.Equal(t, 3, stats.APICallsAvoided)
	assert.LessOrEqual(t, sched.callCount(), 2)
}

func TestBatchResolve_MemoryCacheSkipsResolution(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{games: []schedule.Game{
		scheduledGame(745220, 147, 158),
		scheduledGame(745221, 108, 133),
	}}
	r := NewResolver(store, sched, testLogger())
	r.memory[cacheKey("oddsapi", "g1")] = Resolution{CanonicalID: 745219, Confidence: domain.ConfidenceHigh}

	date := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	requests := []Request{
		{ExternalID: "g1", Source: "oddsapi"},
		{ExternalID: "g1", Source: "oddsapi"},
		{ExternalID: "g2", Source: "oddsapi", HomeTeam: "NYY", AwayTeam: "MIL", Date: date},
		{ExternalID: "g3", Source: "oddsapi", HomeTeam: "LAA", AwayTeam: "OAK", Date: date},
	}

	out, stats, err := r.BatchResolve(context.Background(), requests)
	require.NoError(t, err)

	assert.Len(t, out, 3)
	assert.Equal(t, int64(745219), out["g1"].CanonicalID)
	assert.Equal(t, int64(745220), out["g2"].CanonicalID)
	assert.Equal(t, int64(745221), out["g3"].CanonicalID)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.APICallsAvoided)
	assert.Equal(t, 2, sched.callCount())
}

func TestResetSession_ClearsOnlySessionTier(t *testing.T) {
	store := &stubGameStore{}
	sched := &stubSchedule{}
	r := NewResolver(store, sched, testLogger())

	// Unresolvable sighting lands in the session tier only.
	_, err := r.Resolve(context.Background(), Request{ExternalID: "gx", Source: "covers", HomeTeam: "??", AwayTeam: "??"})
	require.NoError(t, err)
	assert.Len(t, r.session, 1)
	assert.Empty(t, r.memory)

	r.memory["oddsapi|g1"] = Resolution{CanonicalID: 1, Confidence: domain.ConfidenceHigh}
	r.ResetSession()

	assert.Empty(t, r.session)
	assert.Len(t, r.memory, 1)
}

func TestStandardizeTeam_Waterfall(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		code  string
		exact bool
	}{
		{"exact code", "NYY", "NYY", true},
		{"lowercase code", "mil", "MIL", true},
		{"full name", "Milwaukee Brewers", "MIL", true},
		{"alias", "Yankees", "NYY", true},
		{"substring", "the Milwaukee Brewers baseball club", "MIL", false},
		{"curated fuzzy", "Chi. White Sox", "CWS", false},
		{"unknown", "Springfield Isotopes", "", false},
		{"empty", "   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, exact := StandardizeTeam(tt.in)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.exact, exact)
		})
	}
}
