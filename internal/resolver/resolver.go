// Package resolver maps provider-specific game keys to the canonical
// schedule game id. The process constructs exactly one Resolver and
// injects it everywhere a canonical id is needed.
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/schedule"
)

// GameStore is the durable tier of the resolver cache.
type GameStore interface {
	// FindCanonicalByExternalID looks up the source-specific external id
	// column in the games table.
	FindCanonicalByExternalID(ctx context.Context, source, externalID string) (int64, bool, error)

	// AttachExternalID upserts the external id onto the canonical game
	// row, creating the row when no game matches the canonical id yet.
	AttachExternalID(ctx context.Context, canonicalID int64, source, externalID, home, away string, date time.Time) error
}

// Schedule is the slice of the schedule client the resolver needs.
type Schedule interface {
	GamesOn(ctx context.Context, date time.Time) ([]schedule.Game, error)
	GamesAround(ctx context.Context, center time.Time, days int) ([]schedule.Game, error)
}

// Request identifies one external game sighting to resolve.
type Request struct {
	ExternalID string
	Source     string
	HomeTeam   string
	AwayTeam   string
	// Date is the game date when the source knows it; zero otherwise.
	Date time.Time
}

// Resolution is the outcome of one resolve.
type Resolution struct {
	CanonicalID int64
	Confidence  domain.ResolveConfidence
}

// Resolved reports whether a canonical id was found.
func (r Resolution) Resolved() bool {
	return r.Confidence != domain.ConfidenceNone
}

// BatchStats summarizes one BatchResolve call.
type BatchStats struct {
	BatchSize       int     `json:"batch_size"`
	UniqueKeys      int     `json:"unique_keys"`
	CacheHits       int     `json:"cache_hits"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	APICallsAvoided int     `json:"api_calls_avoided"`
}

// Resolver resolves external ids through a three-tier cache: process
// memory, per-plan session map, and the games table. Concurrent resolves
// of the same key de-duplicate through an in-flight table: the second
// caller waits on the first's completion channel.
type Resolver struct {
	mu       sync.Mutex
	memory   map[string]Resolution
	session  map[string]Resolution
	inflight map[string]*inflightCall

	store    GameStore
	schedule Schedule
	logger   *slog.Logger
}

// NewResolver creates the process-wide resolver.
func NewResolver(store GameStore, sched Schedule, logger *slog.Logger) *Resolver {
	return &Resolver{
		memory:   make(map[string]Resolution),
		session:  make(map[string]Resolution),
		inflight: make(map[string]*inflightCall),
		store:    store,
		schedule: sched,
		logger:   logger,
	}
}

// inflightCall lets a second resolve of the same key await the first's
// result instead of duplicating work. done closing is the broadcast.
type inflightCall struct {
	done chan struct{}
	res  Resolution
	err  error
}

// ResetSession clears the per-plan cache tier. The orchestrator calls this
// at plan start.
func (r *Resolver) ResetSession() {
	r.mu.Lock()
	r.session = make(map[string]Resolution)
	r.mu.Unlock()
}

func cacheKey(source, externalID string) string {
	return source + "|" + externalID
}

// Resolve maps one external game id to its canonical schedule id.
// Unresolvable sightings return ConfidenceNone with no error; callers
// decide whether to proceed without a canonical id.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	key := cacheKey(req.Source, req.ExternalID)

	r.mu.Lock()
	if res, ok := r.memory[key]; ok {
		r.mu.Unlock()
		return res, nil
	}
	if res, ok := r.session[key]; ok {
		r.mu.Unlock()
		return res, nil
	}
	if call, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return Resolution{Confidence: domain.ConfidenceNone}, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	r.inflight[key] = call
	r.mu.Unlock()

	call.res, call.err = r.resolveUncached(ctx, req)

	r.mu.Lock()
	delete(r.inflight, key)
	if call.err == nil {
		r.session[key] = call.res
		if call.res.Resolved() {
			r.memory[key] = call.res
		}
	}
	r.mu.Unlock()
	close(call.done)

	return call.res, call.err
}

func (r *Resolver) resolveUncached(ctx context.Context, req Request) (Resolution, error) {
	if canonical, ok, err := r.store.FindCanonicalByExternalID(ctx, req.Source, req.ExternalID); err != nil {
		return Resolution{Confidence: domain.ConfidenceNone}, err
	} else if ok {
		return Resolution{CanonicalID: canonical, Confidence: domain.ConfidenceHigh}, nil
	}

	return r.resolveViaSchedule(ctx, req)
}

func (r *Resolver) resolveViaSchedule(ctx context.Context, req Request) (Resolution, error) {
	home, _ := StandardizeTeam(req.HomeTeam)
	away, _ := StandardizeTeam(req.AwayTeam)
	if home == "" || away == "" || home == away {
		r.logger.Debug("unresolvable team names", "source", req.Source, "external_id", req.ExternalID,
			"home", req.HomeTeam, "away", req.AwayTeam)
		return Resolution{Confidence: domain.ConfidenceNone}, nil
	}

	var (
		games      []schedule.Game
		confidence domain.ResolveConfidence
		err        error
	)
	if !req.Date.IsZero() {
		games, err = r.schedule.GamesOn(ctx, req.Date)
		confidence = domain.ConfidenceHigh
	} else {
		games, err = r.schedule.GamesAround(ctx, time.Now(), 7)
		confidence = domain.ConfidenceMedium
	}
	if err != nil {
		return Resolution{Confidence: domain.ConfidenceNone}, err
	}

	for _, g := range games {
		if g.HomeCode() == home && g.AwayCode() == away {
			if err := r.store.AttachExternalID(ctx, g.GamePk, req.Source, req.ExternalID, home, away, g.GameDate); err != nil {
				return Resolution{Confidence: domain.ConfidenceNone}, err
			}
			return Resolution{CanonicalID: g.GamePk, Confidence: confidence}, nil
		}
	}

	return Resolution{Confidence: domain.ConfidenceNone}, nil
}

// BatchResolve groups requests by unique external id, serves cache hits
// first, and resolves only the unique misses. The returned map is keyed by
// external id.
func (r *Resolver) BatchResolve(ctx context.Context, requests []Request) (map[string]Resolution, BatchStats, error) {
	stats := BatchStats{BatchSize: len(requests)}

	unique := make(map[string]Request)
	order := make([]string, 0, len(requests))
	for _, req := range requests {
		key := cacheKey(req.Source, req.ExternalID)
		if _, ok := unique[key]; !ok {
			unique[key] = req
			order = append(order, key)
		}
	}
	stats.UniqueKeys = len(unique)
	stats.APICallsAvoided = stats.BatchSize - stats.UniqueKeys

	out := make(map[string]Resolution, len(unique))
	for _, key := range order {
		req := unique[key]

		r.mu.Lock()
		res, hit := r.memory[key]
		if !hit {
			res, hit = r.session[key]
		}
		r.mu.Unlock()

		if hit {
			stats.CacheHits++
			out[req.ExternalID] = res
			continue
		}

		resolved, err := r.Resolve(ctx, req)
		if err != nil {
			return out, stats, err
		}
		out[req.ExternalID] = resolved
	}

	if stats.UniqueKeys > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.UniqueKeys)
	}
	r.logger.Debug("batch resolve complete", "batch_size", stats.BatchSize,
		"unique", stats.UniqueKeys, "cache_hits", stats.CacheHits, "api_calls_avoided", stats.APICallsAvoided)
	return out, stats, nil
}
