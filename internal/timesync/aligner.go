package timesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CollectFunc triggers a fresh synchronized collection attempt covering the
// given sources, returning once results have been pushed into the buffer or
// the deadline elapses.
type CollectFunc func(ctx context.Context, sources []string, deadline time.Duration) error

// Aligner serves the time-aligned data contract: a cached alignment is
// returned while fresh enough; otherwise a new synchronized collection is
// triggered. No tuple whose sources span more than MaxAlignmentSpread is
// ever returned.
type Aligner struct {
	mu       sync.Mutex
	sync     *Synchronizer
	cfg      Config
	logger   *slog.Logger
	collect  CollectFunc
	cached   map[string]Entry
	cachedAt time.Time

	now func() time.Time
}

// NewAligner creates an aligner over the synchronizer's buffer.
func NewAligner(s *Synchronizer, cfg Config, collect CollectFunc, logger *slog.Logger) *Aligner {
	return &Aligner{sync: s, cfg: cfg, logger: logger, collect: collect, now: time.Now}
}

// GetTimeAligned returns one aligned entry per requested source, all
// collected within maxAge of now, or nil when no fresh-enough alignment
// exists even after a re-collection attempt.
func (a *Aligner) GetTimeAligned(ctx context.Context, sources []string, maxAge, window time.Duration) (map[string]Entry, error) {
	if window <= 0 {
		window = a.cfg.DefaultWindow
	}

	if cached := a.cachedAlignment(sources, maxAge); cached != nil {
		return cached, nil
	}

	if aligned := a.alignFromBuffer(sources, maxAge, window); aligned != nil {
		return aligned, nil
	}

	if a.collect == nil {
		return nil, nil
	}

	// Trigger a fresh synchronized collection with a deadline, then retry.
	deadline := window
	if deadline < 30*time.Second {
		deadline = 30 * time.Second
	}
	if err := a.collect(ctx, sources, deadline); err != nil {
		a.logger.Warn("synchronized re-collection failed", "sources", sources, "error", err)
		return nil, err
	}

	return a.alignFromBuffer(sources, maxAge, window), nil
}

func (a *Aligner) cachedAlignment(sources []string, maxAge time.Duration) map[string]Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached == nil || a.now().Sub(a.cachedAt) > maxAge {
		return nil
	}
	out := make(map[string]Entry, len(sources))
	for _, source := range sources {
		e, ok := a.cached[source]
		if !ok || a.now().Sub(e.CollectedAt) > maxAge {
			return nil
		}
		out[source] = e
	}
	return out
}

func (a *Aligner) alignFromBuffer(sources []string, maxAge, window time.Duration) map[string]Entry {
	now := a.now()
	groups, err := a.sync.Synchronized(now.Add(-window/2), window, sources)
	if err != nil {
		return nil
	}

	sets := make(map[string][]Entry, len(sources))
	for _, source := range sources {
		var fresh []Entry
		for _, e := range groups[source] {
			if now.Sub(e.CollectedAt) <= maxAge {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		sets[source] = fresh
	}

	maxDiff := a.cfg.MaxSkew
	if maxDiff > MaxAlignmentSpread {
		maxDiff = MaxAlignmentSpread
	}
	aligned, ok := BestAlignment(sets, maxDiff)
	if !ok {
		return nil
	}

	a.mu.Lock()
	a.cached = aligned
	a.cachedAt = now
	a.mu.Unlock()
	return aligned
}
