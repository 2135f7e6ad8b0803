package timesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is one buffered collection, tagged with its source and the instant
// it was collected.
type Entry struct {
	Source      string          `json:"source"`
	Data        json.RawMessage `json:"data"`
	CollectedAt time.Time       `json:"collected_at"`
	SequenceID  int64           `json:"sequence_id"`
}

// Config holds synchronizer settings.
type Config struct {
	DefaultWindow     time.Duration
	MaxSkew           time.Duration
	RequireAllSources bool
	MaxAge            time.Duration
}

// DefaultConfig returns the standard synchronizer settings.
func DefaultConfig() Config {
	return Config{
		DefaultWindow:     60 * time.Second,
		MaxSkew:           300 * time.Second,
		RequireAllSources: false,
		MaxAge:            30 * time.Minute,
	}
}

// MaxAlignmentSpread is the hard ceiling on cross-source timestamp spread.
// No aligned tuple wider than this is ever handed downstream.
const MaxAlignmentSpread = 3 * time.Minute

// Synchronizer buffers timestamped entries from multiple sources and
// produces time-aligned groupings. The buffer is bounded by age: old
// entries are evicted, never rejected, so collectors never block here.
type Synchronizer struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry
	seq     int64

	now func() time.Time
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(cfg Config) *Synchronizer {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	return &Synchronizer{cfg: cfg, now: time.Now}
}

// Add appends an entry and evicts anything older than the buffer age bound.
func (s *Synchronizer) Add(source string, data json.RawMessage, collectedAt time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := Entry{Source: source, Data: data, CollectedAt: collectedAt, SequenceID: s.seq}
	s.entries = append(s.entries, e)
	s.evictLocked(s.cfg.MaxAge)
	return e
}

// Len returns the number of buffered entries.
func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CleanupOld evicts entries whose collected_at is older than now - maxAge.
func (s *Synchronizer) CleanupOld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.evictLocked(maxAge)
	return before - len(s.entries)
}

func (s *Synchronizer) evictLocked(maxAge time.Duration) {
	cutoff := s.now().Add(-maxAge)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.CollectedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Synchronized returns buffered entries inside [center-window/2,
// center+window/2], grouped by source and sorted by timestamp. When
// required sources are missing the behavior follows RequireAllSources:
// error out or return the partial grouping.
func (s *Synchronizer) Synchronized(center time.Time, window time.Duration, required []string) (map[string][]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := center.Add(-window / 2)
	hi := center.Add(window / 2)

	groups := make(map[string][]Entry)
	for _, e := range s.entries {
		if e.CollectedAt.Before(lo) || e.CollectedAt.After(hi) {
			continue
		}
		groups[e.Source] = append(groups[e.Source], e)
	}
	for source := range groups {
		sort.Slice(groups[source], func(i, j int) bool {
			return groups[source][i].CollectedAt.Before(groups[source][j].CollectedAt)
		})
	}

	var missing []string
	for _, source := range required {
		if len(groups[source]) == 0 {
			missing = append(missing, source)
		}
	}
	if len(missing) > 0 && s.cfg.RequireAllSources {
		return nil, fmt.Errorf("missing required sources in window: %v", missing)
	}
	return groups, nil
}

// BestAlignment picks, among all cross-source combinations, the one
// minimizing the max-min timestamp spread, subject to every pairwise
// difference being at most maxDiff. Returns false when no combination
// satisfies the constraint.
func BestAlignment(sets map[string][]Entry, maxDiff time.Duration) (map[string]Entry, bool) {
	sources := make([]string, 0, len(sets))
	for source, items := range sets {
		if len(items) == 0 {
			return nil, false
		}
		sources = append(sources, source)
	}
	if len(sources) == 0 {
		return nil, false
	}
	sort.Strings(sources)

	best := make(map[string]Entry)
	bestSpread := maxDiff + 1
	pick := make([]Entry, len(sources))

	var walk func(i int)
	walk = func(i int) {
		if i == len(sources) {
			spread := spreadOf(pick)
			if spread <= maxDiff && spread < bestSpread {
				bestSpread = spread
				for j, source := range sources {
					best[source] = pick[j]
				}
			}
			return
		}
		for _, e := range sets[sources[i]] {
			pick[i] = e
			walk(i + 1)
		}
	}
	walk(0)

	if len(best) == 0 {
		return nil, false
	}
	return best, true
}

func spreadOf(picks []Entry) time.Duration {
	if len(picks) == 0 {
		return 0
	}
	lo, hi := picks[0].CollectedAt, picks[0].CollectedAt
	for _, e := range picks[1:] {
		if e.CollectedAt.Before(lo) {
			lo = e.CollectedAt
		}
		if e.CollectedAt.After(hi) {
			hi = e.CollectedAt
		}
	}
	return hi.Sub(lo)
}

// QualityScore grades how evenly a set of collection timestamps is spaced:
// max(0, 1 - variance(intervals)/maxVariance) with maxVariance =
// (expectedInterval * 0.5)^2. Perfectly even spacing scores 1.0.
func QualityScore(timestamps []time.Time, expectedInterval time.Duration) float64 {
	if len(timestamps) < 2 {
		return 1.0
	}

	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, sorted[i].Sub(sorted[i-1]).Seconds())
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	half := expectedInterval.Seconds() * 0.5
	maxVariance := half * half
	if maxVariance == 0 {
		return 0
	}

	score := 1 - variance/maxVariance
	if score < 0 {
		return 0
	}
	return score
}

// HighQuality reports whether an alignment is good enough for downstream
// analysis: quality at least 0.7 and no timing anomaly (total spread
// inside the hard ceiling).
func HighQuality(aligned map[string]Entry, expectedInterval time.Duration) bool {
	timestamps := make([]time.Time, 0, len(aligned))
	picks := make([]Entry, 0, len(aligned))
	for _, e := range aligned {
		timestamps = append(timestamps, e.CollectedAt)
		picks = append(picks, e)
	}
	if spreadOf(picks) > MaxAlignmentSpread {
		return false
	}
	return QualityScore(timestamps, expectedInterval) >= 0.7
}
