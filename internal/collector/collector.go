// Package collector holds one collector per provider. Every collector
// speaks the same interface so the orchestrator can schedule them
// uniformly; parsing differences stay behind Collect.
package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// Params carries per-call collection parameters.
type Params struct {
	// Date is the game date to collect; zero means today in the project
	// timezone.
	Date time.Time
}

// GameDate returns the effective date for the call.
func (p Params) GameDate() time.Time {
	if p.Date.IsZero() {
		return domain.ProjectNow()
	}
	return p.Date
}

// Collector is the uniform provider interface.
type Collector interface {
	// Name identifies the collector implementation, e.g. "OddsAPICollector".
	Name() string
	// Source is the stable source id rows are attributed to.
	Source() string
	// TestConnection probes the provider cheaply without consuming quota
	// beyond a single request.
	TestConnection(ctx context.Context) bool
	// Collect fetches and parses one batch. On failure the returned result
	// still describes the attempt (success=false, errors populated) and the
	// error is a *domain.CollectError.
	Collect(ctx context.Context, params Params) (*domain.CollectionResult, error)
	// Cleanup releases provider resources. Idempotent.
	Cleanup()
}

// Registry maps source id to collector. The orchestrator owns the registry
// for the lifetime of a plan.
type Registry struct {
	collectors map[string]Collector
}

func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{collectors: make(map[string]Collector, len(collectors))}
	for _, c := range collectors {
		r.collectors[c.Source()] = c
	}
	return r
}

func (r *Registry) Get(source string) (Collector, bool) {
	c, ok := r.collectors[source]
	return c, ok
}

func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.collectors))
	for source := range r.collectors {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// ── HTTP layer ──

// providerHeaders are sent on every request to a provider. Some HTML
// endpoints refuse requests without a browser-looking identity.
type providerHeaders struct {
	UserAgent string
	Referer   string
	Origin    string
	APIKey    string
}

func (h providerHeaders) apply(req *http.Request) {
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	if h.APIKey != "" {
		req.Header.Set("X-API-Key", h.APIKey)
	}
	if h.Referer != "" {
		req.Header.Set("Referer", h.Referer)
	}
	if h.Origin != "" {
		req.Header.Set("Origin", h.Origin)
	}
}

// fetcher is the shared GET helper. 200 is the only tolerated status;
// everything else becomes a categorized error.
type fetcher struct {
	client  *http.Client
	source  string
	headers providerHeaders
}

func newFetcher(source string, timeout time.Duration, headers providerHeaders) *fetcher {
	return &fetcher{
		client:  &http.Client{Timeout: timeout},
		source:  source,
		headers: headers,
	}
}

func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewCollectError(domain.ErrFatal, f.source, "build request", err)
	}
	f.headers.apply(req)

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport failures (timeouts, refused connections, DNS) are all
		// transient for retry purposes.
		return nil, domain.NewCollectError(domain.ErrTransient, f.source, "fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, domain.NewCollectError(domain.ErrTransient, f.source, "read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewCollectError(domain.ErrThrottled, f.source,
			fmt.Sprintf("provider returned 429: %s", truncate(body, 200)), nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewCollectError(domain.ErrTransient, f.source,
			fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	default:
		return nil, domain.NewCollectError(domain.ErrFatal, f.source,
			fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// providerDate is the provider-side date format.
func providerDate(t time.Time) string {
	return domain.ProjectTime(t).Format("20060102")
}

// freshnessScore grades the newest payload timestamp against collection
// time: 1.0 inside ten minutes, decaying linearly to 0 at six hours.
// Payloads without timestamps score 1.0.
func freshnessScore(newest, now time.Time) float64 {
	if newest.IsZero() {
		return 1.0
	}
	age := now.Sub(newest)
	if age <= 10*time.Minute {
		return 1.0
	}
	const horizon = 6 * time.Hour
	if age >= horizon {
		return 0
	}
	return 1.0 - float64(age)/float64(horizon)
}

// failureResult packages a categorized error as a collection result so the
// analyzer sees every attempt, failed or not.
func failureResult(source, collectorName string, started time.Time, requests int, err error) *domain.CollectionResult {
	return &domain.CollectionResult{
		Source:         source,
		Collector:      collectorName,
		Success:        false,
		Data:           nil,
		Errors:         []string{err.Error()},
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequestCount:   requests,
		SchemaValid:    true,
	}
}
