package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddstream/pipeline/internal/domain"
)

// Channel is a pluggable alert delivery mechanism.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, a *domain.Alert) error
}

// Store persists alert lifecycle for audit. May be nil in tests.
type Store interface {
	Insert(ctx context.Context, a *domain.Alert) error
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedAt time.Time, notes string) error
}

// Manager owns alert state: rule evaluation, cooldown and hourly caps,
// deduplication, multi-channel delivery, and resolution.
type Manager struct {
	mu       sync.Mutex
	logger   *slog.Logger
	rules    map[string]*domain.AlertRule
	channels []Channel
	store    Store

	active    map[uuid.UUID]*domain.Alert
	lastFired map[string]time.Time // rule|source
	hourly    map[string][]time.Time

	now func() time.Time
}

// NewManager creates an alert manager with the given delivery channels.
func NewManager(store Store, channels []Channel, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		rules:     make(map[string]*domain.AlertRule),
		channels:  channels,
		store:     store,
		active:    make(map[uuid.UUID]*domain.Alert),
		lastFired: make(map[string]time.Time),
		hourly:    make(map[string][]time.Time),
		now:       time.Now,
	}
}

// AddRule registers or replaces an alert rule.
func (m *Manager) AddRule(rule domain.AlertRule) {
	m.mu.Lock()
	m.rules[rule.ID] = &rule
	m.mu.Unlock()
}

// SetRuleEnabled toggles a rule.
func (m *Manager) SetRuleEnabled(id string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if ok {
		rule.Enabled = enabled
	}
	return ok
}

// Rules returns a snapshot of all registered rules.
func (m *Manager) Rules() []domain.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	return out
}

// Evaluate runs every enabled rule against a source's rolling metrics and
// emits alerts for those that fire inside their cooldown and hourly caps.
func (m *Manager) Evaluate(ctx context.Context, source string, metrics *domain.HealthMetrics) []*domain.Alert {
	m.mu.Lock()
	now := m.now()

	var fired []*domain.Alert
	var firedRules []domain.AlertRule
	for _, rule := range m.rules {
		if !rule.Enabled || !rule.Condition.Eval(metrics, now) {
			continue
		}
		if rule.FailureThreshold > 0 && metrics.ConsecutiveFailures < rule.FailureThreshold {
			continue
		}

		key := rule.ID + "|" + source
		if last, ok := m.lastFired[key]; ok {
			if now.Sub(last) < time.Duration(rule.CooldownMinutes)*time.Minute {
				continue
			}
		}
		if m.hourlyCountLocked(key, now) >= rule.MaxAlertsPerHour && rule.MaxAlertsPerHour > 0 {
			continue
		}

		a := &domain.Alert{
			ID:              uuid.New(),
			Source:          source,
			Type:            domain.AlertTypeRule,
			Severity:        rule.Severity,
			Message:         "alert rule " + rule.ID + " fired for " + source,
			CreatedAt:       now,
			Active:          true,
			AutoRecoverable: autoRecoverable(metrics.FailurePatterns),
			Metadata:        map[string]string{"rule_id": rule.ID},
			Suggestions:     nil,
		}
		m.lastFired[key] = now
		m.hourly[key] = append(m.hourly[key], now)
		m.active[a.ID] = a
		fired = append(fired, a)
		firedRules = append(firedRules, *rule)
	}
	m.mu.Unlock()

	for i, a := range fired {
		m.persistAndDeliver(ctx, a, firedRules[i].DeliversTo)
	}
	return fired
}

func autoRecoverable(patterns []domain.FailurePattern) bool {
	for _, p := range patterns {
		if !p.AutoRecoverable() {
			return false
		}
	}
	return true
}

func (m *Manager) hourlyCountLocked(key string, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	recent := m.hourly[key][:0]
	for _, t := range m.hourly[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	m.hourly[key] = recent
	return len(recent)
}

// Raise emits a pre-built alert (detectors and circuit-breaker hooks use
// this path), deduplicating against an identical active alert.
func (m *Manager) Raise(ctx context.Context, a *domain.Alert) *domain.Alert {
	m.mu.Lock()
	for _, existing := range m.active {
		if existing.Active && existing.Source == a.Source && existing.Type == a.Type {
			m.mu.Unlock()
			return existing
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	a.Active = true
	m.active[a.ID] = a
	m.mu.Unlock()

	m.persistAndDeliver(ctx, a, nil)
	return a
}

// persistAndDeliver writes the alert and fans out to the channels the
// allow filter admits; a nil filter means every channel. One channel
// failing never suppresses the others.
func (m *Manager) persistAndDeliver(ctx context.Context, a *domain.Alert, allow func(channel string) bool) {
	if m.store != nil {
		if err := m.store.Insert(ctx, a); err != nil {
			m.logger.Error("persist alert", "alert_id", a.ID, "error", err)
		}
	}
	for _, ch := range m.channels {
		if allow != nil && !allow(ch.Name()) {
			continue
		}
		if err := ch.Deliver(ctx, a); err != nil {
			m.logger.Error("alert delivery failed", "channel", ch.Name(), "alert_id", a.ID, "error", err)
		}
	}
	m.logger.Info("alert raised", "alert_id", a.ID, "source", a.Source, "type", a.Type, "severity", a.Severity)
}

// Resolve marks an alert inactive with resolution notes.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, notes string) error {
	m.mu.Lock()
	a, ok := m.active[id]
	if !ok || !a.Active {
		m.mu.Unlock()
		return domain.ErrNotFound("alert", id.String())
	}
	now := m.now()
	a.Active = false
	a.ResolvedAt = &now
	a.ResolutionNotes = notes
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.MarkResolved(ctx, id, now, notes); err != nil {
			return err
		}
	}
	m.logger.Info("alert resolved", "alert_id", id, "notes", notes)
	return nil
}

// AlertFilter narrows ActiveAlerts output. Zero values match everything.
type AlertFilter struct {
	Source   string
	Severity domain.AlertSeverity
	Type     domain.AlertType
}

// ActiveAlerts lists live alerts matching the filter.
func (m *Manager) ActiveAlerts(f AlertFilter) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Alert
	for _, a := range m.active {
		if !a.Active {
			continue
		}
		if f.Source != "" && a.Source != f.Source {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Summary counts active alerts by severity.
func (m *Manager) Summary() map[domain.AlertSeverity]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.AlertSeverity]int)
	for _, a := range m.active {
		if a.Active {
			out[a.Severity]++
		}
	}
	return out
}
