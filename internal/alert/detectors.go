package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// GapStore reports the latest raw collection timestamp per source.
type GapStore interface {
	LatestCollectionTimes(ctx context.Context) (map[string]time.Time, error)
}

// BloatStore reports per-table dead/live tuple ratios from store metadata.
type BloatStore interface {
	DeadTupleRatios(ctx context.Context) (map[string]float64, error)
}

// criticalGapHours is the gap beyond which a gap alert escalates from
// warning to critical regardless of the configured threshold.
const criticalGapHours = 8.0

// Detectors run the store-level checks that are independent of the
// per-result alert path.
type Detectors struct {
	manager *Manager
	gaps    GapStore
	bloat   BloatStore
	logger  *slog.Logger

	GapThresholdHours  float64
	DeadTupleWarn      float64
	DeadTupleCritical  float64
	CascadeSourceCount int
	CascadeWindow      time.Duration

	now func() time.Time
}

// NewDetectors creates the detector set with standard thresholds.
func NewDetectors(manager *Manager, gaps GapStore, bloat BloatStore, gapThresholdHours float64, logger *slog.Logger) *Detectors {
	return &Detectors{
		manager:            manager,
		gaps:               gaps,
		bloat:              bloat,
		logger:             logger,
		GapThresholdHours:  gapThresholdHours,
		DeadTupleWarn:      0.5,
		DeadTupleCritical:  0.8,
		CascadeSourceCount: 3,
		CascadeWindow:      30 * time.Minute,
		now:                time.Now,
	}
}

// Run executes every detector once. Individual detector failures are
// logged, not propagated; detection must never take the scheduler down.
func (d *Detectors) Run(ctx context.Context) {
	if err := d.DetectGaps(ctx); err != nil {
		d.logger.Error("gap detection failed", "error", err)
	}
	if err := d.DetectDeadTuples(ctx); err != nil {
		d.logger.Error("dead-tuple detection failed", "error", err)
	}
	d.DetectCascade(ctx)
}

// DetectGaps alerts for every source whose latest collection is older than
// the threshold: warning at the threshold, critical at eight hours.
func (d *Detectors) DetectGaps(ctx context.Context) error {
	latest, err := d.gaps.LatestCollectionTimes(ctx)
	if err != nil {
		return fmt.Errorf("query latest collection times: %w", err)
	}

	now := d.now()
	for source, last := range latest {
		gapHours := now.Sub(last).Hours()
		if gapHours < d.GapThresholdHours {
			continue
		}

		severity := domain.SeverityWarning
		if gapHours >= criticalGapHours {
			severity = domain.SeverityCritical
		}

		d.manager.Raise(ctx, &domain.Alert{
			Source:          source,
			Type:            domain.AlertTypeCollectionGap,
			Severity:        severity,
			Message:         fmt.Sprintf("no collection from %s for %.1f hours", source, gapHours),
			AutoRecoverable: true,
			Metadata:        map[string]string{"gap_hours": fmt.Sprintf("%.1f", gapHours)},
			Suggestions:     []string{"check source scheduler entry", "run test-connection against the source"},
		})
	}
	return nil
}

// DetectDeadTuples alerts when a pipeline table's dead/live ratio crosses
// the bloat thresholds. Not auto-recoverable: vacuum needs an operator.
func (d *Detectors) DetectDeadTuples(ctx context.Context) error {
	ratios, err := d.bloat.DeadTupleRatios(ctx)
	if err != nil {
		return fmt.Errorf("query dead tuple ratios: %w", err)
	}

	for table, ratio := range ratios {
		if ratio <= d.DeadTupleWarn {
			continue
		}
		severity := domain.SeverityWarning
		if ratio > d.DeadTupleCritical {
			severity = domain.SeverityCritical
		}

		d.manager.Raise(ctx, &domain.Alert{
			Source:          table,
			Type:            domain.AlertTypeDeadTuples,
			Severity:        severity,
			Message:         fmt.Sprintf("table %s dead tuple ratio %.2f", table, ratio),
			AutoRecoverable: false,
			Metadata:        map[string]string{"table": table, "ratio": fmt.Sprintf("%.2f", ratio)},
			Suggestions:     []string{"run VACUUM ANALYZE on the table", "review autovacuum thresholds"},
		})
	}
	return nil
}

// DetectCascade raises one combined alert when enough sources hold active
// warning or critical alerts inside the rolling window.
func (d *Detectors) DetectCascade(ctx context.Context) {
	now := d.now()
	cutoff := now.Add(-d.CascadeWindow)

	affected := make(map[string]bool)
	for _, a := range d.manager.ActiveAlerts(AlertFilter{}) {
		if a.Type == domain.AlertTypeCascade || a.CreatedAt.Before(cutoff) {
			continue
		}
		if a.Severity == domain.SeverityWarning || a.Severity == domain.SeverityCritical {
			affected[a.Source] = true
		}
	}

	if len(affected) < d.CascadeSourceCount {
		return
	}

	d.manager.Raise(ctx, &domain.Alert{
		Source:          "pipeline",
		Type:            domain.AlertTypeCascade,
		Severity:        domain.SeverityCritical,
		Message:         fmt.Sprintf("%d sources alerting inside %s window", len(affected), d.CascadeWindow),
		AutoRecoverable: false,
		Metadata:        map[string]string{"affected_sources": fmt.Sprintf("%d", len(affected))},
		Suggestions:     []string{"check shared infrastructure: network egress, DB pool, provider status pages"},
	})
}
