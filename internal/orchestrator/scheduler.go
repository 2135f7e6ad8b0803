package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// bufferMaxAge bounds the synchronizer buffer; older entries are evicted
// on the housekeeping tick.
const bufferMaxAge = 30 * time.Minute

// Run drives periodic collection: one ticker per registered source at its
// configured interval, plus a housekeeping ticker for buffer eviction.
// Blocks until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	configs := make([]SourceConfig, 0, len(o.sources))
	for _, cfg := range o.sources {
		configs = append(configs, cfg)
	}
	o.mu.Unlock()

	for _, cfg := range configs {
		if cfg.Interval <= 0 {
			continue
		}
		go o.runSourceLoop(ctx, cfg)
	}

	housekeeping := time.NewTicker(5 * time.Minute)
	defer housekeeping.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("scheduler stopped")
			return
		case <-housekeeping.C:
			if o.buffer != nil {
				evicted := o.buffer.CleanupOld(bufferMaxAge)
				if evicted > 0 {
					o.logger.Debug("buffer eviction", "evicted", evicted)
				}
			}
		}
	}
}

func (o *Orchestrator) runSourceLoop(ctx context.Context, cfg SourceConfig) {
	o.logger.Info("source loop starting", "source", cfg.Name, "interval", cfg.Interval)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("source loop stopped", "source", cfg.Name)
			return
		case <-ticker.C:
			if err := o.CollectNow(ctx, cfg.Name); err != nil && ctx.Err() == nil {
				o.logger.Error("scheduled collection failed", "source", cfg.Name, "error", err)
			}
		}
	}
}

// CollectNow executes an immediate single-source plan. Used by the
// scheduler tick and as the aligner's re-collection trigger.
func (o *Orchestrator) CollectNow(ctx context.Context, source string) error {
	o.mu.Lock()
	cfg, ok := o.sources[source]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown source %s", source)
	}

	deadline := cfg.Timeout * time.Duration(cfg.MaxRetries+1)
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}

	// Single-source plans ignore cross-source dependencies; the scheduled
	// full plans honor them.
	standalone := cfg
	standalone.DependsOn = nil

	plan, err := NewPlan("scheduled:"+source, []SourceConfig{standalone}, 1, deadline)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.plans[plan.ID] = plan
	o.mu.Unlock()

	return o.ExecutePlan(ctx, plan)
}
