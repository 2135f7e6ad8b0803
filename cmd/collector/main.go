package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddstream/pipeline/internal/alert"
	"github.com/oddstream/pipeline/internal/collector"
	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/guard"
	"github.com/oddstream/pipeline/internal/handler"
	"github.com/oddstream/pipeline/internal/health"
	"github.com/oddstream/pipeline/internal/infra"
	"github.com/oddstream/pipeline/internal/orchestrator"
	"github.com/oddstream/pipeline/internal/repository"
	"github.com/oddstream/pipeline/internal/resolver"
	"github.com/oddstream/pipeline/internal/schedule"
	"github.com/oddstream/pipeline/internal/staging"
	"github.com/oddstream/pipeline/internal/timesync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("collector failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	collectInterval, err := time.ParseDuration(cfg.CollectInterval)
	if err != nil {
		return fmt.Errorf("parse COLLECT_INTERVAL: %w", err)
	}
	stagingInterval, err := time.ParseDuration(cfg.StagingInterval)
	if err != nil {
		return fmt.Errorf("parse STAGING_INTERVAL: %w", err)
	}
	detectorInterval, err := time.ParseDuration(cfg.DetectorInterval)
	if err != nil {
		return fmt.Errorf("parse DETECTOR_INTERVAL: %w", err)
	}

	if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("collector connected to postgres")

	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()

	// Repositories
	rawRepo := repository.NewPgRawRepository(pool)
	stagingRepo := repository.NewPgStagingRepository(pool)
	pointRepo := repository.NewPgPointRepository(pool)
	gameRepo := repository.NewPgGameRepository(pool)
	healthRepo := repository.NewPgHealthRepository(pool)
	alertRepo := repository.NewPgAlertRepository(pool)
	bookRepo := repository.NewPgSportsbookRepository(pool)
	teamRepo := repository.NewPgTeamRepository(pool)
	maintRepo := repository.NewPgMaintenanceRepository(pool)

	// Collectors
	scheduleClient := schedule.NewClient(cfg.ScheduleBaseURL, logger)
	registry := collector.NewRegistry(
		collector.NewOddsAPICollector(cfg.OddsAPIBaseURL, cfg.OddsAPIKey, logger),
		collector.NewSplitsCollector(cfg.SplitsBaseURL, logger),
		collector.NewLineHistoryCollector(cfg.LineHistoryBaseURL, cfg.LineHistoryKey, logger),
		collector.NewScheduleCollector(scheduleClient, logger),
	)

	// Analysis and alerting
	analyzer := health.NewAnalyzer(map[string]health.CountRange{
		"oddsapi":     {Min: 5, Max: 450},
		"covers":      {Min: 3, Max: 60},
		"linehistory": {Min: 5, Max: 450},
		"schedule":    {Min: 1, Max: 30},
	}, logger)

	var channels []alert.Channel
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.AlertWebhookURL))
	}
	if cfg.AlertEmailTo != "" {
		channels = append(channels, alert.NewEmailChannel(cfg.SMTPAddr, cfg.AlertEmailFrom, cfg.AlertEmailTo))
	}
	if producer.Enabled() {
		channels = append(channels, alert.NewChatChannel(producer))
	}
	alerts := alert.NewManager(alertRepo, channels, logger)
	addDefaultRules(alerts)

	detectors := alert.NewDetectors(alerts, rawRepo, maintRepo, cfg.GapThresholdHours, logger)
	detectors.CascadeSourceCount = cfg.CascadeSourceCount
	detectors.CascadeWindow = time.Duration(cfg.CascadeWindowMinute) * time.Minute

	// Synchronizer and resolver
	syncCfg := timesync.Config{
		DefaultWindow:     time.Duration(cfg.SyncWindowSeconds) * time.Second,
		MaxSkew:           time.Duration(cfg.SyncMaxSkewSeconds) * time.Second,
		RequireAllSources: cfg.RequireAllSources,
		MaxAge:            30 * time.Minute,
	}
	buffer := timesync.NewSynchronizer(syncCfg)
	games := resolver.NewResolver(gameRepo, scheduleClient, logger)

	// Orchestrator
	orch := orchestrator.NewOrchestrator(registry, analyzer, alerts, buffer, games,
		rawRepo, producer, cfg.MaxConcurrentTasks, logger)
	orch.SetHealthSink(healthRepo)

	for _, src := range sourceConfigs(collectInterval) {
		if err := orch.RegisterSource(src, guard.DefaultRateLimitConfig(), guard.DefaultBreakerConfig()); err != nil {
			return fmt.Errorf("register source %s: %w", src.Name, err)
		}
	}

	aligner := timesync.NewAligner(buffer, syncCfg, func(ctx context.Context, sources []string, deadline time.Duration) error {
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for _, source := range sources {
			source := source
			g.Go(func() error {
				return orch.CollectNow(gctx, source)
			})
		}
		return g.Wait()
	}, logger)

	// Staging processor
	processor := staging.NewProcessor(rawRepo, stagingRepo, pointRepo, games, bookRepo, teamRepo, logger)

	go orch.Run(ctx)
	go processor.Run(ctx, stagingInterval)
	go runDetectors(ctx, detectors, detectorInterval, logger)

	// Ops API
	h := handler.New(pool, analyzer, alerts, orch, aligner, healthRepo, rawRepo, maintRepo, syncCfg, logger)
	addr := fmt.Sprintf(":%d", cfg.OpsPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops api starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("ops api error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops api: %w", err)
	}
	logger.Info("collector stopped")
	return nil
}

// sourceConfigs declares the scheduled sources. Odds and splits collection
// waits on the schedule source inside full plans so the resolver has the
// day's games before game-keyed payloads arrive.
func sourceConfigs(interval time.Duration) []orchestrator.SourceConfig {
	return []orchestrator.SourceConfig{
		{
			Name:       "schedule",
			Enabled:    true,
			Priority:   orchestrator.PriorityHigh,
			Interval:   4 * interval,
			MaxRetries: 2,
			Timeout:    30 * time.Second,
		},
		{
			Name:       "oddsapi",
			Enabled:    true,
			Priority:   orchestrator.PriorityCritical,
			Interval:   interval,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			DependsOn:  []string{"schedule"},

			EnableValidation:    true,
			EnableDeduplication: true,
		},
		{
			Name:       "covers",
			Enabled:    true,
			Priority:   orchestrator.PriorityNormal,
			Interval:   2 * interval,
			MaxRetries: 2,
			Timeout:    45 * time.Second,
			DependsOn:  []string{"schedule"},

			EnableValidation: true,
		},
		{
			Name:       "linehistory",
			Enabled:    true,
			Priority:   orchestrator.PriorityNormal,
			Interval:   2 * interval,
			MaxRetries: 2,
			Timeout:    45 * time.Second,
			DependsOn:  []string{"schedule"},

			EnableValidation: true,
		},
	}
}

// addDefaultRules installs the baseline alert rules; operators extend them
// at runtime through the manager.
func addDefaultRules(m *alert.Manager) {
	lowConfidence := 0.5
	consecutive := 3
	schemaChange := domain.PatternSchemaChange

	m.AddRule(domain.AlertRule{
		ID:                "low_confidence",
		Condition:         domain.Condition{ConfidenceBelow: &lowConfidence},
		Severity:          domain.SeverityWarning,
		TimeWindowMinutes: 60,
		CooldownMinutes:   30,
		MaxAlertsPerHour:  2,
		WebhookEnabled:    true,
		ChatEnabled:       true,
		Enabled:           true,
	})
	m.AddRule(domain.AlertRule{
		ID:                "repeated_failures",
		Condition:         domain.Condition{ConsecutiveAtLeast: &consecutive},
		Severity:          domain.SeverityCritical,
		TimeWindowMinutes: 60,
		CooldownMinutes:   15,
		MaxAlertsPerHour:  4,
		EmailEnabled:      true,
		WebhookEnabled:    true,
		ChatEnabled:       true,
		Enabled:           true,
	})
	m.AddRule(domain.AlertRule{
		ID:               "schema_change",
		Condition:        domain.Condition{HasPattern: &schemaChange},
		Severity:         domain.SeverityCritical,
		CooldownMinutes:  60,
		MaxAlertsPerHour: 2,
		EmailEnabled:     true,
		WebhookEnabled:   true,
		ChatEnabled:      true,
		Enabled:          true,
	})
}

func runDetectors(ctx context.Context, detectors *alert.Detectors, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("detectors stopped")
			return
		case <-ticker.C:
			detectors.Run(ctx)
		}
	}
}
