package infra

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"oddstream"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"oddstream"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"oddstream"`

	// Ops API
	OpsPort int `env:"OPS_PORT" envDefault:"3200"`

	// Provider credentials and endpoints
	OddsAPIKey         string `env:"ODDS_API_KEY"`
	OddsAPIBaseURL     string `env:"ODDS_API_BASE_URL" envDefault:"https://api.the-odds-api.com"`
	SplitsBaseURL      string `env:"SPLITS_BASE_URL" envDefault:"https://www.covers.com"`
	LineHistoryKey     string `env:"LINE_HISTORY_KEY"`
	LineHistoryBaseURL string `env:"LINE_HISTORY_BASE_URL" envDefault:"https://api.linehistory.io"`
	ScheduleBaseURL    string `env:"SCHEDULE_BASE_URL" envDefault:"https://statsapi.mlb.com/api/v1"`

	// Orchestrator
	MaxConcurrentTasks int    `env:"MAX_CONCURRENT_TASKS" envDefault:"5"`
	PlanDeadline       string `env:"PLAN_DEADLINE" envDefault:"10m"`
	CollectInterval    string `env:"COLLECT_INTERVAL" envDefault:"15m"`
	StagingInterval    string `env:"STAGING_INTERVAL" envDefault:"1m"`
	DetectorInterval   string `env:"DETECTOR_INTERVAL" envDefault:"10m"`

	// Synchronizer
	SyncWindowSeconds  int  `env:"SYNC_WINDOW_SECONDS" envDefault:"60"`
	SyncMaxSkewSeconds int  `env:"SYNC_MAX_SKEW_SECONDS" envDefault:"300"`
	RequireAllSources  bool `env:"SYNC_REQUIRE_ALL_SOURCES" envDefault:"false"`

	// Alerting
	GapThresholdHours   float64 `env:"GAP_THRESHOLD_HOURS" envDefault:"4"`
	AlertWebhookURL     string  `env:"ALERT_WEBHOOK_URL"`
	AlertEmailTo        string  `env:"ALERT_EMAIL_TO"`
	AlertEmailFrom      string  `env:"ALERT_EMAIL_FROM" envDefault:"pipeline@localhost"`
	SMTPAddr            string  `env:"SMTP_ADDR" envDefault:"localhost:25"`
	CascadeSourceCount  int     `env:"CASCADE_SOURCE_COUNT" envDefault:"3"`
	CascadeWindowMinute int     `env:"CASCADE_WINDOW_MINUTES" envDefault:"30"`

	// Kafka (collection events + chat alert channel)
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration that must be present to collect real data.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	if c.SyncMaxSkewSeconds < c.SyncWindowSeconds {
		return fmt.Errorf("SYNC_MAX_SKEW_SECONDS (%d) must not be below SYNC_WINDOW_SECONDS (%d)",
			c.SyncMaxSkewSeconds, c.SyncWindowSeconds)
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
