package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - engine.go: slots, inference backend, storage and model catalog
//   - services.go: service modes, webhook, DLQ and reaper configuration
//   - observability.go: logging, metrics and outcome notifications
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, relaxed defaults).
	// Set DEV=true or GO_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"scheduler,webhook-runner,reaper,ops"`

	// Slots is the number of accelerator slots, each with its own model session and backend.
	Slots int `env:"SLOTS" envDefault:"1"`

	// ModelCatalogPath points at a YAML list of submittable models. Empty accepts any model id.
	ModelCatalogPath string `env:"MODEL_CATALOG_PATH"`

	Executor ExecutorConfig `envPrefix:"EXECUTOR_"`
	Backend  BackendConfig  `envPrefix:"BACKEND_"`
	Storage  StorageConfig  `envPrefix:"STORAGE_"`
	Webhook  WebhookConfig  `envPrefix:"WEBHOOK_"`
	DLQ      DLQConfig      `envPrefix:"DLQ_"`
	Reaper   ReaperConfig   `envPrefix:"REAPER_"`
	Ops      OpsConfig      `envPrefix:"OPS_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	if c.Slots < 1 {
		c.Slots = 1
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	c.Executor.Sanitize()
	c.Backend.Sanitize()
	c.Storage.Sanitize()
	c.Webhook.Sanitize()
	c.DLQ.Sanitize()
	c.Reaper.Sanitize()
	c.Ops.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and GO_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		goEnv := strings.ToLower(os.Getenv("GO_ENV"))
		c.IsDev = goEnv == "development" || goEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsEnabled reports whether mode is listed in SERVICES.
func (c *AppConfig) IsEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsSchedulerEnabled returns true if the slot runners should claim and execute jobs.
func (c *AppConfig) IsSchedulerEnabled() bool { return c.IsEnabled(ServiceModeScheduler) }

// IsWebhookRunnerEnabled returns true if webhook delivery workers should run.
func (c *AppConfig) IsWebhookRunnerEnabled() bool { return c.IsEnabled(ServiceModeWebhookRunner) }

// IsReaperEnabled returns true if the retention reaper should run.
func (c *AppConfig) IsReaperEnabled() bool { return c.IsEnabled(ServiceModeReaper) }

// IsOpsEnabled returns true if the /healthz and /metrics listener should run.
func (c *AppConfig) IsOpsEnabled() bool { return c.IsEnabled(ServiceModeOps) }
