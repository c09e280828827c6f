// Package config loads the two configuration layers this service reads:
// process-wide settings from the environment (ServerConfig) and the
// per-component YAML document that describes cameras, detectors,
// recorders, and storage tiers.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig is process-wide configuration sourced from the
// environment, following the teacher's envconfig-per-subsystem layout.
type ServerConfig struct {
	Store       StoreConfig
	Lifecycle   LifecycleConfig
	Shutdown    ShutdownConfig
	ComponentsFile string `envconfig:"COMPONENTS_FILE" default:"/etc/sentinel/config.yaml"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
}

// StoreConfig configures the persistence backend (spec.md §6 persisted
// tables).
type StoreConfig struct {
	Driver   string `envconfig:"STORE_DRIVER" default:"sqlite"` // sqlite | postgres
	DSN      string `envconfig:"STORE_DSN" default:"sentinel.db"`
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Username string `envconfig:"POSTGRES_USERNAME" default:"postgres"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DATABASE" default:"sentinel"`
	AutoMigrate bool `envconfig:"STORE_AUTO_MIGRATE" default:"true"`
}

// LifecycleConfig sizes the Lifecycle Manager's setup worker pool
// (spec.md §4.D).
type LifecycleConfig struct {
	SetupWorkers int           `envconfig:"LIFECYCLE_SETUP_WORKERS" default:"10"`
	RetryBackoff time.Duration `envconfig:"LIFECYCLE_RETRY_BACKOFF" default:"2s"`
	MaxRetries   int           `envconfig:"LIFECYCLE_MAX_RETRIES" default:"5"`
	WaitTimeout  time.Duration `envconfig:"LIFECYCLE_WAIT_TIMEOUT" default:"30s"`
}

// ShutdownConfig sizes the grace windows spec.md §5 requires.
type ShutdownConfig struct {
	ProcessGrace time.Duration `envconfig:"SHUTDOWN_PROCESS_GRACE" default:"20s"`
	ThreadGrace  time.Duration `envconfig:"SHUTDOWN_THREAD_GRACE" default:"5s"`
}

// LoadServerConfig processes environment variables into a ServerConfig,
// following the teacher's config.LoadServerConfig.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
