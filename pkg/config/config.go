package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process configuration loaded from FLOTILLA_* environment
// variables. cmd/flotilla overlays cobra flags on top at precedence
// flag > env var > default.
type Config struct {
	// Environment namespaces storage buckets and queue names
	// (flotilla-<environment>-<table>); the default is "develop", and
	// an explicitly empty value uses the bare flotilla-<table> names.
	Environment string `env:"FLOTILLA_ENV" envDefault:"develop"`

	// Regions this process operates across, comma-separated.
	Regions []string `env:"FLOTILLA_REGION" envSeparator:"," envDefault:"us-east-1"`

	// DataDir is the BoltDB data directory.
	DataDir string `env:"FLOTILLA_DATA_DIR" envDefault:"/var/lib/flotilla"`

	// InstanceID identifies this process as a lock owner and
	// assignment-row subject; it must be stable for the process
	// lifetime and distinct across the fleet.
	InstanceID string `env:"FLOTILLA_INSTANCE_ID"`

	// UnitDir and EnvDir are where the agent's unit manager writes
	// systemd unit and environment files.
	UnitDir string `env:"FLOTILLA_UNIT_DIR" envDefault:"/etc/systemd/system"`
	EnvDir  string `env:"FLOTILLA_ENV_DIR" envDefault:"/etc/flotilla"`

	// DeployLockTTL bounds how long an agent may hold the per-service
	// deploy lock before another agent's CAS attempt can reclaim it.
	DeployLockTTL time.Duration `env:"FLOTILLA_DEPLOY_LOCK_TTL" envDefault:"5m"`

	// RejectOnHashMismatch controls what happens when a stored unit's
	// content hash does not match its recomputed hash at read time:
	// false (default) logs a warning and uses the stored value, true
	// refuses to deploy it. Default false matches the reference
	// implementation's "stored value wins" behavior.
	RejectOnHashMismatch bool `env:"FLOTILLA_REJECT_ON_HASH_MISMATCH" envDefault:"false"`

	// MetricsAddr is the listen address for the Prometheus metrics and
	// health endpoints.
	MetricsAddr string `env:"FLOTILLA_METRICS_ADDR" envDefault:":9090"`
}

// Load reads configuration from FLOTILLA_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
