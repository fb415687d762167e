// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Driver is "postgres", "sqlite3", or "memory".
	Driver string
	DSN    string
}

// ProviderConfig selects and configures the compute provider driver.
type ProviderConfig struct {
	// Driver names a registered provider driver ("loopback" is
	// built in; real cloud drivers are site-supplied).
	Driver           string
	DriverParameters map[string]interface{}
	// NamePrefix is prepended to worker ids to form instance
	// names; reconciliation only touches instances carrying it.
	NamePrefix string
	SSHPort    string
	RemoteUser string
	// PrivateKey is the PEM-encoded SSH key used for readiness
	// and diagnostic probes.
	PrivateKey string
}

// ManagementConfig configures the management listener started in run
// mode and the URL the status subcommand queries.
type ManagementConfig struct {
	Listen string
	URL    string
}

// Config is the complete site configuration for one fleet.
type Config struct {
	MinWorkers int
	MaxWorkers int

	IdleTimeout             Duration
	StuckTaskTimeout        Duration
	SpawningTimeout         Duration
	SpawnGracePeriod        Duration
	ScaleDownCooldown       Duration
	PollInterval            Duration
	FailureWindow           Duration
	UnassignedOrphanTimeout Duration
	ProbeTimeout            Duration

	ScaleUpMultiplier   float64
	ScaleDownMultiplier float64
	MaxFailureRate      float64

	IdleBufferTarget        int
	MinSampleForFailureRate int
	ReconcileCycleStride    int
	MaxTaskAttempts         int

	// LongRunningTaskTypes are exempt from the stuck-task timeout
	// and from orphan recovery.
	LongRunningTaskTypes []string

	// BootProbeCommand must succeed on a new instance before the
	// worker is promoted to Active. Empty means "true".
	BootProbeCommand string

	LogLevel  string
	LogFormat string

	Store      StoreConfig
	Provider   ProviderConfig
	Management ManagementConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:              0,
		MaxWorkers:              10,
		IdleTimeout:             Duration(10 * time.Minute),
		StuckTaskTimeout:        Duration(time.Hour),
		SpawningTimeout:         Duration(10 * time.Minute),
		SpawnGracePeriod:        Duration(2 * time.Minute),
		ScaleDownCooldown:       Duration(5 * time.Minute),
		PollInterval:            Duration(time.Minute),
		FailureWindow:           Duration(15 * time.Minute),
		UnassignedOrphanTimeout: Duration(15 * time.Minute),
		ProbeTimeout:            Duration(30 * time.Second),
		ScaleUpMultiplier:       1.0,
		ScaleDownMultiplier:     0.9,
		MaxFailureRate:          0.8,
		IdleBufferTarget:        1,
		MinSampleForFailureRate: 5,
		ReconcileCycleStride:    10,
		MaxTaskAttempts:         3,
		LogLevel:                "info",
		LogFormat:               "json",
		Store:                   StoreConfig{Driver: "memory"},
		Provider:                ProviderConfig{Driver: "loopback", NamePrefix: "gpufleet-", RemoteUser: "root"},
		Management:              ManagementConfig{URL: "http://localhost:9412"},
	}
}

// LoadConfig reads a YAML config file, applies defaults, and
// validates. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("error decoding config %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants the scaler relies on.
func (cfg Config) Validate() error {
	switch {
	case cfg.MinWorkers < 0:
		return fmt.Errorf("MinWorkers must be >= 0, got %d", cfg.MinWorkers)
	case cfg.MaxWorkers < cfg.MinWorkers:
		return fmt.Errorf("MaxWorkers (%d) must be >= MinWorkers (%d)", cfg.MaxWorkers, cfg.MinWorkers)
	case cfg.ScaleUpMultiplier < 1.0:
		return fmt.Errorf("ScaleUpMultiplier must be >= 1.0 to avoid under-provisioning, got %g", cfg.ScaleUpMultiplier)
	case cfg.ScaleDownMultiplier > 1.0 || cfg.ScaleDownMultiplier <= 0:
		return fmt.Errorf("ScaleDownMultiplier must be in (0, 1.0], got %g", cfg.ScaleDownMultiplier)
	case cfg.MaxFailureRate <= 0 || cfg.MaxFailureRate > 1:
		return fmt.Errorf("MaxFailureRate must be in (0, 1], got %g", cfg.MaxFailureRate)
	case cfg.IdleBufferTarget < 0:
		return fmt.Errorf("IdleBufferTarget must be >= 0, got %d", cfg.IdleBufferTarget)
	case cfg.ReconcileCycleStride < 1:
		return fmt.Errorf("ReconcileCycleStride must be >= 1, got %d", cfg.ReconcileCycleStride)
	case cfg.MaxTaskAttempts < 1:
		return fmt.Errorf("MaxTaskAttempts must be >= 1, got %d", cfg.MaxTaskAttempts)
	}
	return nil
}
