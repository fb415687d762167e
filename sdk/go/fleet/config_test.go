// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"os"
	"path/filepath"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestDefaultsValidate(c *check.C) {
	c.Check(DefaultConfig().Validate(), check.IsNil)
}

func (s *ConfigSuite) TestLoadConfig(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
MinWorkers: 2
MaxWorkers: 20
IdleTimeout: 15m
ScaleUpMultiplier: 1.5
LongRunningTaskTypes:
  - training
Store:
  Driver: sqlite3
  DSN: /var/lib/gpufleet/state.db
Provider:
  Driver: loopback
  DriverParameters:
    BootDelaySeconds: 1
Management:
  Listen: ":9412"
`), 0644)
	c.Assert(err, check.IsNil)

	cfg, err := LoadConfig(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.MinWorkers, check.Equals, 2)
	c.Check(cfg.MaxWorkers, check.Equals, 20)
	c.Check(cfg.IdleTimeout.Duration(), check.Equals, 15*time.Minute)
	c.Check(cfg.ScaleUpMultiplier, check.Equals, 1.5)
	c.Check(cfg.LongRunningTaskTypes, check.DeepEquals, []string{"training"})
	c.Check(cfg.Store.Driver, check.Equals, "sqlite3")
	c.Check(cfg.Provider.Driver, check.Equals, "loopback")
	c.Check(cfg.Management.Listen, check.Equals, ":9412")
	// Unspecified keys keep their defaults.
	c.Check(cfg.StuckTaskTimeout.Duration(), check.Equals, time.Hour)
	c.Check(cfg.MaxFailureRate, check.Equals, 0.8)
}

func (s *ConfigSuite) TestLoadConfigEmptyPath(c *check.C) {
	cfg, err := LoadConfig("")
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.DeepEquals, DefaultConfig())
}

func (s *ConfigSuite) TestValidateRejects(c *check.C) {
	for _, trial := range []struct {
		mutate func(*Config)
		match  string
	}{
		{func(cfg *Config) { cfg.MinWorkers = -1 }, `MinWorkers must be >= 0.*`},
		{func(cfg *Config) { cfg.MaxWorkers = 1; cfg.MinWorkers = 2 }, `MaxWorkers \(1\) must be >= MinWorkers \(2\)`},
		{func(cfg *Config) { cfg.ScaleUpMultiplier = 0.5 }, `ScaleUpMultiplier must be >= 1\.0.*`},
		{func(cfg *Config) { cfg.ScaleDownMultiplier = 1.2 }, `ScaleDownMultiplier must be in \(0, 1\.0\].*`},
		{func(cfg *Config) { cfg.MaxFailureRate = 0 }, `MaxFailureRate must be in \(0, 1\].*`},
		{func(cfg *Config) { cfg.ReconcileCycleStride = 0 }, `ReconcileCycleStride must be >= 1.*`},
		{func(cfg *Config) { cfg.MaxTaskAttempts = 0 }, `MaxTaskAttempts must be >= 1.*`},
	} {
		cfg := DefaultConfig()
		trial.mutate(&cfg)
		c.Check(cfg.Validate(), check.ErrorMatches, trial.match)
	}
}
