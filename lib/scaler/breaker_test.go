// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BreakerSuite{})

type BreakerSuite struct{}

func (s *BreakerSuite) workers(now time.Time, updatedAgo time.Duration, states ...fleet.WorkerState) []fleet.Worker {
	var ret []fleet.Worker
	for i, st := range states {
		ret = append(ret, fleet.Worker{
			ID:        fmt.Sprintf("gpufleet-w%d", i+1),
			State:     st,
			UpdatedAt: now.Add(-updatedAgo),
		})
	}
	return ret
}

func (s *BreakerSuite) TestInsufficientSample(c *check.C) {
	now := time.Now()
	b := Breaker{Window: 15 * time.Minute, MaxFailureRate: 0.8, MinSample: 5}
	// 4 workers, all failed: still allowed, the sample is too small
	// to mean anything.
	d := b.Decide(s.workers(now, time.Minute,
		fleet.StateError, fleet.StateTerminated, fleet.StateTerminated, fleet.StateError), now)
	c.Check(d.Allow, check.Equals, true)
	c.Check(d.SampleSize, check.Equals, 4)
	c.Check(d.Reason, check.Matches, `insufficient data.*`)
}

func (s *BreakerSuite) TestRateAboveLimit(c *check.C) {
	now := time.Now()
	b := Breaker{Window: 15 * time.Minute, MaxFailureRate: 0.8, MinSample: 5}
	// 5 of 6 failed: 83% > 80%.
	d := b.Decide(s.workers(now, time.Minute,
		fleet.StateTerminated, fleet.StateTerminated, fleet.StateTerminated,
		fleet.StateTerminated, fleet.StateError, fleet.StateActive), now)
	c.Check(d.Allow, check.Equals, false)
	c.Check(d.SampleSize, check.Equals, 6)
	c.Check(d.FailureRate > 0.8, check.Equals, true)
	c.Check(d.Reason, check.Matches, `5 of 6 recent workers failed.*`)
}

func (s *BreakerSuite) TestRateAtLimit(c *check.C) {
	now := time.Now()
	b := Breaker{Window: 15 * time.Minute, MaxFailureRate: 0.8, MinSample: 5}
	// Exactly at the limit is still allowed; only exceeding it
	// trips the breaker.
	d := b.Decide(s.workers(now, time.Minute,
		fleet.StateTerminated, fleet.StateTerminated, fleet.StateTerminated,
		fleet.StateTerminated, fleet.StateActive), now)
	c.Check(d.Allow, check.Equals, true)
	c.Check(d.FailureRate, check.Equals, 0.8)
}

func (s *BreakerSuite) TestWindowExpiry(c *check.C) {
	now := time.Now()
	b := Breaker{Window: 15 * time.Minute, MaxFailureRate: 0.8, MinSample: 5}
	// The same failures, last updated an hour ago, are out of the
	// window: the breaker self-heals.
	d := b.Decide(s.workers(now, time.Hour,
		fleet.StateTerminated, fleet.StateTerminated, fleet.StateTerminated,
		fleet.StateTerminated, fleet.StateError, fleet.StateActive), now)
	c.Check(d.Allow, check.Equals, true)
	c.Check(d.SampleSize, check.Equals, 0)
}

func (s *BreakerSuite) TestCancelledExcluded(c *check.C) {
	now := time.Now()
	b := Breaker{Window: 15 * time.Minute, MaxFailureRate: 0.8, MinSample: 5}
	workers := s.workers(now, time.Minute,
		fleet.StateTerminated, fleet.StateTerminated, fleet.StateTerminated,
		fleet.StateTerminated, fleet.StateTerminated, fleet.StateActive)
	for i := range workers[:5] {
		workers[i].Metadata.Cancelled = true
	}
	// A burst of spawn cancellations is a scaling decision, not an
	// infrastructure failure; it must not trip the breaker.
	d := b.Decide(workers, now)
	c.Check(d.Allow, check.Equals, true)
	c.Check(d.SampleSize, check.Equals, 1)
}
