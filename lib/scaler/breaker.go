// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// Breaker is the failure-rate circuit breaker gating new spawns. It
// looks at workers last updated within Window: if too many of them
// ended up failed, something systemic is broken (bad image, provider
// outage, poisoned config) and spawning more would burn money for
// nothing. It self-heals as old entries age out of the window.
type Breaker struct {
	Window         time.Duration
	MaxFailureRate float64
	MinSample      int
}

// BreakerDecision is the outcome of one evaluation.
type BreakerDecision struct {
	Allow       bool    `json:"allow"`
	SampleSize  int     `json:"sample_size"`
	FailureRate float64 `json:"failure_rate"`
	Reason      string  `json:"reason"`
}

// Decide evaluates the breaker over the given fleet. Workers
// cancelled by a scaling decision are excluded entirely: a
// cancellation is not evidence of infrastructure failure.
func (b Breaker) Decide(workers []fleet.Worker, now time.Time) BreakerDecision {
	sample, failed := 0, 0
	for _, w := range workers {
		if now.Sub(w.UpdatedAt) > b.Window {
			continue
		}
		if w.Metadata.Cancelled {
			continue
		}
		sample++
		switch w.EffectiveState() {
		case fleet.StateError, fleet.StateTerminated:
			failed++
		}
	}
	if sample < b.MinSample {
		return BreakerDecision{
			Allow:      true,
			SampleSize: sample,
			Reason:     fmt.Sprintf("insufficient data (%d of %d workers needed)", sample, b.MinSample),
		}
	}
	rate := float64(failed) / float64(sample)
	if rate > b.MaxFailureRate {
		return BreakerDecision{
			Allow:       false,
			SampleSize:  sample,
			FailureRate: rate,
			Reason: fmt.Sprintf("%d of %d recent workers failed (%.0f%% > %.0f%% limit)",
				failed, sample, rate*100, b.MaxFailureRate*100),
		}
	}
	return BreakerDecision{
		Allow:       true,
		SampleSize:  sample,
		FailureRate: rate,
		Reason:      fmt.Sprintf("failure rate %.0f%% within limit", rate*100),
	}
}
