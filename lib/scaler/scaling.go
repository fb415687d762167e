// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import "math"

// Snapshot is the per-cycle input to the scaling engine: outstanding
// workload and the current split of active workers.
type Snapshot struct {
	Queued     int
	InProgress int
	Idle       int
	Busy       int
}

// Tuning is the scaling engine's configuration slice.
type Tuning struct {
	MinWorkers          int
	MaxWorkers          int
	IdleBufferTarget    int
	ScaleUpMultiplier   float64
	ScaleDownMultiplier float64
}

// ComputeDesired returns the target fleet size:
//
//	clamp(max(min, ceil((queued+in_progress)*up), busy+buffer), min, max)
//
// It is a pure function; the caller must feed it counts already
// adjusted for this cycle's promotions and failures.
func ComputeDesired(snap Snapshot, t Tuning) int {
	return desired(snap, t, scaleUpMultiplier(t))
}

// ConservativeDesired is the deliberately lower estimate used only to
// decide whether excess still-spawning workers should be cancelled
// before they finish initializing. Callers must skip the cancellation
// check entirely while anything is queued.
func ConservativeDesired(snap Snapshot, t Tuning) int {
	m := t.ScaleDownMultiplier
	if m <= 0 || m > 1 {
		m = 1.0
	}
	return desired(snap, t, m)
}

func desired(snap Snapshot, t Tuning, multiplier float64) int {
	workload := snap.Queued + snap.InProgress
	taskBased := 0
	if workload > 0 {
		taskBased = int(math.Ceil(float64(workload) * multiplier))
		if taskBased < 1 {
			// Any outstanding work keeps at least one
			// worker alive.
			taskBased = 1
		}
	}
	bufferBased := snap.Busy + t.IdleBufferTarget
	n := t.MinWorkers
	if taskBased > n {
		n = taskBased
	}
	if bufferBased > n {
		n = bufferBased
	}
	if n > t.MaxWorkers {
		n = t.MaxWorkers
	}
	if n < t.MinWorkers {
		n = t.MinWorkers
	}
	return n
}

func scaleUpMultiplier(t Tuning) float64 {
	// <1.0 would under-provision; config validation rejects it,
	// this is the backstop for zero values.
	if t.ScaleUpMultiplier < 1.0 {
		return 1.0
	}
	return t.ScaleUpMultiplier
}
