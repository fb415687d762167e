// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"errors"
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// VerdictKind classifies a worker's health. Verdicts never mutate
// anything; the orchestrator turns them into transitions.
type VerdictKind string

const (
	// VerdictReady: spawning worker's instance is running and
	// passed the boot probe; promote it.
	VerdictReady VerdictKind = "ready"
	// VerdictBooting: spawning worker is still initializing; wait.
	VerdictBooting VerdictKind = "booting"
	// VerdictDead: the worker must be failed and cleaned up.
	VerdictDead VerdictKind = "dead"
	// VerdictIdleTerminable: healthy but idle past the timeout and
	// above the floor; may be terminated if the fleet is
	// oversized.
	VerdictIdleTerminable VerdictKind = "idle-terminable"
	// VerdictKeep: healthy, nothing to do.
	VerdictKeep VerdictKind = "keep"
)

// Verdict is the health evaluator's output for one worker.
type Verdict struct {
	WorkerID string
	Kind     VerdictKind
	Reason   string
}

// SpawnCheck carries the evidence for resolving a spawning worker.
type SpawnCheck struct {
	Now             time.Time
	Instance        provider.Instance
	InstanceErr     error // from InstanceStatus; nil if Instance is valid
	ReadyErr        error // from the boot probe; consulted only when the instance is running
	SpawningTimeout time.Duration
}

// ResolveSpawning decides whether a spawning worker is ready, still
// booting, or dead.
func ResolveSpawning(w fleet.Worker, chk SpawnCheck) Verdict {
	v := Verdict{WorkerID: w.ID}
	if w.Metadata.InstanceID == "" {
		// The spawn step records the instance id in the same
		// cycle it calls Create; a row without one means the
		// spawn never completed.
		v.Kind, v.Reason = VerdictDead, "no instance id recorded"
		return v
	}
	age := chk.Now.Sub(w.CreatedAt)
	if chk.InstanceErr != nil {
		if errors.Is(chk.InstanceErr, provider.ErrInstanceNotFound) {
			v.Kind, v.Reason = VerdictDead, "instance missing from provider"
			return v
		}
		// Transient lookup failure; fall through to the
		// timeout check and otherwise retry next cycle.
		return spawnTimeout(v, age, chk.SpawningTimeout, fmt.Sprintf("instance status check failed: %s", chk.InstanceErr))
	}
	switch chk.Instance.State {
	case provider.InstanceFailed, provider.InstanceTerminated:
		v.Kind, v.Reason = VerdictDead, fmt.Sprintf("instance %s during provisioning", chk.Instance.State)
		return v
	case provider.InstanceRunning:
		if chk.ReadyErr == nil {
			v.Kind, v.Reason = VerdictReady, "instance running and boot probe succeeded"
			return v
		}
		return spawnTimeout(v, age, chk.SpawningTimeout, fmt.Sprintf("boot probe failing: %s", chk.ReadyErr))
	default:
		return spawnTimeout(v, age, chk.SpawningTimeout, "instance still provisioning")
	}
}

func spawnTimeout(v Verdict, age, limit time.Duration, detail string) Verdict {
	if age > limit {
		v.Kind = VerdictDead
		v.Reason = fmt.Sprintf("spawning timeout after %s (%s)", age.Truncate(time.Second), detail)
	} else {
		v.Kind, v.Reason = VerdictBooting, detail
	}
	return v
}

// HealthCheck carries the evidence for evaluating an active worker.
type HealthCheck struct {
	Now time.Time
	// Tasks are the InProgress tasks currently assigned to the
	// worker.
	Tasks []fleet.Task
	// QueueDepth is the number of claimable queued tasks.
	QueueDepth int
	// ActiveCount and MinWorkers protect the fleet floor: an idle
	// worker is never terminable at or below MinWorkers.
	ActiveCount int
	MinWorkers  int
	// LastTaskFinished is the worker's most recent task
	// completion, zero if none.
	LastTaskFinished time.Time
	// InstanceState is the optional liveness probe result; the
	// zero value means "not checked".
	InstanceState provider.InstanceState

	IdleTimeout      time.Duration
	StuckTaskTimeout time.Duration
	Classifier       fleet.TaskClassifier
}

// EvaluateActive classifies an active worker. Precedence: provider
// liveness, then heartbeat rules for busy/starved workers, then the
// stuck-task check, then idle eligibility.
func EvaluateActive(w fleet.Worker, chk HealthCheck) Verdict {
	v := Verdict{WorkerID: w.ID}

	if chk.InstanceState == provider.InstanceFailed || chk.InstanceState == provider.InstanceTerminated {
		v.Kind, v.Reason = VerdictDead, fmt.Sprintf("provider reports instance %s", chk.InstanceState)
		return v
	}

	if len(chk.Tasks) > 0 {
		if stale, detail := heartbeatStale(w, chk.Now, chk.IdleTimeout); stale {
			v.Kind, v.Reason = VerdictDead, "stale heartbeat with active task ("+detail+")"
			return v
		}
		if t, stuck := stuckTask(chk); stuck {
			v.Kind = VerdictDead
			v.Reason = fmt.Sprintf("stuck task %s (type %q, started %s ago)", t.ID, t.Type, chk.Now.Sub(*t.StartedAt).Truncate(time.Second))
			return v
		}
		v.Kind = VerdictKeep
		return v
	}

	if chk.QueueDepth > 0 {
		// Tasks are waiting but this worker is claiming
		// nothing. A stale or never-received heartbeat past
		// the idle timeout means it is wedged, not warming
		// up.
		if stale, detail := heartbeatStale(w, chk.Now, chk.IdleTimeout); stale && chk.Now.Sub(w.CreatedAt) > chk.IdleTimeout {
			v.Kind, v.Reason = VerdictDead, "idle with tasks queued ("+detail+")"
			return v
		}
		v.Kind = VerdictKeep
		return v
	}

	// Idle by design: nothing queued, nothing assigned.
	idle := chk.Now.Sub(idleSince(w, chk.LastTaskFinished))
	if idle > chk.IdleTimeout && chk.ActiveCount > chk.MinWorkers {
		v.Kind = VerdictIdleTerminable
		v.Reason = fmt.Sprintf("idle for %s", idle.Truncate(time.Second))
		return v
	}
	v.Kind = VerdictKeep
	return v
}

// idleSince is the canonical idle-duration anchor: last task
// completion, falling back to last heartbeat, falling back to
// creation time. Termination timing depends on this order; change it
// only with the tests.
func idleSince(w fleet.Worker, lastTaskFinished time.Time) time.Time {
	if !lastTaskFinished.IsZero() {
		return lastTaskFinished
	}
	if w.LastHeartbeatAt != nil {
		return *w.LastHeartbeatAt
	}
	return w.CreatedAt
}

func heartbeatStale(w fleet.Worker, now time.Time, limit time.Duration) (bool, string) {
	if w.LastHeartbeatAt == nil {
		return true, "no heartbeat received"
	}
	if age := now.Sub(*w.LastHeartbeatAt); age > limit {
		return true, fmt.Sprintf("last heartbeat %s ago", age.Truncate(time.Second))
	}
	return false, ""
}

func stuckTask(chk HealthCheck) (fleet.Task, bool) {
	for _, t := range chk.Tasks {
		if t.StartedAt == nil {
			continue
		}
		if chk.Classifier != nil && chk.Classifier.LongRunning(t.Type) {
			continue
		}
		if chk.Now.Sub(*t.StartedAt) > chk.StuckTaskTimeout {
			return t, true
		}
	}
	return fleet.Task{}, false
}
