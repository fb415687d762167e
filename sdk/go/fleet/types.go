// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package fleet provides the types shared by the scaler, the state
// store, and the CLI: worker and task records, their lifecycle states,
// and the site configuration.
package fleet

import (
	"fmt"
	"time"
)

// WorkerState indicates where a worker is in its lifecycle. States
// only move forward; a worker never revisits a state it has left.
type WorkerState string

const (
	StateInactive   WorkerState = "Inactive"   // row created, spawn not yet confirmed
	StateSpawning   WorkerState = "Spawning"   // instance requested, not yet ready
	StateActive     WorkerState = "Active"     // ready, claiming tasks
	StateError      WorkerState = "Error"      // failed, cleanup in progress
	StateTerminated WorkerState = "Terminated" // final
)

var stateRank = map[WorkerState]int{
	StateInactive:   0,
	StateSpawning:   1,
	StateActive:     2,
	StateError:      3,
	StateTerminated: 4,
}

// Valid returns false for states not in the lifecycle (including the
// zero value, which means "not yet set").
func (s WorkerState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// CanAdvance returns true if a transition from s to next moves the
// lifecycle forward.
func (s WorkerState) CanAdvance(next WorkerState) bool {
	a, aok := stateRank[s]
	b, bok := stateRank[next]
	return aok && bok && b > a
}

// Live returns true while the worker is expected to exist on the
// provider side.
func (s WorkerState) Live() bool {
	return s == StateInactive || s == StateSpawning || s == StateActive
}

// String implements fmt.Stringer.
func (s WorkerState) String() string { return string(s) }

// WorkerMetadata is the typed record attached to a worker row. It is
// written only by the scaler; Diagnostics is written exactly once, at
// the Error transition.
type WorkerMetadata struct {
	InstanceID  string     `json:"instance_id,omitempty"`
	RAMTier     string     `json:"ram_tier,omitempty"`
	StorageTier string     `json:"storage_tier,omitempty"`
	Address     string     `json:"address,omitempty"`
	PromotedAt  *time.Time `json:"promoted_at,omitempty"`
	ErrorReason string     `json:"error_reason,omitempty"`
	ErrorAt     *time.Time `json:"error_at,omitempty"`
	Diagnostics string     `json:"diagnostics,omitempty"`
	// Cancelled marks a spawning worker that was terminated by a
	// scaling decision rather than a failure. The failure-rate
	// breaker ignores cancelled workers.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Worker is one unit of compute capacity. ID doubles as the provider
// instance name.
type Worker struct {
	ID    string      `json:"id"`
	State WorkerState `json:"state"`
	// StateHint mirrors State. It is written at insert time and
	// consulted only when State has not been set yet (e.g. a row
	// written by an older scaler version).
	StateHint       WorkerState `json:"state_hint,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastHeartbeatAt *time.Time  `json:"last_heartbeat_at,omitempty"`
	// Version is incremented by every update; stale writes are
	// rejected by the store.
	Version  int64          `json:"version"`
	Metadata WorkerMetadata `json:"metadata"`
}

// EffectiveState returns State, falling back to StateHint when State
// is unset.
func (w Worker) EffectiveState() WorkerState {
	if w.State.Valid() {
		return w.State
	}
	return w.StateHint
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskQueued     TaskState = "Queued"
	TaskInProgress TaskState = "InProgress"
	TaskComplete   TaskState = "Complete"
	TaskFailed     TaskState = "Failed"
)

// Task is one unit of queued work. Tasks are created by an external
// producer and claimed by workers; the scaler only requeues them.
type Task struct {
	ID           string     `json:"id"`
	State        TaskState  `json:"state"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	Type         string     `json:"type"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// ResetReason records why the task was last requeued by the
	// scaler, if it ever was.
	ResetReason string `json:"reset_reason,omitempty"`
}

// TaskCounts is the workload snapshot used by the scaling engine. The
// store must apply the same eligibility filters the task-claiming
// workers use, or the fleet will be systematically mis-sized.
type TaskCounts struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
}

// Total returns the combined outstanding workload.
func (tc TaskCounts) Total() int { return tc.Queued + tc.InProgress }

func (tc TaskCounts) String() string {
	return fmt.Sprintf("queued=%d in_progress=%d", tc.Queued, tc.InProgress)
}
