// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package store provides persistence for worker and task records. The
// scaler is the only writer of worker rows; tasks are created by an
// external producer and claimed/finished by the workers themselves, so
// the scaler's only task mutation is the batch requeue in ResetTasks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

var (
	// ErrWorkerNotFound is returned by GetWorker and UpdateWorker
	// for an unknown worker id.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrVersionConflict is returned by UpdateWorker when the
	// row's version no longer matches the caller's copy.
	ErrVersionConflict = errors.New("worker version conflict")

	// ErrStateRegression is returned by UpdateWorker when the
	// update would move the lifecycle backwards.
	ErrStateRegression = errors.New("worker state cannot move backwards")
)

// ResetFilter selects the InProgress tasks to requeue. A task matches
// if it is assigned to one of WorkerIDs, or is unassigned and was
// started before UnassignedBefore. Tasks at or beyond MaxAttempts and
// tasks of an exempt type never match.
type ResetFilter struct {
	WorkerIDs        []string
	UnassignedBefore time.Time
	MaxAttempts      int
	ExemptTypes      []string
	Reason           string
}

func (f ResetFilter) empty() bool {
	return len(f.WorkerIDs) == 0 && f.UnassignedBefore.IsZero()
}

// Store is the shared state store. All methods are safe for
// concurrent use.
type Store interface {
	// ListWorkers returns workers, optionally filtered to the
	// given states (matched against the effective state).
	ListWorkers(ctx context.Context, states ...fleet.WorkerState) ([]fleet.Worker, error)

	// GetWorker returns the worker with the given id.
	GetWorker(ctx context.Context, id string) (fleet.Worker, error)

	// InsertWorker creates a new worker row. The caller sets ID
	// and initial state; Version starts at 1.
	InsertWorker(ctx context.Context, w fleet.Worker) error

	// UpdateWorker writes w if w.Version matches the stored row
	// and the state change (if any) moves forward. On success the
	// returned copy has Version incremented.
	UpdateWorker(ctx context.Context, w fleet.Worker) (fleet.Worker, error)

	// ListWorkerTasks returns the InProgress tasks currently
	// assigned to the worker.
	ListWorkerTasks(ctx context.Context, workerID string) ([]fleet.Task, error)

	// LastTaskFinished returns the most recent processed_at among
	// the worker's tasks, or the zero time if it never finished
	// one.
	LastTaskFinished(ctx context.Context, workerID string) (time.Time, error)

	// CountTasks returns the workload snapshot, applying the same
	// eligibility filters task-claiming workers use (queued tasks
	// at the attempt limit are not claimable and are not
	// counted).
	CountTasks(ctx context.Context) (fleet.TaskCounts, error)

	// ResetTasks requeues matching tasks: state back to Queued,
	// worker id and timestamps cleared, reset reason recorded,
	// attempt counters untouched. Returns the number of tasks
	// reset.
	ResetTasks(ctx context.Context, f ResetFilter) (int, error)

	// RecordHeartbeat updates a worker's last heartbeat time. It
	// is called by workers, never by the scaler.
	RecordHeartbeat(ctx context.Context, workerID string, t time.Time) error

	Close() error
}

// Open returns a Store for the given configuration. maxTaskAttempts
// is baked in so CountTasks matches the claim filters.
func Open(cfg fleet.StoreConfig, maxTaskAttempts int, logger logrus.FieldLogger) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres", "sqlite3":
		return OpenSQL(cfg.Driver, cfg.DSN, maxTaskAttempts, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
