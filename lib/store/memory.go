// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// MemoryStore is an in-memory Store. It backs the loopback profile
// and the test suites; semantics match the SQL store.
type MemoryStore struct {
	// MaxTaskAttempts is the claim-eligibility attempt limit used
	// by CountTasks.
	MaxTaskAttempts int

	mtx     sync.Mutex
	workers map[string]fleet.Worker
	tasks   map[string]fleet.Task
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MaxTaskAttempts: 3,
		workers:         map[string]fleet.Worker{},
		tasks:           map[string]fleet.Task{},
	}
}

// ListWorkers implements Store.
func (ms *MemoryStore) ListWorkers(ctx context.Context, states ...fleet.WorkerState) ([]fleet.Worker, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	want := map[fleet.WorkerState]bool{}
	for _, s := range states {
		want[s] = true
	}
	var ret []fleet.Worker
	for _, w := range ms.workers {
		if len(want) == 0 || want[w.EffectiveState()] {
			ret = append(ret, w)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// GetWorker implements Store.
func (ms *MemoryStore) GetWorker(ctx context.Context, id string) (fleet.Worker, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	w, ok := ms.workers[id]
	if !ok {
		return fleet.Worker{}, ErrWorkerNotFound
	}
	return w, nil
}

// InsertWorker implements Store.
func (ms *MemoryStore) InsertWorker(ctx context.Context, w fleet.Worker) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	w.Version = 1
	ms.workers[w.ID] = w
	return nil
}

// UpdateWorker implements Store.
func (ms *MemoryStore) UpdateWorker(ctx context.Context, w fleet.Worker) (fleet.Worker, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	stored, ok := ms.workers[w.ID]
	if !ok {
		return fleet.Worker{}, ErrWorkerNotFound
	}
	if stored.Version != w.Version {
		return fleet.Worker{}, ErrVersionConflict
	}
	if stored.State != w.State && !stored.State.CanAdvance(w.State) {
		return fleet.Worker{}, ErrStateRegression
	}
	// Heartbeats belong to the worker process; merge rather than
	// clobber so a concurrent heartbeat survives this update.
	w.LastHeartbeatAt = latestHeartbeat(stored.LastHeartbeatAt, w.LastHeartbeatAt)
	w.Version++
	w.UpdatedAt = time.Now()
	ms.workers[w.ID] = w
	return w, nil
}

// ListWorkerTasks implements Store.
func (ms *MemoryStore) ListWorkerTasks(ctx context.Context, workerID string) ([]fleet.Task, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var ret []fleet.Task
	for _, t := range ms.tasks {
		if t.State == fleet.TaskInProgress && t.WorkerID != nil && *t.WorkerID == workerID {
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

// LastTaskFinished implements Store.
func (ms *MemoryStore) LastTaskFinished(ctx context.Context, workerID string) (time.Time, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var last time.Time
	for _, t := range ms.tasks {
		if t.WorkerID != nil && *t.WorkerID == workerID && t.ProcessedAt != nil && t.ProcessedAt.After(last) {
			last = *t.ProcessedAt
		}
	}
	return last, nil
}

// CountTasks implements Store.
func (ms *MemoryStore) CountTasks(ctx context.Context) (fleet.TaskCounts, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var tc fleet.TaskCounts
	for _, t := range ms.tasks {
		switch t.State {
		case fleet.TaskQueued:
			if t.Attempts < ms.MaxTaskAttempts {
				tc.Queued++
			}
		case fleet.TaskInProgress:
			tc.InProgress++
		}
	}
	return tc, nil
}

// ResetTasks implements Store.
func (ms *MemoryStore) ResetTasks(ctx context.Context, f ResetFilter) (int, error) {
	if f.empty() {
		return 0, nil
	}
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	dead := map[string]bool{}
	for _, id := range f.WorkerIDs {
		dead[id] = true
	}
	exempt := map[string]bool{}
	for _, t := range f.ExemptTypes {
		exempt[t] = true
	}
	n := 0
	for id, t := range ms.tasks {
		if t.State != fleet.TaskInProgress || t.Attempts >= f.MaxAttempts || exempt[t.Type] {
			continue
		}
		assigned := t.WorkerID != nil && dead[*t.WorkerID]
		stale := t.WorkerID == nil && !f.UnassignedBefore.IsZero() &&
			t.StartedAt != nil && t.StartedAt.Before(f.UnassignedBefore)
		if !assigned && !stale {
			continue
		}
		t.State = fleet.TaskQueued
		t.WorkerID = nil
		t.StartedAt = nil
		t.ProcessedAt = nil
		t.ResetReason = f.Reason
		ms.tasks[id] = t
		n++
	}
	return n, nil
}

// RecordHeartbeat implements Store.
func (ms *MemoryStore) RecordHeartbeat(ctx context.Context, workerID string, t time.Time) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	w, ok := ms.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.LastHeartbeatAt = &t
	ms.workers[workerID] = w
	return nil
}

// Close implements Store.
func (ms *MemoryStore) Close() error { return nil }

// PutTask inserts or replaces a task. Tasks are normally created by
// the external producer; this is the producer stand-in for tests and
// the loopback profile.
func (ms *MemoryStore) PutTask(t fleet.Task) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.tasks[t.ID] = t
}

// GetTask returns a task by id, and whether it exists.
func (ms *MemoryStore) GetTask(id string) (fleet.Task, bool) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	t, ok := ms.tasks[id]
	return t, ok
}

func latestHeartbeat(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}
