// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

// The same suite runs against every backend; semantics must match.
var (
	_ = check.Suite(&StoreSuite{backend: "memory"})
	_ = check.Suite(&StoreSuite{backend: "sqlite3"})
)

type StoreSuite struct {
	backend string
	ctx     context.Context
	store   Store
}

func (s *StoreSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	switch s.backend {
	case "memory":
		s.store = NewMemoryStore()
	case "sqlite3":
		sq, err := OpenSQL("sqlite3", "file::memory:?cache=shared", 3, ctxlog.TestLogger(c))
		c.Assert(err, check.IsNil)
		// Every new pool connection would get its own empty
		// in-memory database.
		sq.db.SetMaxOpenConns(1)
		s.store = sq
	}
}

func (s *StoreSuite) TearDownTest(c *check.C) {
	if s.store != nil {
		c.Check(s.store.Close(), check.IsNil)
	}
}

func (s *StoreSuite) putTask(c *check.C, t fleet.Task) {
	switch st := s.store.(type) {
	case *MemoryStore:
		st.PutTask(t)
	case *SQLStore:
		_, err := st.db.Exec(st.db.Rebind(
			`INSERT INTO tasks (id, state, worker_id, task_type, attempts, started_at, processed_at, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, string(t.State), t.WorkerID, t.Type, t.Attempts, t.StartedAt, t.ProcessedAt, t.ErrorMessage)
		c.Assert(err, check.IsNil)
	}
}

func (s *StoreSuite) getTask(c *check.C, id string) fleet.Task {
	switch st := s.store.(type) {
	case *MemoryStore:
		t, ok := st.GetTask(id)
		c.Assert(ok, check.Equals, true)
		return t
	case *SQLStore:
		var rows []taskRow
		err := st.db.Select(&rows, st.db.Rebind(
			`SELECT id, state, worker_id, task_type, attempts, started_at, processed_at, error_message, reset_reason FROM tasks WHERE id = ?`), id)
		c.Assert(err, check.IsNil)
		c.Assert(rows, check.HasLen, 1)
		return rows[0].task()
	}
	panic("unreachable")
}

func (s *StoreSuite) insertWorker(c *check.C, id string, state fleet.WorkerState) fleet.Worker {
	w := fleet.Worker{
		ID:        id,
		State:     state,
		StateHint: state,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	c.Assert(s.store.InsertWorker(s.ctx, w), check.IsNil)
	w.Version = 1
	return w
}

func (s *StoreSuite) TestWorkerLifecycle(c *check.C) {
	w := s.insertWorker(c, "gpufleet-w1", fleet.StateInactive)

	got, err := s.store.GetWorker(s.ctx, "gpufleet-w1")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, fleet.StateInactive)
	c.Check(got.Version, check.Equals, int64(1))

	_, err = s.store.GetWorker(s.ctx, "nope")
	c.Check(err, check.Equals, ErrWorkerNotFound)

	w.State = fleet.StateSpawning
	w.Metadata.InstanceID = "inst-1"
	w2, err := s.store.UpdateWorker(s.ctx, w)
	c.Assert(err, check.IsNil)
	c.Check(w2.Version, check.Equals, int64(2))

	got, err = s.store.GetWorker(s.ctx, "gpufleet-w1")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, fleet.StateSpawning)
	c.Check(got.Metadata.InstanceID, check.Equals, "inst-1")

	// Stale copy loses.
	w.State = fleet.StateActive
	_, err = s.store.UpdateWorker(s.ctx, w)
	c.Check(err, check.Equals, ErrVersionConflict)

	// The lifecycle never moves backwards.
	w2.State = fleet.StateInactive
	_, err = s.store.UpdateWorker(s.ctx, w2)
	c.Check(err, check.Equals, ErrStateRegression)
}

func (s *StoreSuite) TestListWorkersByState(c *check.C) {
	s.insertWorker(c, "gpufleet-a", fleet.StateActive)
	s.insertWorker(c, "gpufleet-b", fleet.StateSpawning)
	s.insertWorker(c, "gpufleet-c", fleet.StateTerminated)
	// State unset: the hint decides.
	c.Assert(s.store.InsertWorker(s.ctx, fleet.Worker{
		ID:        "gpufleet-d",
		StateHint: fleet.StateActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}), check.IsNil)

	all, err := s.store.ListWorkers(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(all, check.HasLen, 4)

	active, err := s.store.ListWorkers(s.ctx, fleet.StateActive)
	c.Assert(err, check.IsNil)
	c.Assert(active, check.HasLen, 2)
	c.Check(active[0].ID, check.Equals, "gpufleet-a")
	c.Check(active[1].ID, check.Equals, "gpufleet-d")

	some, err := s.store.ListWorkers(s.ctx, fleet.StateSpawning, fleet.StateTerminated)
	c.Assert(err, check.IsNil)
	c.Check(some, check.HasLen, 2)
}

func (s *StoreSuite) TestHeartbeatSurvivesUpdate(c *check.C) {
	w := s.insertWorker(c, "gpufleet-w1", fleet.StateActive)

	hb := time.Now().UTC().Truncate(time.Second)
	c.Assert(s.store.RecordHeartbeat(s.ctx, "gpufleet-w1", hb), check.IsNil)
	c.Check(s.store.RecordHeartbeat(s.ctx, "nope", hb), check.Equals, ErrWorkerNotFound)

	// The scaler's copy of the row predates the heartbeat; writing
	// it back must not clobber the heartbeat.
	w.State = fleet.StateError
	_, err := s.store.UpdateWorker(s.ctx, w)
	c.Assert(err, check.IsNil)

	got, err := s.store.GetWorker(s.ctx, "gpufleet-w1")
	c.Assert(err, check.IsNil)
	c.Assert(got.LastHeartbeatAt, check.NotNil)
	c.Check(got.LastHeartbeatAt.Unix(), check.Equals, hb.Unix())
}

func (s *StoreSuite) TestTaskQueries(c *check.C) {
	wid := "gpufleet-w1"
	started := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	finOld := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	finNew := time.Now().UTC().Add(-20 * time.Minute).Truncate(time.Second)

	s.putTask(c, fleet.Task{ID: "running", State: fleet.TaskInProgress, WorkerID: &wid, Type: "render", StartedAt: &started})
	s.putTask(c, fleet.Task{ID: "done-old", State: fleet.TaskComplete, WorkerID: &wid, ProcessedAt: &finOld})
	s.putTask(c, fleet.Task{ID: "done-new", State: fleet.TaskComplete, WorkerID: &wid, ProcessedAt: &finNew})
	s.putTask(c, fleet.Task{ID: "queued", State: fleet.TaskQueued, Type: "render"})
	s.putTask(c, fleet.Task{ID: "spent", State: fleet.TaskQueued, Type: "render", Attempts: 3})

	tasks, err := s.store.ListWorkerTasks(s.ctx, wid)
	c.Assert(err, check.IsNil)
	c.Assert(tasks, check.HasLen, 1)
	c.Check(tasks[0].ID, check.Equals, "running")

	last, err := s.store.LastTaskFinished(s.ctx, wid)
	c.Assert(err, check.IsNil)
	c.Check(last.Unix(), check.Equals, finNew.Unix())

	none, err := s.store.LastTaskFinished(s.ctx, "gpufleet-other")
	c.Assert(err, check.IsNil)
	c.Check(none.IsZero(), check.Equals, true)

	// Queued tasks at the attempt limit are not claimable and not
	// counted.
	counts, err := s.store.CountTasks(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(counts.Queued, check.Equals, 1)
	c.Check(counts.InProgress, check.Equals, 1)
}

func (s *StoreSuite) TestResetTasks(c *check.C) {
	dead := "gpufleet-dead"
	alive := "gpufleet-alive"
	now := time.Now().UTC().Truncate(time.Second)
	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	s.putTask(c, fleet.Task{ID: "orphaned", State: fleet.TaskInProgress, WorkerID: &dead, Type: "render", StartedAt: &recent})
	s.putTask(c, fleet.Task{ID: "exhausted", State: fleet.TaskInProgress, WorkerID: &dead, Type: "render", Attempts: 3, StartedAt: &recent})
	s.putTask(c, fleet.Task{ID: "longrun", State: fleet.TaskInProgress, WorkerID: &dead, Type: "training", StartedAt: &stale})
	s.putTask(c, fleet.Task{ID: "healthy", State: fleet.TaskInProgress, WorkerID: &alive, Type: "render", StartedAt: &recent})
	s.putTask(c, fleet.Task{ID: "unassigned-stale", State: fleet.TaskInProgress, Type: "render", StartedAt: &stale})
	s.putTask(c, fleet.Task{ID: "unassigned-fresh", State: fleet.TaskInProgress, Type: "render", StartedAt: &recent})

	// Empty filter matches nothing, not everything.
	n, err := s.store.ResetTasks(s.ctx, ResetFilter{MaxAttempts: 3})
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)

	n, err = s.store.ResetTasks(s.ctx, ResetFilter{
		WorkerIDs:        []string{dead},
		UnassignedBefore: now.Add(-30 * time.Minute),
		MaxAttempts:      3,
		ExemptTypes:      []string{"training"},
		Reason:           "worker failed: stale heartbeat",
	})
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 2)

	orphaned := s.getTask(c, "orphaned")
	c.Check(orphaned.State, check.Equals, fleet.TaskQueued)
	c.Check(orphaned.WorkerID, check.IsNil)
	c.Check(orphaned.StartedAt, check.IsNil)
	c.Check(orphaned.ResetReason, check.Equals, "worker failed: stale heartbeat")
	// Attempt counters belong to the claim path.
	c.Check(orphaned.Attempts, check.Equals, 0)

	requeued := s.getTask(c, "unassigned-stale")
	c.Check(requeued.State, check.Equals, fleet.TaskQueued)

	for _, id := range []string{"exhausted", "longrun", "healthy", "unassigned-fresh"} {
		t := s.getTask(c, id)
		c.Check(t.State, check.Equals, fleet.TaskInProgress, check.Commentf("%s", id))
	}
}
