// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"errors"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HealthSuite{})

type HealthSuite struct{}

func (s *HealthSuite) worker(created time.Time, heartbeat *time.Time) fleet.Worker {
	return fleet.Worker{
		ID:              "gpufleet-w1",
		State:           fleet.StateActive,
		CreatedAt:       created,
		LastHeartbeatAt: heartbeat,
		Metadata:        fleet.WorkerMetadata{InstanceID: "inst-1"},
	}
}

func (s *HealthSuite) TestResolveSpawning(c *check.C) {
	now := time.Now()
	spawning := fleet.Worker{
		ID:        "gpufleet-w1",
		State:     fleet.StateSpawning,
		CreatedAt: now.Add(-time.Minute),
		Metadata:  fleet.WorkerMetadata{InstanceID: "inst-1"},
	}
	timedOut := spawning
	timedOut.CreatedAt = now.Add(-20 * time.Minute)
	noInstance := spawning
	noInstance.Metadata.InstanceID = ""

	for _, trial := range []struct {
		label string
		w     fleet.Worker
		chk   SpawnCheck
		want  VerdictKind
	}{
		{
			label: "no instance id recorded",
			w:     noInstance,
			want:  VerdictDead,
		},
		{
			label: "instance missing from provider",
			w:     spawning,
			chk:   SpawnCheck{InstanceErr: provider.ErrInstanceNotFound},
			want:  VerdictDead,
		},
		{
			label: "instance failed during provisioning",
			w:     spawning,
			chk:   SpawnCheck{Instance: provider.Instance{State: provider.InstanceFailed}},
			want:  VerdictDead,
		},
		{
			label: "running and probe passed",
			w:     spawning,
			chk:   SpawnCheck{Instance: provider.Instance{State: provider.InstanceRunning}},
			want:  VerdictReady,
		},
		{
			label: "running but probe failing, young",
			w:     spawning,
			chk: SpawnCheck{
				Instance: provider.Instance{State: provider.InstanceRunning},
				ReadyErr: errors.New("connection refused"),
			},
			want: VerdictBooting,
		},
		{
			label: "running but probe failing past timeout",
			w:     timedOut,
			chk: SpawnCheck{
				Instance: provider.Instance{State: provider.InstanceRunning},
				ReadyErr: errors.New("connection refused"),
			},
			want: VerdictDead,
		},
		{
			label: "still provisioning, young",
			w:     spawning,
			chk:   SpawnCheck{Instance: provider.Instance{State: provider.InstanceProvisioning}},
			want:  VerdictBooting,
		},
		{
			label: "still provisioning past timeout",
			w:     timedOut,
			chk:   SpawnCheck{Instance: provider.Instance{State: provider.InstanceProvisioning}},
			want:  VerdictDead,
		},
		{
			label: "transient status error, young",
			w:     spawning,
			chk:   SpawnCheck{InstanceErr: errors.New("api timeout")},
			want:  VerdictBooting,
		},
	} {
		trial.chk.Now = now
		trial.chk.SpawningTimeout = 10 * time.Minute
		v := ResolveSpawning(trial.w, trial.chk)
		c.Check(v.Kind, check.Equals, trial.want, check.Commentf("%s: %s", trial.label, v.Reason))
	}
}

func (s *HealthSuite) TestEvaluateActiveBusy(c *check.C) {
	now := time.Now()
	freshHB := now.Add(-time.Minute)
	staleHB := now.Add(-30 * time.Minute)
	started := now.Add(-5 * time.Minute)
	stuckStart := now.Add(-2 * time.Hour)
	task := fleet.Task{ID: "t1", State: fleet.TaskInProgress, Type: "render", StartedAt: &started}
	stuck := fleet.Task{ID: "t2", State: fleet.TaskInProgress, Type: "render", StartedAt: &stuckStart}
	longRunning := fleet.Task{ID: "t3", State: fleet.TaskInProgress, Type: "training", StartedAt: &stuckStart}

	chk := HealthCheck{
		Now:              now,
		ActiveCount:      3,
		MinWorkers:       1,
		IdleTimeout:      10 * time.Minute,
		StuckTaskTimeout: time.Hour,
		Classifier:       fleet.NewStaticClassifier([]string{"training"}),
	}

	chk.Tasks = []fleet.Task{task}
	v := EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)

	// Busy worker with a stale heartbeat is dead even if its task
	// is young.
	v = EvaluateActive(s.worker(now.Add(-time.Hour), &staleHB), chk)
	c.Check(v.Kind, check.Equals, VerdictDead)
	c.Check(v.Reason, check.Matches, `stale heartbeat.*`)

	chk.Tasks = []fleet.Task{stuck}
	v = EvaluateActive(s.worker(now.Add(-3*time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictDead)
	c.Check(v.Reason, check.Matches, `stuck task t2.*`)

	// Long-running task types are exempt from the stuck check.
	chk.Tasks = []fleet.Task{longRunning}
	v = EvaluateActive(s.worker(now.Add(-3*time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)

	// Provider liveness outranks everything.
	chk.Tasks = []fleet.Task{task}
	chk.InstanceState = provider.InstanceTerminated
	v = EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictDead)
	c.Check(v.Reason, check.Matches, `provider reports instance terminated`)
}

func (s *HealthSuite) TestEvaluateActiveStarved(c *check.C) {
	now := time.Now()
	freshHB := now.Add(-time.Minute)

	chk := HealthCheck{
		Now:         now,
		QueueDepth:  3,
		ActiveCount: 2,
		MinWorkers:  0,
		IdleTimeout: 10 * time.Minute,
	}

	// Tasks queued, never heartbeated, long past the idle timeout:
	// the worker is wedged.
	v := EvaluateActive(s.worker(now.Add(-time.Hour), nil), chk)
	c.Check(v.Kind, check.Equals, VerdictDead)
	c.Check(v.Reason, check.Matches, `idle with tasks queued.*`)

	// Recently created worker gets time to start claiming.
	v = EvaluateActive(s.worker(now.Add(-time.Minute), nil), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)

	// Heartbeating worker is alive; maybe the queued tasks are not
	// claimable by it.
	v = EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)
}

func (s *HealthSuite) TestEvaluateActiveIdle(c *check.C) {
	now := time.Now()
	freshHB := now.Add(-time.Minute)

	chk := HealthCheck{
		Now:         now,
		ActiveCount: 3,
		MinWorkers:  2,
		IdleTimeout: 10 * time.Minute,
	}

	// Idle past the timeout and above the floor.
	chk.LastTaskFinished = now.Add(-30 * time.Minute)
	v := EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictIdleTerminable)

	// At the floor, never terminable.
	chk.ActiveCount = 2
	v = EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)

	// Recently finished a task.
	chk.ActiveCount = 3
	chk.LastTaskFinished = now.Add(-time.Minute)
	v = EvaluateActive(s.worker(now.Add(-time.Hour), &freshHB), chk)
	c.Check(v.Kind, check.Equals, VerdictKeep)
}

func (s *HealthSuite) TestIdleSince(c *check.C) {
	now := time.Now()
	created := now.Add(-3 * time.Hour)
	hb := now.Add(-2 * time.Hour)
	finished := now.Add(-time.Hour)

	w := s.worker(created, &hb)
	c.Check(idleSince(w, finished), check.Equals, finished)
	c.Check(idleSince(w, time.Time{}), check.Equals, hb)
	w.LastHeartbeatAt = nil
	c.Check(idleSince(w, time.Time{}), check.Equals, created)
}
