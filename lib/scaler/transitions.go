// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/lib/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// promote moves a spawning worker to active. On a store error the
// worker stays spawning and is retried next cycle.
func (orc *Orchestrator) promote(ctx context.Context, w fleet.Worker, inst provider.Instance, sum *CycleSummary) (fleet.Worker, bool) {
	now := time.Now()
	w.State = fleet.StateActive
	w.Metadata.PromotedAt = &now
	if inst.Address != "" {
		w.Metadata.Address = inst.Address
	}
	w2, err := orc.store.UpdateWorker(ctx, w)
	if err != nil {
		orc.logger.WithField("WorkerID", w.ID).WithError(err).Warn("error promoting worker; will retry next cycle")
		return w, false
	}
	sum.Promoted++
	orc.logger.WithFields(logrus.Fields{
		"WorkerID": w.ID,
		"Instance": w.Metadata.InstanceID,
		"Address":  w.Metadata.Address,
		"BootTime": now.Sub(w.CreatedAt).Truncate(time.Second),
	}).Info("worker promoted")
	return w2, true
}

// failWorker drives a worker through Error to Terminated: record the
// failure with a one-shot diagnostic snapshot, requeue its orphaned
// tasks, tear down the instance, mark it terminated. Every step is
// individually retryable; re-applying to an already-terminated worker
// is a no-op.
func (orc *Orchestrator) failWorker(ctx context.Context, w fleet.Worker, reason string, tasks []fleet.Task, sum *CycleSummary) {
	logger := orc.logger.WithFields(logrus.Fields{"WorkerID": w.ID, "Reason": reason})
	switch w.EffectiveState() {
	case fleet.StateTerminated:
		return
	case fleet.StateError:
		// failure already recorded; resume cleanup below
	default:
		logger.Warn("worker failed")
		now := time.Now()
		w.State = fleet.StateError
		w.Metadata.ErrorReason = reason
		w.Metadata.ErrorAt = &now
		// Diagnostics are collected exactly once, while the
		// instance might still be reachable.
		w.Metadata.Diagnostics = orc.collectDiagnostics(ctx, w, tasks)
		w2, err := orc.store.UpdateWorker(ctx, w)
		if err != nil {
			logger.WithError(err).Warn("error recording worker failure; will retry next cycle")
			return
		}
		w = w2
		sum.Failed++
	}

	// Requeue before the row reaches Terminated so the defensive
	// sweep is rarely needed.
	n, err := orc.store.ResetTasks(ctx, store.ResetFilter{
		WorkerIDs:   []string{w.ID},
		MaxAttempts: orc.cfg.MaxTaskAttempts,
		ExemptTypes: orc.cfg.LongRunningTaskTypes,
		Reason:      "worker failed: " + reason,
	})
	if err != nil {
		logger.WithError(err).Warn("error requeueing orphaned tasks")
	} else if n > 0 {
		logger.WithField("Tasks", n).Info("requeued orphaned tasks")
		sum.TasksReset += n
	}

	// Instance teardown is best-effort; the store transition never
	// waits on the provider. Reconciliation catches leaks.
	orc.destroyInstance(ctx, w, logger)
	if w.Metadata.Address != "" {
		orc.prober.Forget(w.Metadata.Address)
	}

	w.State = fleet.StateTerminated
	if _, err := orc.store.UpdateWorker(ctx, w); err != nil {
		logger.WithError(err).Warn("error marking worker terminated; will retry next cycle")
	}
}

// terminateIdle voluntarily retires a healthy idle worker.
func (orc *Orchestrator) terminateIdle(ctx context.Context, w fleet.Worker, since time.Time, sum *CycleSummary) bool {
	logger := orc.logger.WithFields(logrus.Fields{
		"WorkerID": w.ID,
		"IdleFor":  time.Since(since).Truncate(time.Second),
	})
	orc.destroyInstance(ctx, w, logger)
	w.State = fleet.StateTerminated
	if _, err := orc.store.UpdateWorker(ctx, w); err != nil {
		logger.WithError(err).Warn("error terminating idle worker; will retry next cycle")
		return false
	}
	logger.Info("terminated idle worker")
	sum.Terminated++
	return true
}

// cancelSpawning retires a spawning worker that turned out to be
// unneeded. Cancelled workers are flagged so the failure-rate breaker
// ignores them.
func (orc *Orchestrator) cancelSpawning(ctx context.Context, w fleet.Worker, sum *CycleSummary) bool {
	logger := orc.logger.WithFields(logrus.Fields{
		"WorkerID": w.ID,
		"Age":      time.Since(w.CreatedAt).Truncate(time.Second),
	})
	orc.destroyInstance(ctx, w, logger)
	w.State = fleet.StateTerminated
	w.Metadata.Cancelled = true
	if _, err := orc.store.UpdateWorker(ctx, w); err != nil {
		logger.WithError(err).Warn("error cancelling spawning worker; will retry next cycle")
		return false
	}
	logger.Info("cancelled unneeded spawning worker")
	sum.Cancelled++
	return true
}

// spawnWorker creates one worker: row first, then instance, so a
// crash between the two leaves a row that times out rather than an
// untracked instance. Returns false when further spawning this cycle
// is pointless.
func (orc *Orchestrator) spawnWorker(ctx context.Context, now time.Time, sum *CycleSummary) bool {
	id := orc.cfg.Provider.NamePrefix + uuid.NewString()
	logger := orc.logger.WithField("WorkerID", id)
	w := fleet.Worker{
		ID:        id,
		State:     fleet.StateInactive,
		StateHint: fleet.StateInactive,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := orc.store.InsertWorker(ctx, w); err != nil {
		logger.WithError(err).Error("error inserting worker row")
		return false
	}
	cctx, cancel := orc.callCtx(ctx)
	instID, err := orc.provider.Create(cctx, id, provider.InstanceTags{"managed-by": "gpufleet-scaler"})
	cancel()
	if err != nil {
		logger.WithError(err).Error("error creating instance")
		orc.failWorker(ctx, w, fmt.Sprintf("spawn failed: %s", err), nil, sum)
		// Quota and rate-limit errors make further attempts
		// pointless until next cycle.
		return false
	}
	w.State = fleet.StateSpawning
	w.Metadata.InstanceID = string(instID)
	if _, err := orc.store.UpdateWorker(ctx, w); err != nil {
		// The row has no instance id, so next cycle declares it
		// dead; reconciliation destroys the instance.
		logger.WithError(err).Warn("error recording instance id")
		return false
	}
	logger.WithField("Instance", instID).Info("spawned worker")
	sum.Spawned++
	orc.lastScaleUp = now
	return true
}

func (orc *Orchestrator) destroyInstance(ctx context.Context, w fleet.Worker, logger logrus.FieldLogger) {
	if w.Metadata.InstanceID == "" {
		return
	}
	cctx, cancel := orc.callCtx(ctx)
	defer cancel()
	if err := orc.provider.Destroy(cctx, provider.InstanceID(w.Metadata.InstanceID)); err != nil {
		logger.WithError(err).Warn("error destroying instance; reconciliation will retry")
	}
}

// collectDiagnostics assembles the one-shot failure snapshot: stored
// worker state plus whatever the provider and the instance itself
// will still tell us.
func (orc *Orchestrator) collectDiagnostics(ctx context.Context, w fleet.Worker, tasks []fleet.Task) string {
	snap := map[string]interface{}{
		"collected_at": time.Now().UTC().Format(time.RFC3339),
		"instance_id":  w.Metadata.InstanceID,
		"address":      w.Metadata.Address,
	}
	if w.LastHeartbeatAt != nil {
		snap["last_heartbeat_at"] = w.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	if len(tasks) > 0 {
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		snap["running_tasks"] = ids
	}
	if w.Metadata.InstanceID != "" {
		cctx, cancel := orc.callCtx(ctx)
		inst, err := orc.provider.InstanceStatus(cctx, provider.InstanceID(w.Metadata.InstanceID))
		cancel()
		if err != nil {
			snap["instance_error"] = err.Error()
		} else {
			snap["instance_state"] = string(inst.State)
		}
	}
	if w.Metadata.Address != "" {
		pctx, cancel := context.WithTimeout(ctx, orc.cfg.ProbeTimeout.Duration())
		out, err := orc.prober.RunDiagnostics(pctx, w.Metadata.Address)
		cancel()
		if out != "" {
			snap["probe_output"] = out
		}
		if err != nil {
			snap["probe_error"] = err.Error()
		}
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(buf)
}
