// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// recoverOrphans is the defensive requeue sweep. The eager path in
// failWorker handles the common case; this catches tasks stranded by
// interrupted cleanups (workers still in Error, or recently
// terminated) and tasks claimed-but-unassigned for too long.
func (orc *Orchestrator) recoverOrphans(ctx context.Context, now time.Time, workers []fleet.Worker, sum *CycleSummary) {
	var dead []string
	cutoff := now.Add(-orc.cfg.FailureWindow.Duration())
	for _, w := range workers {
		switch w.EffectiveState() {
		case fleet.StateError:
			dead = append(dead, w.ID)
		case fleet.StateTerminated:
			// Old terminated rows have been swept many times
			// already; bounding the set keeps the query small.
			if w.UpdatedAt.After(cutoff) {
				dead = append(dead, w.ID)
			}
		}
	}
	n, err := orc.store.ResetTasks(ctx, store.ResetFilter{
		WorkerIDs:        dead,
		UnassignedBefore: now.Add(-orc.cfg.UnassignedOrphanTimeout.Duration()),
		MaxAttempts:      orc.cfg.MaxTaskAttempts,
		ExemptTypes:      orc.cfg.LongRunningTaskTypes,
		Reason:           "orphan sweep",
	})
	if err != nil {
		orc.logger.WithError(err).Warn("error sweeping orphaned tasks")
		return
	}
	if n > 0 {
		orc.logger.WithField("Tasks", n).Info("orphan sweep requeued tasks")
		sum.TasksReset += n
	}
}
