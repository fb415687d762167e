// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// reconcile cross-checks the provider's instance listing against the
// store, in both directions: instances no live worker row accounts
// for are destroyed, and live workers whose instances vanished are
// failed. Run at reduced cadence; one full listing per sweep.
func (orc *Orchestrator) reconcile(ctx context.Context, now time.Time, sum *CycleSummary) {
	cctx, cancel := orc.callCtx(ctx)
	instances, err := orc.provider.Instances(cctx, orc.cfg.Provider.NamePrefix)
	cancel()
	if err != nil {
		orc.logger.WithError(err).Warn("reconciliation: error listing instances")
		return
	}
	workers, err := orc.store.ListWorkers(ctx)
	if err != nil {
		orc.logger.WithError(err).Warn("reconciliation: error listing workers")
		return
	}

	liveByName := map[string]bool{}
	liveByInstance := map[string]bool{}
	for _, w := range workers {
		if w.EffectiveState() == fleet.StateTerminated {
			continue
		}
		liveByName[w.ID] = true
		if id := w.Metadata.InstanceID; id != "" {
			liveByInstance[id] = true
		}
	}

	// Forward: running instances with no live row are leaks from
	// crashed spawns or interrupted teardowns. Matching by name
	// covers rows that never learned their instance id.
	present := map[string]bool{}
	for _, inst := range instances {
		present[string(inst.ID)] = true
		if inst.State == provider.InstanceTerminated {
			continue
		}
		if liveByInstance[string(inst.ID)] || liveByName[inst.Name] {
			continue
		}
		logger := orc.logger.WithFields(logrus.Fields{
			"Instance": inst.ID,
			"Name":     inst.Name,
			"State":    inst.State,
		})
		logger.Warn("destroying orphaned instance")
		dctx, cancel := orc.callCtx(ctx)
		if err := orc.provider.Destroy(dctx, inst.ID); err != nil {
			logger.WithError(err).Warn("error destroying orphaned instance")
		} else {
			sum.OrphanInstances++
		}
		cancel()
	}

	// Reverse: a worker whose instance disappeared from the listing
	// was terminated behind our back. The grace period avoids
	// racing a Create whose instance has not shown up in listings
	// yet.
	for _, w := range workers {
		switch w.EffectiveState() {
		case fleet.StateSpawning, fleet.StateActive:
		default:
			continue
		}
		if w.Metadata.InstanceID == "" || present[w.Metadata.InstanceID] {
			continue
		}
		if now.Sub(w.CreatedAt) < orc.cfg.SpawnGracePeriod.Duration() {
			continue
		}
		sum.ExternallyGone++
		orc.failWorker(ctx, w, "instance terminated outside the scaler", nil, sum)
	}
}
