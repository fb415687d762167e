// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scaler sizes a fleet of ephemeral GPU workers to a shared
// task queue and drives each worker through its lifecycle. One
// Orchestrator owns one fleet; several can run in one process.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/lib/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// remoteCallTimeout bounds every individual store-adjacent provider
// call. A timed-out call is a soft failure retried next cycle; it
// never aborts the cycle.
const remoteCallTimeout = 30 * time.Second

// A Prober checks whether a new instance is ready for work and
// collects best-effort diagnostics from a failing one. sshexec
// provides the production implementation.
type Prober interface {
	CheckReady(ctx context.Context, addr string) error
	RunDiagnostics(ctx context.Context, addr string) (string, error)
	Forget(addr string)
	Close()
}

// Orchestrator is the autoscaling control loop. RunCycle executes one
// full pass; Run repeats it on the poll interval. A single
// Orchestrator must not run overlapping cycles.
type Orchestrator struct {
	logger     logrus.FieldLogger
	cfg        fleet.Config
	store      store.Store
	provider   provider.Provider
	prober     Prober
	classifier fleet.TaskClassifier
	breaker    Breaker
	metrics    *metrics

	// hysteresis state lives here, not in globals, so independent
	// fleets can coexist in one process
	lastScaleUp   time.Time
	lastScaleDown time.Time
	cycle         int64

	mtx         sync.Mutex
	lastSummary *CycleSummary
}

// CycleSummary is the structured result of one cycle. It is always
// produced, even when the cycle fails part-way.
type CycleSummary struct {
	Cycle           int64                     `json:"cycle"`
	StartedAt       time.Time                 `json:"started_at"`
	Duration        fleet.Duration            `json:"duration"`
	Workers         map[fleet.WorkerState]int `json:"workers,omitempty"`
	TasksQueued     int                       `json:"tasks_queued"`
	TasksInProgress int                       `json:"tasks_in_progress"`
	DesiredWorkers  int                       `json:"desired_workers"`
	Promoted        int                       `json:"promoted"`
	Failed          int                       `json:"failed"`
	Spawned         int                       `json:"spawned"`
	Terminated      int                       `json:"terminated"`
	Cancelled       int                       `json:"cancelled"`
	TasksReset      int                       `json:"tasks_reset"`
	OrphanInstances int                       `json:"orphan_instances"`
	ExternallyGone  int                       `json:"externally_terminated"`
	SpawnsBlocked   bool                      `json:"spawns_blocked"`
	BreakerReason   string                    `json:"breaker_reason,omitempty"`
	Reconciled      bool                      `json:"reconciled"`
	Error           string                    `json:"error,omitempty"`
}

// New returns an Orchestrator for one fleet. The registry may be nil.
func New(cfg fleet.Config, logger logrus.FieldLogger, st store.Store, prov provider.Provider, prober Prober, reg *prometheus.Registry) *Orchestrator {
	orc := &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		provider:   prov,
		prober:     prober,
		classifier: fleet.NewStaticClassifier(cfg.LongRunningTaskTypes),
		breaker: Breaker{
			Window:         cfg.FailureWindow.Duration(),
			MaxFailureRate: cfg.MaxFailureRate,
			MinSample:      cfg.MinSampleForFailureRate,
		},
	}
	orc.metrics = registerMetrics(reg)
	return orc
}

// Run executes cycles on the poll interval until ctx is cancelled.
func (orc *Orchestrator) Run(ctx context.Context) error {
	interval := orc.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	orc.logger.WithField("PollInterval", interval).Info("scaler loop starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		orc.RunCycle(ctx)
		select {
		case <-ctx.Done():
			orc.logger.Info("scaler loop stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs one full pass. Failures inside the cycle are reported
// through the summary's Error field; the loop always makes forward
// progress.
func (orc *Orchestrator) RunCycle(ctx context.Context) CycleSummary {
	orc.cycle++
	sum := CycleSummary{Cycle: orc.cycle, StartedAt: time.Now()}
	func() {
		defer func() {
			if p := recover(); p != nil {
				orc.logger.WithField("Panic", p).Error("cycle panicked")
				sum.Error = fmt.Sprintf("internal error: %v", p)
			}
		}()
		if err := orc.runCycle(ctx, &sum); err != nil {
			sum.Error = err.Error()
		}
	}()
	sum.Duration = fleet.Duration(time.Since(sum.StartedAt))
	orc.metrics.observe(&sum)
	orc.mtx.Lock()
	orc.lastSummary = &sum
	orc.mtx.Unlock()
	logger := orc.logger.WithFields(logrus.Fields{
		"Cycle":      sum.Cycle,
		"Desired":    sum.DesiredWorkers,
		"Promoted":   sum.Promoted,
		"Failed":     sum.Failed,
		"Spawned":    sum.Spawned,
		"Terminated": sum.Terminated + sum.Cancelled,
		"TasksReset": sum.TasksReset,
		"Duration":   time.Duration(sum.Duration),
	})
	if sum.Error != "" {
		logger.WithField("Error", sum.Error).Error("cycle finished with error")
	} else {
		logger.Info("cycle finished")
	}
	return sum
}

// LastSummary returns the most recent cycle summary, or nil before
// the first cycle.
func (orc *Orchestrator) LastSummary() *CycleSummary {
	orc.mtx.Lock()
	defer orc.mtx.Unlock()
	return orc.lastSummary
}

// runCycle is the fixed nine-step sequence. The order is
// correctness-critical: the desired count in step 6 must use counts
// already adjusted for the promotions/failures of steps 3-5.
func (orc *Orchestrator) runCycle(ctx context.Context, sum *CycleSummary) error {
	now := time.Now()

	// Only total inability to reach the store aborts a cycle.
	workers, err := orc.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("error listing workers: %w", err)
	}
	counts, err := orc.store.CountTasks(ctx)
	if err != nil {
		return fmt.Errorf("error counting tasks: %w", err)
	}

	// (1) classify by lifecycle stage
	var spawning, active, errored []fleet.Worker
	for _, w := range workers {
		switch w.EffectiveState() {
		case fleet.StateInactive, fleet.StateSpawning:
			spawning = append(spawning, w)
		case fleet.StateActive:
			active = append(active, w)
		case fleet.StateError:
			errored = append(errored, w)
		}
	}

	// Fetch current assignments once; both the early-termination
	// estimate and the health pass need them.
	assigned := map[string][]fleet.Task{}
	taskListErr := map[string]bool{}
	busy := 0
	for _, w := range active {
		tasks, err := orc.store.ListWorkerTasks(ctx, w.ID)
		if err != nil {
			// Without the task list we cannot tell busy
			// from idle; leave this worker alone until
			// next cycle.
			orc.logger.WithField("WorkerID", w.ID).WithError(err).Warn("error listing assigned tasks")
			taskListErr[w.ID] = true
			continue
		}
		assigned[w.ID] = tasks
		if len(tasks) > 0 {
			busy++
		}
	}

	// (2) cancel excess aged spawning workers
	spawning = orc.cancelExcessSpawning(ctx, now, spawning, active, busy, counts, sum)

	// (3) resolve spawning workers
	var stillSpawning []fleet.Worker
	for _, w := range spawning {
		verdict, inst := orc.checkSpawning(ctx, now, w)
		switch verdict.Kind {
		case VerdictReady:
			if w2, ok := orc.promote(ctx, w, inst, sum); ok {
				active = append(active, w2)
			} else {
				stillSpawning = append(stillSpawning, w)
			}
		case VerdictDead:
			orc.failWorker(ctx, w, verdict.Reason, nil, sum)
		default:
			stillSpawning = append(stillSpawning, w)
		}
	}
	spawning = stillSpawning

	// (4) health-check active workers
	var keep []fleet.Worker
	var idleCandidates []idleCandidate
	for _, w := range active {
		if taskListErr[w.ID] {
			keep = append(keep, w)
			continue
		}
		lastFinished, err := orc.store.LastTaskFinished(ctx, w.ID)
		if err != nil {
			orc.logger.WithField("WorkerID", w.ID).WithError(err).Warn("error fetching last task completion")
		}
		verdict := EvaluateActive(w, HealthCheck{
			Now:              now,
			Tasks:            assigned[w.ID],
			QueueDepth:       counts.Queued,
			ActiveCount:      len(active),
			MinWorkers:       orc.cfg.MinWorkers,
			LastTaskFinished: lastFinished,
			InstanceState:    orc.livenessState(ctx, w),
			IdleTimeout:      orc.cfg.IdleTimeout.Duration(),
			StuckTaskTimeout: orc.cfg.StuckTaskTimeout.Duration(),
			Classifier:       orc.classifier,
		})
		switch verdict.Kind {
		case VerdictDead:
			orc.failWorker(ctx, w, verdict.Reason, assigned[w.ID], sum)
		case VerdictIdleTerminable:
			keep = append(keep, w)
			idleCandidates = append(idleCandidates, idleCandidate{worker: w, since: idleSince(w, lastFinished)})
		default:
			keep = append(keep, w)
		}
	}
	active = keep

	// (5) orphaned-task recovery: finish cleanup of workers stuck
	// in Error (their eager path was interrupted), then the
	// defensive sweep.
	for _, w := range errored {
		orc.failWorker(ctx, w, w.Metadata.ErrorReason, nil, sum)
	}
	orc.recoverOrphans(ctx, now, workers, sum)
	counts.Queued += sum.TasksReset
	counts.InProgress -= sum.TasksReset
	if counts.InProgress < 0 {
		counts.InProgress = 0
	}

	// (6) recompute desired count from the adjusted view
	busy = 0
	for _, w := range active {
		if len(assigned[w.ID]) > 0 {
			busy++
		}
	}
	idle := len(active) - busy
	desired := ComputeDesired(Snapshot{
		Queued:     counts.Queued,
		InProgress: counts.InProgress,
		Idle:       idle,
		Busy:       busy,
	}, orc.tuning())
	sum.DesiredWorkers = desired
	sum.TasksQueued, sum.TasksInProgress = counts.Queued, counts.InProgress

	// (7) terminate excess idle workers, oldest idle first
	if excess := len(active) - desired; excess > 0 {
		sort.Slice(idleCandidates, func(i, j int) bool {
			return idleCandidates[i].since.Before(idleCandidates[j].since)
		})
		for _, cand := range idleCandidates {
			if excess == 0 || idle <= orc.cfg.IdleBufferTarget {
				break
			}
			if orc.terminateIdle(ctx, cand.worker, cand.since, sum) {
				excess--
				idle--
				orc.lastScaleDown = now
			}
		}
	}

	// (8) spawn up to the deficit, gated by the breaker
	if deficit := desired - (len(active) - sum.Terminated + len(spawning)); deficit > 0 {
		decision := orc.breaker.Decide(orc.breakerSample(ctx, workers), now)
		if !decision.Allow {
			sum.SpawnsBlocked = true
			sum.BreakerReason = decision.Reason
			orc.logger.WithFields(logrus.Fields{
				"FailureRate": decision.FailureRate,
				"SampleSize":  decision.SampleSize,
				"Deficit":     deficit,
			}).Error("failure-rate breaker open; refusing to spawn new workers")
		} else {
			for i := 0; i < deficit; i++ {
				if !orc.spawnWorker(ctx, now, sum) {
					break
				}
			}
		}
	}

	// (9) reconciliation sweep, at reduced cadence: it needs a
	// full provider-side listing
	if orc.cfg.ReconcileCycleStride > 0 && orc.cycle%int64(orc.cfg.ReconcileCycleStride) == 0 {
		orc.reconcile(ctx, now, sum)
		sum.Reconciled = true
	}

	if final, err := orc.store.ListWorkers(ctx); err == nil {
		sum.Workers = map[fleet.WorkerState]int{}
		for _, w := range final {
			sum.Workers[w.EffectiveState()]++
		}
	}
	return nil
}

type idleCandidate struct {
	worker fleet.Worker
	since  time.Time
}

// cancelExcessSpawning pre-emptively cancels spawning workers that a
// conservative estimate says will not be needed. Skipped entirely
// while anything is queued, and during the scale-down cooldown.
func (orc *Orchestrator) cancelExcessSpawning(ctx context.Context, now time.Time, spawning, active []fleet.Worker, busy int, counts fleet.TaskCounts, sum *CycleSummary) []fleet.Worker {
	if len(spawning) == 0 || counts.Queued > 0 {
		return spawning
	}
	if !orc.lastScaleDown.IsZero() && now.Sub(orc.lastScaleDown) < orc.cfg.ScaleDownCooldown.Duration() {
		return spawning
	}
	conservative := ConservativeDesired(Snapshot{
		Queued:     counts.Queued,
		InProgress: counts.InProgress,
		Idle:       len(active) - busy,
		Busy:       busy,
	}, orc.tuning())
	excess := len(active) + len(spawning) - conservative
	if excess <= 0 {
		return spawning
	}
	// Cancel the youngest first: least invested, longest until
	// ready.
	sorted := append([]fleet.Worker(nil), spawning...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	grace := orc.cfg.SpawnGracePeriod.Duration()
	var kept []fleet.Worker
	for _, w := range sorted {
		if excess > 0 && now.Sub(w.CreatedAt) > grace && orc.cancelSpawning(ctx, w, sum) {
			excess--
			orc.lastScaleDown = now
			continue
		}
		kept = append(kept, w)
	}
	return kept
}

func (orc *Orchestrator) checkSpawning(ctx context.Context, now time.Time, w fleet.Worker) (Verdict, provider.Instance) {
	chk := SpawnCheck{Now: now, SpawningTimeout: orc.cfg.SpawningTimeout.Duration()}
	if w.Metadata.InstanceID != "" {
		cctx, cancel := orc.callCtx(ctx)
		chk.Instance, chk.InstanceErr = orc.provider.InstanceStatus(cctx, provider.InstanceID(w.Metadata.InstanceID))
		cancel()
		if chk.InstanceErr == nil && chk.Instance.State == provider.InstanceRunning {
			pctx, cancel := context.WithTimeout(ctx, orc.cfg.ProbeTimeout.Duration())
			chk.ReadyErr = orc.prober.CheckReady(pctx, chk.Instance.Address)
			cancel()
		}
	}
	return ResolveSpawning(w, chk), chk.Instance
}

// livenessState is the optional provider-side liveness probe for an
// active worker. Transient lookup errors return the zero value ("not
// checked").
func (orc *Orchestrator) livenessState(ctx context.Context, w fleet.Worker) provider.InstanceState {
	if w.Metadata.InstanceID == "" {
		return ""
	}
	cctx, cancel := orc.callCtx(ctx)
	defer cancel()
	inst, err := orc.provider.InstanceStatus(cctx, provider.InstanceID(w.Metadata.InstanceID))
	if errors.Is(err, provider.ErrInstanceNotFound) {
		return provider.InstanceTerminated
	} else if err != nil {
		return ""
	}
	return inst.State
}

// breakerSample re-reads worker rows so this cycle's failures are in
// the sample; falls back to the stale list if the store hiccups.
func (orc *Orchestrator) breakerSample(ctx context.Context, fallback []fleet.Worker) []fleet.Worker {
	workers, err := orc.store.ListWorkers(ctx)
	if err != nil {
		orc.logger.WithError(err).Warn("error refreshing workers for breaker sample")
		return fallback
	}
	return workers
}

func (orc *Orchestrator) tuning() Tuning {
	return Tuning{
		MinWorkers:          orc.cfg.MinWorkers,
		MaxWorkers:          orc.cfg.MaxWorkers,
		IdleBufferTarget:    orc.cfg.IdleBufferTarget,
		ScaleUpMultiplier:   orc.cfg.ScaleUpMultiplier,
		ScaleDownMultiplier: orc.cfg.ScaleDownMultiplier,
	}
}

func (orc *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, remoteCallTimeout)
}
