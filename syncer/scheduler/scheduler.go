// Package scheduler implements the optional job coordinator for
// watch-triggered work: a debounced pending-job queue with backoff
// retries, plus a parallel periodic reconcile tick.
/*
 * Follows a register-a-callback/run-on-an-interval shape for the
 * periodic side, and a per-job attempt-counter bookkeeping map for the
 * debounce/backoff side, keyed by job identity rather than a single
 * job's retry counter.
 */
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knowdisk/vfscore/cmn/nlog"
)

// JobProcessor executes one debounced job; a non-nil error triggers a
// backoff retry.
type JobProcessor func(ctx context.Context, jobType, mountID, sourceRef string) error

// ReconcileFunc performs a mount's periodic full reconcile.
type ReconcileFunc func(ctx context.Context, mountID string) error

type pendingJob struct {
	dueAtMs                     int64
	attempt                     int
	jobType, mountID, sourceRef string
}

type reconcileEntry struct {
	intervalMs  int64
	nextRunAtMs int64
}

// Scheduler coordinates debounced watch-triggered jobs and per-mount
// reconcile ticks. Safe for concurrent use.
type Scheduler struct {
	process        JobProcessor
	reconcileFn    ReconcileFunc
	debounceMs     int64
	backoffMsSteps []int64
	nowMs          func() int64

	mu        sync.Mutex
	pending   map[string]*pendingJob
	reconcile map[string]*reconcileEntry
}

// New builds a Scheduler. backoffMsSteps is consulted by attempt
// number (1-indexed, clamped to the last step); once attempt exceeds
// its length, a failing job is dropped.
func New(process JobProcessor, reconcileFn ReconcileFunc, debounceMs int64, backoffMsSteps []int64) *Scheduler {
	return &Scheduler{
		process: process, reconcileFn: reconcileFn,
		debounceMs: debounceMs, backoffMsSteps: backoffMsSteps,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
		pending:   make(map[string]*pendingJob),
		reconcile: make(map[string]*reconcileEntry),
	}
}

func jobKey(jobType, mountID, sourceRef string) string {
	return fmt.Sprintf("%s:%s:%s", jobType, mountID, sourceRef)
}

// EnqueueJob (de)schedules a job dueAtMs = now + debounceMs,
// overwriting any prior pending entry for the same key — repeated
// watch events for the same file collapse into one job.
func (s *Scheduler) EnqueueJob(jobType, mountID, sourceRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[jobKey(jobType, mountID, sourceRef)] = &pendingJob{
		dueAtMs: s.nowMs() + s.debounceMs,
		jobType: jobType, mountID: mountID, sourceRef: sourceRef,
	}
}

// RegisterMountReconcile schedules mountID's first periodic reconcile
// at now + intervalMs.
func (s *Scheduler) RegisterMountReconcile(mountID string, intervalMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile[mountID] = &reconcileEntry{intervalMs: intervalMs, nextRunAtMs: s.nowMs() + intervalMs}
}

// UnregisterMountReconcile stops mountID's periodic reconcile.
func (s *Scheduler) UnregisterMountReconcile(mountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reconcile, mountID)
}

// FlushDue processes every job whose dueAtMs has elapsed. A
// successful job is removed; a failing one is rescheduled with
// backoff, or dropped once its attempts exceed backoffMsSteps.
func (s *Scheduler) FlushDue(ctx context.Context) {
	now := s.nowMs()
	s.mu.Lock()
	due := make([]*pendingJob, 0)
	for key, j := range s.pending {
		if j.dueAtMs <= now {
			due = append(due, j)
			_ = key
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		err := s.process(ctx, j.jobType, j.mountID, j.sourceRef)
		key := jobKey(j.jobType, j.mountID, j.sourceRef)

		s.mu.Lock()
		current, ok := s.pending[key]
		if !ok || current != j {
			// superseded by a newer enqueue while this one ran
			s.mu.Unlock()
			continue
		}
		if err == nil {
			delete(s.pending, key)
			s.mu.Unlock()
			continue
		}
		current.attempt++
		if current.attempt > len(s.backoffMsSteps) {
			delete(s.pending, key)
			nlog.Warningf("scheduler: dropping job %q after %d attempts: %v", key, current.attempt, err)
			s.mu.Unlock()
			continue
		}
		idx := current.attempt - 1
		if idx >= len(s.backoffMsSteps) {
			idx = len(s.backoffMsSteps) - 1
		}
		current.dueAtMs = s.nowMs() + s.backoffMsSteps[idx]
		s.mu.Unlock()
	}
}

// RunReconcileDue invokes reconcileFn for every mount whose
// nextRunAtMs has elapsed, then advances its schedule.
func (s *Scheduler) RunReconcileDue(ctx context.Context) {
	now := s.nowMs()
	s.mu.Lock()
	due := make([]string, 0)
	for mountID, e := range s.reconcile {
		if e.nextRunAtMs <= now {
			due = append(due, mountID)
		}
	}
	s.mu.Unlock()

	for _, mountID := range due {
		if err := s.reconcileFn(ctx, mountID); err != nil {
			nlog.Warningf("scheduler: reconcile of mount %q failed: %v", mountID, err)
		}
		s.mu.Lock()
		if e, ok := s.reconcile[mountID]; ok {
			e.nextRunAtMs = s.nowMs() + e.intervalMs
		}
		s.mu.Unlock()
	}
}

// Run ticks FlushDue and RunReconcileDue every tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushDue(ctx)
			s.RunReconcileDue(ctx)
		}
	}
}
