package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEnqueueJobDebouncesRepeatedCalls(t *testing.T) {
	var calls int32
	s := New(func(context.Context, string, string, string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil, 1000, nil)

	clock := int64(0)
	s.nowMs = func() int64 { return clock }

	s.EnqueueJob("content", "m1", "a.txt")
	clock = 500
	s.EnqueueJob("content", "m1", "a.txt") // overwrites, pushes dueAtMs to 1500

	clock = 1000
	s.FlushDue(context.Background())
	if calls != 0 {
		t.Fatalf("expected no job to have run yet, got %d calls", calls)
	}

	clock = 1500
	s.FlushDue(context.Background())
	if calls != 1 {
		t.Fatalf("expected exactly one run after debounce window, got %d", calls)
	}
}

func TestFlushDueRetriesWithBackoffThenDrops(t *testing.T) {
	var calls int32
	s := New(func(context.Context, string, string, string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, nil, 0, []int64{10, 20})

	clock := int64(0)
	s.nowMs = func() int64 { return clock }

	s.EnqueueJob("content", "m1", "a.txt")

	s.FlushDue(context.Background()) // attempt 1, fails, reschedule +10
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if _, ok := s.pending["content:m1:a.txt"]; !ok {
		t.Fatalf("expected job to remain pending after first failure")
	}

	clock = 10
	s.FlushDue(context.Background()) // attempt 2, fails, reschedule +20
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	clock = 30
	s.FlushDue(context.Background()) // attempt 3 exceeds len(backoff)=2, dropped
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if _, ok := s.pending["content:m1:a.txt"]; ok {
		t.Fatalf("expected job to be dropped after exhausting backoff steps")
	}

	clock = 1_000_000
	s.FlushDue(context.Background())
	if calls != 3 {
		t.Fatalf("expected no further calls once dropped, got %d", calls)
	}
}

func TestFlushDueSkipsJobSupersededDuringProcessing(t *testing.T) {
	var calls int32
	var s *Scheduler
	s = New(func(context.Context, string, string, string) error {
		atomic.AddInt32(&calls, 1)
		// simulate a fresh watch event arriving mid-processing, which
		// should not be clobbered by the stale result below.
		s.EnqueueJob("content", "m1", "a.txt")
		return nil
	}, nil, 0, nil)

	clock := int64(0)
	s.nowMs = func() int64 { return clock }

	s.EnqueueJob("content", "m1", "a.txt")
	s.FlushDue(context.Background())

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if _, ok := s.pending["content:m1:a.txt"]; !ok {
		t.Fatalf("expected the job re-enqueued mid-processing to survive")
	}
}

func TestRunReconcileDueAdvancesSchedule(t *testing.T) {
	var calls int32
	s := New(nil, func(context.Context, string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 0, nil)

	clock := int64(0)
	s.nowMs = func() int64 { return clock }

	s.RegisterMountReconcile("m1", 100)

	clock = 50
	s.RunReconcileDue(context.Background())
	if calls != 0 {
		t.Fatalf("expected no reconcile before interval elapses, got %d", calls)
	}

	clock = 100
	s.RunReconcileDue(context.Background())
	if calls != 1 {
		t.Fatalf("expected one reconcile at the interval boundary, got %d", calls)
	}

	clock = 150
	s.RunReconcileDue(context.Background())
	if calls != 1 {
		t.Fatalf("expected the next reconcile to wait a full interval, got %d", calls)
	}

	clock = 200
	s.RunReconcileDue(context.Background())
	if calls != 2 {
		t.Fatalf("expected a second reconcile at the next boundary, got %d", calls)
	}
}

func TestUnregisterMountReconcileStopsFutureTicks(t *testing.T) {
	var calls int32
	s := New(nil, func(context.Context, string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 0, nil)

	clock := int64(0)
	s.nowMs = func() int64 { return clock }

	s.RegisterMountReconcile("m1", 100)
	s.UnregisterMountReconcile("m1")

	clock = 100
	s.RunReconcileDue(context.Background())
	if calls != 0 {
		t.Fatalf("expected no reconcile after unregistering, got %d", calls)
	}
}
