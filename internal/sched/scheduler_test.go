package sched_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/goipmi/internal/sched"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s := sched.New(2, discardLogger())
	t.Cleanup(s.Close)
	return s
}

// TestScheduleAfterRuns verifies a one-shot task executes once.
func TestScheduleAfterRuns(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	done := make(chan struct{})

	_, err := s.ScheduleAfter(10*time.Millisecond, func() { close(done) })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

// TestScheduleAfterCancel verifies a cancelled one-shot does not run.
func TestScheduleAfterCancel(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	var ran atomic.Bool

	h, err := s.ScheduleAfter(50*time.Millisecond, func() { ran.Store(true) })
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()
	// Cancel is idempotent.
	h.Cancel()

	time.Sleep(120 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled task ran")
	}
	if !h.Cancelled() {
		t.Error("handle not marked cancelled")
	}
}

// TestScheduleAtFixedRate verifies periodic execution and cancellation.
func TestScheduleAtFixedRate(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	var ticks atomic.Int32

	h, err := s.ScheduleAtFixedRate(20*time.Millisecond, func() { ticks.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	h.Cancel()
	at := ticks.Load()

	if at < 3 {
		t.Errorf("ticks = %d, want >= 3", at)
	}

	time.Sleep(100 * time.Millisecond)
	if after := ticks.Load(); after > at+1 {
		t.Errorf("ticks after cancel grew from %d to %d", at, after)
	}
}

// TestSchedulerBoundsConcurrency verifies tasks run on the pool, not
// unbounded goroutines.
func TestSchedulerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	s := sched.New(2, discardLogger())
	t.Cleanup(s.Close)

	var mu sync.Mutex
	running, peak := 0, 0

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		_, err := s.ScheduleAfter(time.Millisecond, func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

// TestSchedulerCloseRejectsNewWork verifies scheduling after Close
// fails.
func TestSchedulerCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	s := sched.New(1, discardLogger())
	s.Close()

	if _, err := s.ScheduleAfter(time.Millisecond, func() {}); err == nil {
		t.Error("ScheduleAfter after Close succeeded")
	}
	if _, err := s.ScheduleAtFixedRate(time.Millisecond, func() {}); err == nil {
		t.Error("ScheduleAtFixedRate after Close succeeded")
	}
}
