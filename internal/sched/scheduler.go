// Package sched provides a bounded pool of scheduled tasks shared by all
// connections: one-shot timeouts for request retries and fixed-rate tasks
// for session keep-alives.
package sched

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPoolSize is the default number of worker goroutines.
const DefaultPoolSize = 5

// taskQueueSize bounds the number of fired-but-not-yet-executed tasks.
// Sized for bursts of simultaneous timeouts across many connections;
// overflow is dropped with a warning rather than blocking timer dispatch.
const taskQueueSize = 256

// ErrSchedulerClosed indicates a schedule call after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Task is a unit of work executed on a pool worker. Tasks must not block
// indefinitely: a stuck task occupies one of the pool's workers.
type Task func()

// Handle cancels a scheduled task. Cancellation is best-effort and
// idempotent: a task already handed to a worker may still run at most
// once after Cancel returns.
type Handle struct {
	cancelled atomic.Bool
	stop      func()
}

// Cancel stops future executions of the task. Safe to call multiple
// times and from any goroutine.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Scheduler executes scheduled tasks on a fixed-size worker pool.
//
// Timer expiry itself runs on runtime timer goroutines; only task
// execution is confined to the pool. This keeps dispatch latency
// independent of slow tasks while bounding total task concurrency.
type Scheduler struct {
	tasks  chan Task
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *slog.Logger

	// closeMu serialises enqueue against Close so that no timer
	// goroutine can send on the task channel after it is closed.
	closeMu sync.RWMutex
}

// New creates a Scheduler with the given number of workers. Sizes < 1
// fall back to DefaultPoolSize.
func New(poolSize int, logger *slog.Logger) *Scheduler {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}

	s := &Scheduler{
		tasks:  make(chan Task, taskQueueSize),
		logger: logger.With(slog.String("component", "sched")),
	}

	s.wg.Add(poolSize)
	for range poolSize {
		go s.worker()
	}

	return s
}

// worker drains the task queue until Close.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		task()
	}
}

// enqueue hands a fired task to the pool. Drops with a warning when the
// queue is saturated and silently once the scheduler is closed; timers
// never block.
func (s *Scheduler) enqueue(task Task) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed.Load() {
		return
	}
	select {
	case s.tasks <- task:
	default:
		s.logger.Warn("task queue full, dropping task")
	}
}

// ScheduleAfter runs task once on a pool worker after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, task Task) (*Handle, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}

	h := &Handle{}
	t := time.AfterFunc(delay, func() {
		if h.cancelled.Load() {
			return
		}
		s.enqueue(func() {
			if !h.cancelled.Load() {
				task()
			}
		})
	})
	h.stop = func() { t.Stop() }

	return h, nil
}

// ScheduleAtFixedRate runs task on a pool worker every period, first
// execution one period from now. The ticker goroutine exits on Cancel
// or Close.
func (s *Scheduler) ScheduleAtFixedRate(period time.Duration, task Task) (*Handle, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}

	done := make(chan struct{})
	h := &Handle{}
	h.stop = func() { close(done) }

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if h.cancelled.Load() || s.closed.Load() {
					return
				}
				s.enqueue(func() {
					if !h.cancelled.Load() {
						task()
					}
				})
			}
		}
	}()

	return h, nil
}

// Close stops the workers after the already-queued tasks drain. Pending
// one-shot timers that fire after Close are discarded. Close is
// idempotent and blocks until all workers exit.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeMu.Lock()
	close(s.tasks)
	s.closeMu.Unlock()
	s.wg.Wait()
}
