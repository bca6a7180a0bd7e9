// Package scheduler runs a single task on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rewired-gh/kalshibot/internal/logger"
)

// Task is one unit of periodic work. It receives the scheduler's context.
type Task func(ctx context.Context) error

// Scheduler runs a Task immediately and then once per interval. Runs never
// overlap: the task executes on the loop goroutine, so ticks that fire while
// it is still running are dropped by the underlying time.Ticker.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	onResult func(err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithName labels the scheduler in log lines.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithResultHandler registers a callback invoked after every run with the
// task's error, or nil on success.
func WithResultHandler(fn func(err error)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// New creates a Scheduler.
func New(interval time.Duration, task Task, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:     "task",
		interval: interval,
		task:     task,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled and returns ctx.Err(). Task errors and
// panics are reported and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler %s: interval must be positive", s.name)
	}

	logger.Debug("Running initial %s", s.name)
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler %s stopped", s.name)
			return ctx.Err()
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			logger.Debug("Starting scheduled %s", s.name)
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	err := s.safeRun(ctx)
	if err != nil {
		logger.Error("%s failed after %v: %v", s.name, time.Since(start), err)
	} else {
		logger.Debug("%s completed in %v", s.name, time.Since(start))
	}
	if s.onResult != nil {
		s.onResult(err)
	}
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", s.name, r)
			logger.Error("%s panicked: %v\n%s", s.name, r, debug.Stack())
		}
	}()
	return s.task(ctx)
}

// FailureTracker turns a stream of run results into notifications for the
// first failure of a streak and the recovery that ends it.
type FailureTracker struct {
	consecutive int
	onFailure   func(err error)
	onRecovery  func(failures int)
}

// NewFailureTracker creates a tracker. Either callback may be nil.
func NewFailureTracker(onFailure func(err error), onRecovery func(failures int)) *FailureTracker {
	return &FailureTracker{onFailure: onFailure, onRecovery: onRecovery}
}

// Observe records one run result. It is meant to be passed to WithResultHandler.
func (f *FailureTracker) Observe(err error) {
	if err != nil {
		f.consecutive++
		if f.consecutive == 1 && f.onFailure != nil {
			f.onFailure(err)
		}
		return
	}
	if f.consecutive > 0 && f.onRecovery != nil {
		f.onRecovery(f.consecutive)
	}
	f.consecutive = 0
}

// Consecutive returns the length of the current failure streak.
func (f *FailureTracker) Consecutive() int {
	return f.consecutive
}
