// Package scheduler serializes agent runs: one run at a time, started
// by the interval ticker or a manual trigger, stopped cooperatively on
// shutdown.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/voterd/voterd/internal/orchestrator"
)

// ErrBusy is returned to a manual trigger while a run is in progress.
var ErrBusy = errors.New("a run is already in progress")

// Runner is the orchestrator surface the scheduler drives.
type Runner interface {
	Execute(ctx context.Context, trigger orchestrator.Trigger) (*orchestrator.Result, error)
}

type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	// Grace bounds how long shutdown waits for the in-flight run to
	// reach a checkpoint boundary.
	Grace  time.Duration
	Logger *log.Logger

	running atomic.Bool
	trigger chan struct{}
}

func New(runner Runner, interval, grace time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		Runner:   runner,
		Interval: interval,
		Grace:    grace,
		Logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// TriggerNow requests an immediate run. Fails fast with ErrBusy while a
// run is in progress; otherwise the request is queued for the loop.
func (s *Scheduler) TriggerNow() error {
	if s.running.Load() {
		return ErrBusy
	}
	select {
	case s.trigger <- struct{}{}:
		return nil
	default:
		// A trigger is already queued; coalesce.
		return nil
	}
}

// Run is the scheduler loop. It fires one run immediately (picking up
// any interrupted run's checkpoint), then on every interval tick or
// manual trigger. Ticks that elapse while a run is in flight are
// dropped. Returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, orchestrator.TriggerScheduled)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, orchestrator.TriggerScheduled)
		case <-s.trigger:
			s.runOnce(ctx, orchestrator.TriggerManual)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, trigger orchestrator.Trigger) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	done := make(chan struct{})
	var result *orchestrator.Result
	var err error
	go func() {
		defer close(done)
		result, err = s.Runner.Execute(ctx, trigger)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Shutdown requested mid-run: give the run the grace period to
		// reach a checkpoint boundary and write its STOPPING checkpoint.
		timer := time.NewTimer(s.Grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.Logger.Printf("ERROR run did not stop within grace period %s; abandoning", s.Grace)
			return
		}
	}

	switch {
	case errors.Is(err, orchestrator.ErrStopped):
		s.Logger.Printf("INFO run stopped at a checkpoint; will resume on next start")
	case err != nil:
		s.Logger.Printf("ERROR run failed: %v", err)
	case result != nil && result.Warning != "":
		s.Logger.Printf("WARN run %s completed with warning: %s", result.Run.RunID, result.Warning)
	case result != nil:
		s.Logger.Printf("INFO run %s completed: voted %d of %d", result.Run.RunID,
			result.Run.Counters.ProposalsVoted, result.Run.Counters.ProposalsSeen)
	}
}
