package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/voterd/voterd/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	executions atomic.Int32
	triggers   chan orchestrator.Trigger
	block      chan struct{} // when non-nil, Execute blocks until closed or ctx done
	err        error
}

func (f *fakeRunner) Execute(ctx context.Context, trigger orchestrator.Trigger) (*orchestrator.Result, error) {
	f.executions.Add(1)
	if f.triggers != nil {
		f.triggers <- trigger
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, orchestrator.ErrStopped
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Result{Run: orchestrator.Run{RunID: "r", State: orchestrator.StateCompleted}}, nil
}

func testLogger() *log.Logger { return log.New(os.Stderr, "[test] ", 0) }

func TestRunsImmediatelyOnStart(t *testing.T) {
	r := &fakeRunner{triggers: make(chan orchestrator.Trigger, 1)}
	s := New(r, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case tr := <-r.triggers:
		if tr != orchestrator.TriggerScheduled {
			t.Fatalf("startup trigger = %s", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no run started at startup")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestIntervalTicksStartRuns(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, 20*time.Millisecond, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(110 * time.Millisecond)
	cancel()
	<-done
	if n := r.executions.Load(); n < 3 {
		t.Fatalf("got %d executions, want >= 3", n)
	}
}

func TestManualTriggerBusyWhileRunning(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), triggers: make(chan orchestrator.Trigger, 4)}
	s := New(r, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-r.triggers // startup run is now blocked inside Execute
	for !s.Running() {
		time.Sleep(time.Millisecond)
	}
	if err := s.TriggerNow(); !errors.Is(err, ErrBusy) {
		t.Fatalf("TriggerNow during run = %v, want ErrBusy", err)
	}

	close(r.block)
	for s.Running() {
		time.Sleep(time.Millisecond)
	}
	if err := s.TriggerNow(); err != nil {
		t.Fatalf("TriggerNow while idle = %v", err)
	}
	select {
	case tr := <-r.triggers:
		if tr != orchestrator.TriggerManual {
			t.Fatalf("trigger = %s, want manual", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("manual trigger did not start a run")
	}
	cancel()
	<-done
}

func TestShutdownWaitsForStoppingRun(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{}), triggers: make(chan orchestrator.Trigger, 1)}
	s := New(r, time.Hour, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-r.triggers // run in flight
	cancel()     // runner observes ctx and returns ErrStopped

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not return after cancellation")
	}
}

func TestOnlyOneRunAtATime(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := New(r, time.Hour, time.Second, testLogger())

	var returned atomic.Int32
	for i := 0; i < 4; i++ {
		go func() {
			s.runOnce(context.Background(), orchestrator.TriggerManual)
			returned.Add(1)
		}()
	}
	// Losers of the CAS return immediately; the winner stays blocked.
	for returned.Load() != 3 {
		time.Sleep(time.Millisecond)
	}
	if n := r.executions.Load(); n != 1 {
		t.Fatalf("executions while blocked = %d, want 1", n)
	}
	close(r.block)
	for returned.Load() != 4 {
		time.Sleep(time.Millisecond)
	}
}
