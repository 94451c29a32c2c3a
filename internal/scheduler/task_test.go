package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/scheduler"
	"go.uber.org/zap"
)

func TestTask_SingleFlight(t *testing.T) {
	var concurrent atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	task, err := scheduler.NewTask("test", time.Minute, func(ctx context.Context) error {
		n := concurrent.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		close(started)
		<-release
		concurrent.Add(-1)
		return nil
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	if ok := task.Trigger(context.Background()); !ok {
		t.Fatal("first trigger should run")
	}
	<-started

	// Triggers while a cycle runs must be skipped, not queued.
	for i := 0; i < 5; i++ {
		if ok := task.Trigger(context.Background()); ok {
			t.Error("trigger during running cycle must be skipped")
		}
	}

	close(release)
	task.Stop()

	if peak.Load() != 1 {
		t.Errorf("expected at most 1 concurrent cycle, observed %d", peak.Load())
	}
}

func TestTask_RunNowSequential(t *testing.T) {
	runs := 0
	task, err := scheduler.NewTask("seq", time.Minute, func(ctx context.Context) error {
		runs++
		return nil
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if ok := task.RunNow(context.Background()); !ok {
			t.Fatalf("run %d unexpectedly skipped", i)
		}
	}
	if runs != 3 {
		t.Errorf("expected 3 runs, got %d", runs)
	}
}

func TestTask_RejectsNonPositiveInterval(t *testing.T) {
	_, err := scheduler.NewTask("bad", 0, func(ctx context.Context) error { return nil }, nil, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestTask_StopWaitsForRunningCycle(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})

	task, err := scheduler.NewTask("drain", time.Minute, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	task.Trigger(context.Background())
	<-started

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		task.Stop()
	}()
	wg.Wait()

	if !finished.Load() {
		t.Error("Stop returned before the running cycle finished")
	}
}

func TestTask_DrainBeforeCancelKeepsCycleContextAlive(t *testing.T) {
	// Shutdown order is drain-then-cancel: Stop waits for the cycle,
	// and only afterwards may the run context be canceled. A cycle
	// holding a transaction open must never observe cancellation.
	runCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var sawCancel atomic.Bool

	task, err := scheduler.NewTask("shutdown", time.Minute, func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}

	task.Trigger(runCtx)
	<-started

	task.Stop()
	cancel()

	if sawCancel.Load() {
		t.Error("in-flight cycle observed context cancellation during shutdown")
	}
}

func TestTask_IndependentGuards(t *testing.T) {
	// Two tasks may run concurrently with each other; only
	// self-overlap is excluded.
	blockA := make(chan struct{})
	startedA := make(chan struct{})

	taskA, _ := scheduler.NewTask("a", time.Minute, func(ctx context.Context) error {
		close(startedA)
		<-blockA
		return nil
	}, nil, zap.NewNop())

	ranB := false
	taskB, _ := scheduler.NewTask("b", time.Minute, func(ctx context.Context) error {
		ranB = true
		return nil
	}, nil, zap.NewNop())

	taskA.Trigger(context.Background())
	<-startedA

	if ok := taskB.RunNow(context.Background()); !ok {
		t.Error("task b must not be blocked by task a")
	}
	if !ranB {
		t.Error("task b cycle did not run")
	}

	close(blockA)
	taskA.Stop()
	taskB.Stop()
}
