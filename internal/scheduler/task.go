package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"go.uber.org/zap"
)

// Task runs one recurring cycle on a fixed interval with a
// single-flight guard: a trigger arriving while a cycle is executing
// is logged as a skip, never queued and never run concurrently.
//
// The effective interval is derived from the configured one inside the
// constructor; both are logged at start and on every cycle boundary so
// any drift between "the interval the operator set" and "the interval
// actually used" is observable, and Start refuses to run if they ever
// disagree.
type Task struct {
	name       string
	configured time.Duration
	effective  time.Duration
	run        func(ctx context.Context) error
	logger     *zap.Logger
	instr      *metrics.Metrics
	clock      func() time.Time

	executing atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastStart atomic.Int64
}

// NewTask creates a new scheduled task. The one configured interval is
// the single source of the schedule.
func NewTask(name string, interval time.Duration, run func(ctx context.Context) error, instr *metrics.Metrics, logger *zap.Logger) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("task %s: interval must be positive, got %s", name, interval)
	}
	return &Task{
		name:       name,
		configured: interval,
		effective:  interval,
		run:        run,
		logger:     logger,
		instr:      instr,
		clock:      time.Now,
		stop:       make(chan struct{}),
	}, nil
}

// WithClock overrides the task clock. Used by tests.
func (t *Task) WithClock(clock func() time.Time) *Task {
	t.clock = clock
	return t
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Interval returns the configured (and effective) cycle interval.
func (t *Task) Interval() time.Duration {
	return t.configured
}

// Start begins issuing cycles until Stop is called. The first cycle
// runs after one interval.
func (t *Task) Start(ctx context.Context) error {
	if t.effective != t.configured {
		return fmt.Errorf("task %s: effective interval %s disagrees with configured interval %s",
			t.name, t.effective, t.configured)
	}

	t.logger.Info("task scheduled",
		zap.String("task", t.name),
		zap.Duration("configured_interval", t.configured),
		zap.Duration("effective_interval", t.effective),
	)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.effective)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Trigger(ctx)
			}
		}
	}()

	return nil
}

// Trigger attempts to run one cycle now. Returns false when a cycle is
// already executing; the skip is logged distinctly from an idle gap.
func (t *Task) Trigger(ctx context.Context) bool {
	if !t.executing.CompareAndSwap(false, true) {
		t.logger.Warn("cycle skipped: previous cycle still executing",
			zap.String("task", t.name),
			zap.Duration("configured_interval", t.configured),
			zap.Time("running_since", time.Unix(0, t.lastStart.Load())),
		)
		if t.instr != nil {
			t.instr.CyclesSkipped.WithLabelValues(t.name).Inc()
		}
		return false
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.executing.Store(false)
		t.runCycle(ctx)
	}()

	return true
}

// RunNow runs one cycle synchronously, honoring the single-flight
// guard. Used at startup and by tests.
func (t *Task) RunNow(ctx context.Context) bool {
	if !t.executing.CompareAndSwap(false, true) {
		t.logger.Warn("cycle skipped: previous cycle still executing",
			zap.String("task", t.name),
		)
		if t.instr != nil {
			t.instr.CyclesSkipped.WithLabelValues(t.name).Inc()
		}
		return false
	}
	defer t.executing.Store(false)
	t.runCycle(ctx)
	return true
}

func (t *Task) runCycle(ctx context.Context) {
	started := t.clock()
	t.lastStart.Store(started.UnixNano())

	t.logger.Info("cycle starting",
		zap.String("task", t.name),
		zap.Duration("configured_interval", t.configured),
		zap.Duration("effective_interval", t.effective),
	)

	err := t.run(ctx)
	elapsed := t.clock().Sub(started)

	if t.instr != nil {
		t.instr.CycleDuration.WithLabelValues(t.name).Observe(elapsed.Seconds())
		if err != nil {
			t.instr.CycleFailures.WithLabelValues(t.name).Inc()
		}
	}

	if err != nil {
		t.logger.Error("cycle failed",
			zap.String("task", t.name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		t.logger.Info("cycle complete",
			zap.String("task", t.name),
			zap.Duration("elapsed", elapsed),
		)
	}

	if elapsed > t.effective {
		t.logger.Warn("cycle exceeded interval, subsequent triggers will be skipped, not queued",
			zap.String("task", t.name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("effective_interval", t.effective),
		)
	}
}

// Stop prevents new cycles and waits for the in-flight cycle to reach
// its natural end. No cycle is ever hard-killed mid-transaction.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.wg.Wait()
	t.logger.Info("task stopped", zap.String("task", t.name))
}
