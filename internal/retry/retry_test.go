package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/retry"
	"go.uber.org/zap"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	attempts, err := retry.Do(context.Background(), zap.NewNop(), "noop", p, func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	attempts, err := retry.Do(context.Background(), zap.NewNop(), "flaky", p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	attempts, err := retry.Do(context.Background(), zap.NewNop(), "doomed", p, func(ctx context.Context) error {
		calls++
		return errors.New("permanent")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := retry.Do(ctx, zap.NewNop(), "cancelled", p, func(ctx context.Context) error {
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPolicy_DelayProgression(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0}

	if d := p.Delay(1); d != 0 {
		t.Errorf("attempt 1 should run immediately, got %s", d)
	}
	if d := p.Delay(2); d != time.Second {
		t.Errorf("expected 1s before attempt 2, got %s", d)
	}
	if d := p.Delay(3); d != 2*time.Second {
		t.Errorf("expected 2s before attempt 3, got %s", d)
	}
}
