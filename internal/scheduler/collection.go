package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/bacnet"
	"github.com/facilityhub/meter-sync-agent/internal/batcher"
	"github.com/facilityhub/meter-sync-agent/internal/config"
	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/facilityhub/meter-sync-agent/internal/registry"
	"go.uber.org/zap"
)

// ElementCollector produces pending readings for one meter element.
// Implemented by collector.Collector.
type ElementCollector interface {
	Collect(ctx context.Context, element registry.MeterElement) ([]db.PendingReading, error)
}

// CollectionAgent drives one collection cycle: every active cached
// meter element not in offline backoff is read, its readings handed to
// the batcher, and the batcher flushed once at the end of the cycle.
type CollectionAgent struct {
	cache     *registry.Cache
	collector ElementCollector
	batch     *batcher.Batcher
	cfg       config.CollectionConfig
	logger    *zap.Logger
	instr     *metrics.Metrics
	clock     func() time.Time

	mu      sync.Mutex
	backoff map[int64]time.Time
}

// NewCollectionAgent creates a new collection agent
func NewCollectionAgent(
	cache *registry.Cache,
	elementCollector ElementCollector,
	batch *batcher.Batcher,
	cfg config.CollectionConfig,
	instr *metrics.Metrics,
	logger *zap.Logger,
) *CollectionAgent {
	return &CollectionAgent{
		cache:     cache,
		collector: elementCollector,
		batch:     batch,
		cfg:       cfg,
		logger:    logger,
		instr:     instr,
		clock:     time.Now,
		backoff:   make(map[int64]time.Time),
	}
}

// WithClock overrides the agent clock. Used by tests.
func (a *CollectionAgent) WithClock(clock func() time.Time) *CollectionAgent {
	a.clock = clock
	return a
}

// RunCycle executes one collection cycle. A failure on one meter
// element never aborts the cycle for the others.
func (a *CollectionAgent) RunCycle(ctx context.Context) error {
	elements := a.cache.ActiveElements()
	collected := 0
	skippedBackoff := 0

	for _, element := range elements {
		if until, waiting := a.inBackoff(element.Element.ID); waiting {
			skippedBackoff++
			a.logger.Debug("element in offline backoff, skipped",
				zap.Int64("meter_id", element.Meter.ID),
				zap.String("element", element.Element.Element),
				zap.Time("backoff_until", until),
			)
			continue
		}

		readings, err := a.collector.Collect(ctx, element)
		if err != nil {
			if errors.Is(err, bacnet.ErrDeviceOffline) {
				a.markOffline(element)
				continue
			}
			a.logger.Error("element collection failed",
				zap.Int64("meter_id", element.Meter.ID),
				zap.String("element", element.Element.Element),
				zap.Error(err),
			)
			continue
		}

		a.batch.Add(readings)
		collected += len(readings)
	}

	if a.instr != nil {
		a.instr.ReadingsCollected.Add(float64(collected))
	}

	flush := a.batch.Flush(ctx)

	a.logger.Info("collection cycle finished",
		zap.Int("elements", len(elements)),
		zap.Int("in_backoff", skippedBackoff),
		zap.Int("collected", collected),
		zap.Int("inserted", flush.Inserted),
		zap.Int("failed", flush.Failed),
	)

	return nil
}

// inBackoff checks and, when the deadline has passed, clears the
// backoff entry for one element. Check and update are atomic relative
// to the element.
func (a *CollectionAgent) inBackoff(elementID int64) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	until, ok := a.backoff[elementID]
	if !ok {
		return time.Time{}, false
	}
	if a.clock().Before(until) {
		return until, true
	}
	delete(a.backoff, elementID)
	return time.Time{}, false
}

func (a *CollectionAgent) markOffline(element registry.MeterElement) {
	until := a.clock().Add(a.cfg.OfflineBackoff)

	a.mu.Lock()
	a.backoff[element.Element.ID] = until
	a.mu.Unlock()

	a.logger.Warn("device offline, element backed off",
		zap.Int64("meter_id", element.Meter.ID),
		zap.String("element", element.Element.Element),
		zap.Duration("backoff", a.cfg.OfflineBackoff),
		zap.Time("until", until),
	)
}
