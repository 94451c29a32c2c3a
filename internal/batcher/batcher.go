package batcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/facilityhub/meter-sync-agent/internal/retry"
	"go.uber.org/zap"
)

// maxChunkSize bounds the number of rows in a single INSERT. Keeps
// statements small and transactions short.
const maxChunkSize = 100

// ReadingStore persists one batch of readings transactionally.
// Implemented by repository.LocalRepository.
type ReadingStore interface {
	InsertReadingBatch(ctx context.Context, readings []db.PendingReading) error
}

// ValidationError describes one rejected reading.
type ValidationError struct {
	Index  int
	Reason string
}

// ValidationResult holds the outcome of validating a set of readings.
type ValidationResult struct {
	Valid   []db.PendingReading
	Errors  []ValidationError
	Invalid int
	Skipped int
}

// InsertionMetrics reports the most recent flush.
type InsertionMetrics struct {
	Processed     int
	Inserted      int
	Failed        int
	Skipped       int
	RetryAttempts int
	Errors        []string
}

// Batcher accumulates validated readings in memory and persists them
// in bounded transactional batches. Readings of a chunk that never
// committed stay cached so the next flush retries them instead of
// losing them.
type Batcher struct {
	store      ReadingStore
	logger     *zap.Logger
	instr      *metrics.Metrics
	policy     retry.Policy
	futureSkew time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache []db.PendingReading
	last  InsertionMetrics
}

// NewBatcher creates a new reading batcher
func NewBatcher(store ReadingStore, instr *metrics.Metrics, futureSkew time.Duration, logger *zap.Logger) *Batcher {
	return &Batcher{
		store:      store,
		logger:     logger,
		instr:      instr,
		policy:     retry.BatchPolicy(),
		futureSkew: futureSkew,
		now:        time.Now,
	}
}

// WithRetryPolicy overrides the chunk retry policy. Used by tests.
func (b *Batcher) WithRetryPolicy(p retry.Policy) *Batcher {
	b.policy = p
	return b
}

// WithClock overrides the batcher's clock. Used by tests.
func (b *Batcher) WithClock(now func() time.Time) *Batcher {
	b.now = now
	return b
}

// Add appends readings to the in-memory cache.
func (b *Batcher) Add(readings []db.PendingReading) {
	if len(readings) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = append(b.cache, readings...)
}

// CacheSize reports the number of readings awaiting insertion.
func (b *Batcher) CacheSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

// Validate applies the reading validation rules: meter id set,
// timestamp valid and not in the future, value finite, data point
// non-empty. Invalid readings are excluded from insertion but never
// abort the batch. Readings already marked synchronized are skipped.
func (b *Batcher) Validate(readings []db.PendingReading) ValidationResult {
	result := ValidationResult{}
	cutoff := b.now().Add(b.futureSkew)

	for i, reading := range readings {
		if reading.Synchronized {
			result.Skipped++
			continue
		}
		if reason, ok := b.invalidReason(reading, cutoff); !ok {
			result.Invalid++
			result.Errors = append(result.Errors, ValidationError{Index: i, Reason: reason})
			continue
		}
		result.Valid = append(result.Valid, reading)
	}

	return result
}

func (b *Batcher) invalidReason(reading db.PendingReading, cutoff time.Time) (string, bool) {
	if reading.MeterID == 0 {
		return "missing meter id", false
	}
	if reading.Timestamp.IsZero() {
		return "missing timestamp", false
	}
	if reading.Timestamp.After(cutoff) {
		return fmt.Sprintf("timestamp %s is in the future", reading.Timestamp.Format(time.RFC3339)), false
	}
	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		return fmt.Sprintf("value %f is not a finite number", reading.Value), false
	}
	if reading.DataPoint == "" {
		return "empty data point", false
	}
	return "", true
}

// Flush validates the cached readings and persists them in chunks of
// at most 100 rows, each in its own transaction with up to 3 attempts.
// Returns the metrics for this flush.
func (b *Batcher) Flush(ctx context.Context) InsertionMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.cache
	result := b.Validate(pending)

	m := InsertionMetrics{
		Processed: len(pending),
		Skipped:   result.Invalid + result.Skipped,
	}
	for _, ve := range result.Errors {
		b.logger.Warn("reading failed validation, dropped",
			zap.Int("index", ve.Index),
			zap.String("reason", ve.Reason),
		)
		m.Errors = append(m.Errors, ve.Reason)
	}
	if b.instr != nil {
		b.instr.ReadingsRejected.Add(float64(result.Invalid))
	}

	var retained []db.PendingReading
	for start := 0; start < len(result.Valid); start += maxChunkSize {
		end := start + maxChunkSize
		if end > len(result.Valid) {
			end = len(result.Valid)
		}
		chunk := result.Valid[start:end]

		attempts, err := retry.Do(ctx, b.logger, "reading batch insert", b.policy, func(ctx context.Context) error {
			return b.store.InsertReadingBatch(ctx, chunk)
		})
		m.RetryAttempts += attempts - 1

		if err != nil {
			m.Failed += len(chunk)
			m.Errors = append(m.Errors, err.Error())
			// Keep the chunk cached for the next flush.
			retained = append(retained, chunk...)
			b.logger.Error("reading chunk insert failed, retained for next flush",
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			continue
		}

		m.Inserted += len(chunk)
	}

	b.cache = retained
	b.last = m

	if b.instr != nil {
		b.instr.ReadingsInserted.Add(float64(m.Inserted))
		b.instr.InsertRetries.Add(float64(m.RetryAttempts))
	}

	b.logger.Info("flush complete",
		zap.Int("processed", m.Processed),
		zap.Int("inserted", m.Inserted),
		zap.Int("failed", m.Failed),
		zap.Int("skipped", m.Skipped),
		zap.Int("retry_attempts", m.RetryAttempts),
	)

	return m
}

// Metrics returns the metrics of the most recent flush.
func (b *Batcher) Metrics() InsertionMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
