package batcher_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/batcher"
	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeStore struct {
	batches   [][]db.PendingReading
	failFirst int
	calls     int
}

func (f *fakeStore) InsertReadingBatch(ctx context.Context, readings []db.PendingReading) error {
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("connection reset")
	}
	batch := make([]db.PendingReading, len(readings))
	copy(batch, readings)
	f.batches = append(f.batches, batch)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}
}

func validReading(ts time.Time) db.PendingReading {
	return db.PendingReading{
		ID:        uuid.New(),
		MeterID:   10,
		Timestamp: ts,
		Value:     240.5,
		Unit:      "V",
		DataPoint: "voltage",
	}
}

func validReadings(n int, ts time.Time) []db.PendingReading {
	readings := make([]db.PendingReading, n)
	for i := range readings {
		readings[i] = validReading(ts)
	}
	return readings
}

func newTestBatcher(store *fakeStore, now time.Time) *batcher.Batcher {
	return batcher.NewBatcher(store, nil, 30*time.Second, zap.NewNop()).
		WithRetryPolicy(fastPolicy()).
		WithClock(func() time.Time { return now })
}

func TestFlush_ChunksAtHundredRows(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	b := newTestBatcher(store, now)

	// 250 valid readings: expect 3 transactions of 100/100/50.
	b.Add(validReadings(250, now))
	m := b.Flush(context.Background())

	if len(store.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(store.batches))
	}
	sizes := []int{len(store.batches[0]), len(store.batches[1]), len(store.batches[2])}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("expected batch sizes 100/100/50, got %v", sizes)
	}
	if m.Inserted != 250 || m.Failed != 0 || m.Skipped != 0 {
		t.Errorf("expected inserted=250 failed=0 skipped=0, got %+v", m)
	}
	if b.CacheSize() != 0 {
		t.Errorf("expected empty cache after full commit, got %d", b.CacheSize())
	}
}

func TestFlush_ChunkBoundForAnySize(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	for _, n := range []int{1, 99, 100, 101, 307} {
		store := &fakeStore{}
		b := newTestBatcher(store, now)
		b.Add(validReadings(n, now))
		b.Flush(context.Background())

		wantChunks := (n + 99) / 100
		if len(store.batches) != wantChunks {
			t.Errorf("n=%d: expected %d chunks, got %d", n, wantChunks, len(store.batches))
		}
		for _, batch := range store.batches {
			if len(batch) > 100 {
				t.Errorf("n=%d: chunk of %d rows exceeds bound", n, len(batch))
			}
		}
	}
}

func TestValidate_ExcludesInvalidReadings(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	b := newTestBatcher(&fakeStore{}, now)

	missing := validReading(now)
	missing.MeterID = 0
	future := validReading(now.Add(time.Hour))
	nan := validReading(now)
	nan.Value = math.NaN()
	inf := validReading(now)
	inf.Value = math.Inf(1)
	noPoint := validReading(now)
	noPoint.DataPoint = ""
	noStamp := validReading(now)
	noStamp.Timestamp = time.Time{}
	synced := validReading(now)
	synced.Synchronized = true

	input := []db.PendingReading{
		validReading(now), missing, future, nan, inf, noPoint, noStamp, synced, validReading(now),
	}
	result := b.Validate(input)

	if len(result.Valid) != 2 {
		t.Errorf("expected 2 valid readings, got %d", len(result.Valid))
	}
	if result.Invalid != 6 {
		t.Errorf("expected 6 invalid readings, got %d", result.Invalid)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped reading, got %d", result.Skipped)
	}
	if len(result.Valid)+result.Invalid+result.Skipped != len(input) {
		t.Error("valid + invalid + skipped must equal input count")
	}
	if len(result.Errors) != result.Invalid {
		t.Errorf("expected one error per invalid reading, got %d", len(result.Errors))
	}
	for _, ve := range result.Errors {
		if ve.Reason == "" {
			t.Errorf("validation error at index %d has empty reason", ve.Index)
		}
	}
}

func TestFlush_OnlyValidReadingsPersisted(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	b := newTestBatcher(store, now)

	bad := validReading(now)
	bad.DataPoint = ""
	b.Add([]db.PendingReading{validReading(now), bad, validReading(now)})

	m := b.Flush(context.Background())

	if m.Inserted != 2 || m.Skipped != 1 {
		t.Errorf("expected inserted=2 skipped=1, got %+v", m)
	}
	for _, batch := range store.batches {
		for _, r := range batch {
			if r.DataPoint == "" {
				t.Error("invalid reading reached the store")
			}
		}
	}
}

func TestFlush_RetriesThenSucceeds(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{failFirst: 2}
	b := newTestBatcher(store, now)

	b.Add(validReadings(10, now))
	m := b.Flush(context.Background())

	if m.Inserted != 10 {
		t.Errorf("expected 10 inserted after retries, got %d", m.Inserted)
	}
	if m.RetryAttempts != 2 {
		t.Errorf("expected 2 retry attempts, got %d", m.RetryAttempts)
	}
}

func TestFlush_FailedChunkRetainedInCache(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{failFirst: 100} // never succeeds this flush
	b := newTestBatcher(store, now)

	b.Add(validReadings(10, now))
	m := b.Flush(context.Background())

	if m.Failed != 10 || m.Inserted != 0 {
		t.Errorf("expected failed=10 inserted=0, got %+v", m)
	}
	if b.CacheSize() != 10 {
		t.Fatalf("expected failed readings retained in cache, got %d", b.CacheSize())
	}

	// Next flush succeeds and drains the cache.
	store.failFirst = 0
	store.calls = 0
	m = b.Flush(context.Background())
	if m.Inserted != 10 || b.CacheSize() != 0 {
		t.Errorf("expected retained readings inserted on next flush, got %+v cache=%d", m, b.CacheSize())
	}
}

func TestMetrics_ReportsLastFlush(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	b := newTestBatcher(&fakeStore{}, now)

	b.Add(validReadings(5, now))
	b.Flush(context.Background())

	m := b.Metrics()
	if m.Processed != 5 || m.Inserted != 5 {
		t.Errorf("expected processed=5 inserted=5, got %+v", m)
	}
}
