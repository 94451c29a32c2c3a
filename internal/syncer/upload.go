package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/logging"
	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/facilityhub/meter-sync-agent/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CycleResult summarizes the most recent cycle of one sync manager.
type CycleResult struct {
	FinishedAt  time.Time
	Success     bool
	Inserted    int
	Updated     int
	Deactivated int
	Failed      int
	Error       string
}

// LocalReadingStore is the local side of the upload path.
// Implemented by repository.LocalRepository.
type LocalReadingStore interface {
	PendingReadings(ctx context.Context, limit int) ([]db.MeterReading, error)
	DeleteReadings(ctx context.Context, ids []uuid.UUID) error
	PendingCount(ctx context.Context) (int64, error)
	InsertSyncLog(ctx context.Context, entry db.SyncLog) error
}

// RemoteReadingSink is the remote side of the upload path.
// Implemented by repository.RemoteRepository.
type RemoteReadingSink interface {
	Ping(ctx context.Context) error
	InsertReadings(ctx context.Context, readings []db.MeterReading) error
}

// UploadManager relays unsynchronized local readings to the remote
// database. Local rows are deleted only after the remote transaction
// commits: a crash between upload and delete re-uploads the rows on
// the next cycle, trading duplicate remote rows for at-least-once
// delivery.
type UploadManager struct {
	local      LocalReadingStore
	remote     RemoteReadingSink
	batchSize  int
	logger     *zap.Logger
	instr      *metrics.Metrics
	connPolicy retry.Policy
	qryPolicy  retry.Policy
	clock      func() time.Time

	mu            sync.Mutex
	last          CycleResult
	lastSuccess   CycleResult
	lastFailure   CycleResult
	totalUploaded int64
}

// NewUploadManager creates a new upload sync manager
func NewUploadManager(local LocalReadingStore, remote RemoteReadingSink, batchSize int, instr *metrics.Metrics, logger *zap.Logger) *UploadManager {
	return &UploadManager{
		local:      local,
		remote:     remote,
		batchSize:  batchSize,
		logger:     logger,
		instr:      instr,
		connPolicy: retry.ConnectionPolicy(),
		qryPolicy:  retry.QueryPolicy(),
		clock:      time.Now,
	}
}

// WithRetryPolicies overrides the connection and query retry
// policies. Used by tests.
func (m *UploadManager) WithRetryPolicies(conn, query retry.Policy) *UploadManager {
	m.connPolicy = conn
	m.qryPolicy = query
	return m
}

// WithClock overrides the manager clock. Used by tests.
func (m *UploadManager) WithClock(clock func() time.Time) *UploadManager {
	m.clock = clock
	return m
}

// LastResult returns the outcome of the most recent cycle.
func (m *UploadManager) LastResult() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// LastSuccess returns the most recent successful cycle. A failing
// cycle never overwrites it.
func (m *UploadManager) LastSuccess() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// LastFailure returns the most recent failed cycle.
func (m *UploadManager) LastFailure() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// TotalUploaded returns the number of readings confirmed uploaded
// since startup.
func (m *UploadManager) TotalUploaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalUploaded
}

// RunCycle executes one upload cycle. Failures never crash the
// process; an exhausted retry logs a critical error and defers to the
// next scheduled cycle.
func (m *UploadManager) RunCycle(ctx context.Context) error {
	cycleID := uuid.New()
	started := m.clock()
	logger := logging.WithCycleID(m.logger, cycleID.String())

	uploaded, err := m.runUpload(ctx, logger)
	finished := m.clock()

	result := CycleResult{
		FinishedAt: finished,
		Success:    err == nil,
		Inserted:   uploaded,
	}
	var errText *string
	if err != nil {
		result.Failed = 1
		msg := err.Error()
		result.Error = msg
		errText = &msg
		logger.Error("[SYNC] upload cycle failed", zap.Error(err))
	}

	m.mu.Lock()
	m.last = result
	if result.Success {
		m.lastSuccess = result
	} else {
		m.lastFailure = result
	}
	m.totalUploaded += int64(uploaded)
	m.mu.Unlock()

	if m.instr != nil {
		m.instr.ReadingsUploaded.Add(float64(uploaded))
	}

	entry := db.SyncLog{
		ID:         cycleID,
		CycleType:  "upload",
		StartedAt:  started,
		FinishedAt: finished,
		Inserted:   uploaded,
		Failed:     result.Failed,
		Error:      errText,
	}
	if logErr := m.local.InsertSyncLog(ctx, entry); logErr != nil {
		logger.Error("failed to record sync log entry", zap.Error(logErr))
	}

	m.updateQueueDepth(ctx, logger)

	return err
}

func (m *UploadManager) runUpload(ctx context.Context, logger *zap.Logger) (int, error) {
	// Connection-level failures get the longer exponential policy.
	if _, err := retry.Do(ctx, logger, "remote connection check", m.connPolicy, m.remote.Ping); err != nil {
		return 0, fmt.Errorf("[SYNC] remote database unreachable: %w", err)
	}

	var pending []db.MeterReading
	if _, err := retry.Do(ctx, logger, "query pending readings", m.qryPolicy, func(ctx context.Context) error {
		var qerr error
		pending, qerr = m.local.PendingReadings(ctx, m.batchSize)
		return qerr
	}); err != nil {
		return 0, fmt.Errorf("[SYNC] failed to query pending readings: %w", err)
	}

	if len(pending) == 0 {
		logger.Info("no pending readings to upload")
		return 0, nil
	}

	if _, err := retry.Do(ctx, logger, "remote reading insert", m.qryPolicy, func(ctx context.Context) error {
		return m.remote.InsertReadings(ctx, pending)
	}); err != nil {
		// Remote transaction rolled back; local rows stay untouched
		// and are picked up by the next cycle.
		return 0, fmt.Errorf("[SYNC] remote insert failed, local readings retained: %w", err)
	}

	ids := make([]uuid.UUID, len(pending))
	for i, reading := range pending {
		ids[i] = reading.ID
	}

	if _, err := retry.Do(ctx, logger, "delete uploaded readings", m.qryPolicy, func(ctx context.Context) error {
		return m.local.DeleteReadings(ctx, ids)
	}); err != nil {
		// Remote already committed. The rows will be re-uploaded next
		// cycle and deduplicated downstream as tolerated duplicates.
		logger.Error("[SYNC] failed to delete uploaded readings, duplicates possible on next cycle", zap.Error(err))
		return len(pending), fmt.Errorf("[SYNC] failed to delete uploaded readings: %w", err)
	}

	logger.Info("upload batch relayed",
		zap.Int("readings", len(pending)),
	)

	return len(pending), nil
}

func (m *UploadManager) updateQueueDepth(ctx context.Context, logger *zap.Logger) {
	if m.instr == nil {
		return
	}
	depth, err := m.local.PendingCount(ctx)
	if err != nil {
		logger.Warn("failed to read pending queue depth", zap.Error(err))
		return
	}
	m.instr.PendingQueueDepth.Set(float64(depth))
}
