package status

import (
	"context"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/batcher"
	"github.com/facilityhub/meter-sync-agent/internal/syncer"
)

// Pinger reports database reachability. Implemented by both
// repositories.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueCounter reports the local pending-reading queue depth.
// Implemented by repository.LocalRepository.
type QueueCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// CycleReporter exposes the cycle outcomes of one sync manager: the
// latest cycle plus the latest success and failure, kept separately so
// a failing run never hides when the manager last succeeded.
type CycleReporter interface {
	LastResult() syncer.CycleResult
	LastSuccess() syncer.CycleResult
	LastFailure() syncer.CycleResult
}

// Report is the operator-facing status document.
type Report struct {
	Running            bool         `json:"running"`
	StartedAt          time.Time    `json:"started_at"`
	QueueSize          int64        `json:"queue_size"`
	TotalSynced        int64        `json:"total_synced"`
	LocalDBConnected   bool         `json:"local_db_connected"`
	RemoteDBConnected  bool         `json:"remote_db_connected"`
	CollectionInterval IntervalInfo `json:"collection_interval"`
	UploadInterval     IntervalInfo `json:"upload_interval"`
	DownloadInterval   IntervalInfo `json:"download_interval"`
	Upload             SyncStatus   `json:"upload"`
	Download           SyncStatus   `json:"download"`
	LastFlush          FlushStatus  `json:"last_flush"`
}

// SyncStatus reports one sync manager's recent history.
type SyncStatus struct {
	Last        CycleStatus `json:"last"`
	LastSuccess CycleStatus `json:"last_success"`
	LastFailure CycleStatus `json:"last_failure"`
}

// IntervalInfo reports both the configured and the effective interval
// so any drift between the two is operator-visible.
type IntervalInfo struct {
	ConfiguredSeconds int64 `json:"configured_seconds"`
	EffectiveSeconds  int64 `json:"effective_seconds"`
}

// CycleStatus reports one sync manager's most recent cycle.
type CycleStatus struct {
	Success     bool      `json:"success"`
	FinishedAt  time.Time `json:"finished_at"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Deactivated int       `json:"deactivated"`
	Error       string    `json:"error,omitempty"`
}

// FlushStatus reports the batcher's most recent flush.
type FlushStatus struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// TotalCounter exposes the running total of uploaded readings.
type TotalCounter interface {
	TotalUploaded() int64
}

// Service aggregates the agent's operational status.
type Service struct {
	startedAt time.Time
	local     Pinger
	remote    Pinger
	queue     QueueCounter
	upload    CycleReporter
	download  CycleReporter
	totals    TotalCounter
	batch     *batcher.Batcher

	collectionInterval time.Duration
	uploadInterval     time.Duration
	downloadInterval   time.Duration
}

// NewService creates a new status service
func NewService(
	local Pinger,
	remote Pinger,
	queue QueueCounter,
	upload CycleReporter,
	download CycleReporter,
	totals TotalCounter,
	batch *batcher.Batcher,
	collectionInterval, uploadInterval, downloadInterval time.Duration,
) *Service {
	return &Service{
		startedAt:          time.Now(),
		local:              local,
		remote:             remote,
		queue:              queue,
		upload:             upload,
		download:           download,
		totals:             totals,
		batch:              batch,
		collectionInterval: collectionInterval,
		uploadInterval:     uploadInterval,
		downloadInterval:   downloadInterval,
	}
}

// Report builds the current status document.
func (s *Service) Report(ctx context.Context) Report {
	report := Report{
		Running:            true,
		StartedAt:          s.startedAt,
		LocalDBConnected:   s.local.Ping(ctx) == nil,
		RemoteDBConnected:  s.remote.Ping(ctx) == nil,
		TotalSynced:        s.totals.TotalUploaded(),
		CollectionInterval: intervalInfo(s.collectionInterval),
		UploadInterval:     intervalInfo(s.uploadInterval),
		DownloadInterval:   intervalInfo(s.downloadInterval),
		Upload:             syncStatus(s.upload),
		Download:           syncStatus(s.download),
	}

	if depth, err := s.queue.PendingCount(ctx); err == nil {
		report.QueueSize = depth
	}

	flush := s.batch.Metrics()
	report.LastFlush = FlushStatus{
		Processed: flush.Processed,
		Inserted:  flush.Inserted,
		Failed:    flush.Failed,
		Skipped:   flush.Skipped,
	}

	return report
}

func intervalInfo(d time.Duration) IntervalInfo {
	seconds := int64(d / time.Second)
	// Configured and effective are the same value by construction; the
	// split reporting exists so a future divergence is visible.
	return IntervalInfo{ConfiguredSeconds: seconds, EffectiveSeconds: seconds}
}

func syncStatus(r CycleReporter) SyncStatus {
	return SyncStatus{
		Last:        cycleStatus(r.LastResult()),
		LastSuccess: cycleStatus(r.LastSuccess()),
		LastFailure: cycleStatus(r.LastFailure()),
	}
}

func cycleStatus(r syncer.CycleResult) CycleStatus {
	return CycleStatus{
		Success:     r.Success,
		FinishedAt:  r.FinishedAt,
		Inserted:    r.Inserted,
		Updated:     r.Updated,
		Deactivated: r.Deactivated,
		Error:       r.Error,
	}
}
