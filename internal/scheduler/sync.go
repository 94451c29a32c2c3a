package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// SyncScheduler owns the lifecycle of the upload and download tasks.
// Each task keeps its own single-flight guard and its own interval, so
// a slow download cycle never blocks uploads and vice versa; the
// scheduler itself only starts and stops them.
type SyncScheduler struct {
	upload   *Task
	download *Task
	logger   *zap.Logger
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(upload, download *Task, logger *zap.Logger) *SyncScheduler {
	return &SyncScheduler{
		upload:   upload,
		download: download,
		logger:   logger,
	}
}

// Start schedules both sync tasks.
func (s *SyncScheduler) Start(ctx context.Context) error {
	if err := s.upload.Start(ctx); err != nil {
		return err
	}
	if err := s.download.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("sync scheduler started",
		zap.Duration("upload_interval", s.upload.Interval()),
		zap.Duration("download_interval", s.download.Interval()),
	)
	return nil
}

// Stop prevents new cycles and waits for running cycles to finish.
func (s *SyncScheduler) Stop() {
	s.upload.Stop()
	s.download.Stop()
	s.logger.Info("sync scheduler stopped")
}
