package main

import (
	"context"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/bacnet"
	"github.com/facilityhub/meter-sync-agent/internal/batcher"
	"github.com/facilityhub/meter-sync-agent/internal/collector"
	"github.com/facilityhub/meter-sync-agent/internal/config"
	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/events"
	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/facilityhub/meter-sync-agent/internal/registry"
	"github.com/facilityhub/meter-sync-agent/internal/repository"
	"github.com/facilityhub/meter-sync-agent/internal/scheduler"
	"github.com/facilityhub/meter-sync-agent/internal/status"
	"github.com/facilityhub/meter-sync-agent/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startAgent builds the three scheduled tasks and ties them to the fx
// lifecycle. The first download cycle and the cache load run before
// the schedulers start so collection never begins on an empty
// configuration.
func startAgent(
	lc fx.Lifecycle,
	cfg *config.Config,
	cache *registry.Cache,
	agent *scheduler.CollectionAgent,
	batch *batcher.Batcher,
	upload *syncer.UploadManager,
	download *syncer.DownloadManager,
	publisher *events.Publisher,
	instr *metrics.Metrics,
	logger *zap.Logger,
	_ *status.Server,
) error {
	collectionTask, err := scheduler.NewTask("collection", cfg.Collection.Interval, func(ctx context.Context) error {
		err := agent.RunCycle(ctx)
		publishCollection(ctx, publisher, cfg.TenantID, batch.Metrics(), logger)
		return err
	}, instr, logger)
	if err != nil {
		return err
	}

	uploadTask, err := scheduler.NewTask("upload", cfg.Sync.UploadInterval, func(ctx context.Context) error {
		err := upload.RunCycle(ctx)
		publishSyncCycle(ctx, publisher, cfg.TenantID, "upload", upload.LastResult(), logger)
		return err
	}, instr, logger)
	if err != nil {
		return err
	}

	downloadTask, err := scheduler.NewTask("download", cfg.Sync.DownloadInterval, func(ctx context.Context) error {
		err := download.RunCycle(ctx)
		publishSyncCycle(ctx, publisher, cfg.TenantID, "download", download.LastResult(), logger)
		return err
	}, instr, logger)
	if err != nil {
		return err
	}

	syncScheduler := scheduler.NewSyncScheduler(uploadTask, downloadTask, logger)

	// Cycles run on their own context so they are not bound to the fx
	// startup deadline. On stop the tasks drain first and cancel fires
	// after, so an in-flight transaction commits or rolls back on its
	// own terms.
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// Pull configuration before anything else so a fresh
			// install starts with a populated local mirror.
			if err := download.RunCycle(startCtx); err != nil {
				logger.Warn("initial configuration download failed, continuing with local mirror", zap.Error(err))
			}
			if err := cache.Initialize(startCtx); err != nil {
				cancel()
				return err
			}
			if err := collectionTask.Start(runCtx); err != nil {
				cancel()
				return err
			}
			if err := syncScheduler.Start(runCtx); err != nil {
				cancel()
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			collectionTask.Stop()
			syncScheduler.Stop()
			cancel()

			// Final flush so readings collected since the last cycle
			// survive the restart.
			if m := batch.Flush(ctx); m.Failed > 0 {
				logger.Warn("final flush left readings in memory", zap.Int("failed", m.Failed))
			}
			logger.Info("agent stopped gracefully")
			return nil
		},
	})

	return nil
}

func publishSyncCycle(ctx context.Context, publisher *events.Publisher, tenantID int64, cycleType string, result syncer.CycleResult, logger *zap.Logger) {
	err := publisher.PublishSyncCycle(ctx, events.SyncCycleEvent{
		TenantID:    tenantID,
		CycleType:   cycleType,
		Success:     result.Success,
		Inserted:    result.Inserted,
		Updated:     result.Updated,
		Deactivated: result.Deactivated,
		Failed:      result.Failed,
		FinishedAt:  result.FinishedAt,
		Error:       result.Error,
	})
	if err != nil {
		logger.Warn("failed to publish sync cycle event", zap.Error(err))
	}
}

func publishCollection(ctx context.Context, publisher *events.Publisher, tenantID int64, m batcher.InsertionMetrics, logger *zap.Logger) {
	err := publisher.PublishCollection(ctx, events.CollectionEvent{
		TenantID:   tenantID,
		Collected:  m.Processed,
		Inserted:   m.Inserted,
		Rejected:   m.Skipped,
		FinishedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("failed to publish collection event", zap.Error(err))
	}
}

// ProvideMetrics creates the agent's prometheus instruments
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideLocalPool creates the connection pool for the on-site database
func ProvideLocalPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.LocalPool, error) {
	return db.NewLocalPool(lc, logger, cfg.LocalDB.URL())
}

// ProvideRemotePool creates the connection pool for the central database
func ProvideRemotePool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.RemotePool, error) {
	return db.NewRemotePool(lc, logger, cfg.RemoteDB.URL())
}

// ProvideLocalRepository creates the local repository instance
func ProvideLocalRepository(pool *db.LocalPool) *repository.LocalRepository {
	return repository.NewLocalRepository(pool)
}

// ProvideRemoteRepository creates the remote repository instance
func ProvideRemoteRepository(pool *db.RemotePool) *repository.RemoteRepository {
	return repository.NewRemoteRepository(pool)
}

// ProvideCache creates the register/meter configuration cache
func ProvideCache(local *repository.LocalRepository, logger *zap.Logger) *registry.Cache {
	return registry.NewCache(local, logger)
}

// ProvideDeviceClient creates the BACnet device client
func ProvideDeviceClient(cfg *config.Config, logger *zap.Logger) *bacnet.DeviceClient {
	return bacnet.NewDeviceClient(bacnet.NewUDPTransport(), cfg.BACnet, logger)
}

// ProvideCollector creates the meter element collector
func ProvideCollector(cache *registry.Cache, client *bacnet.DeviceClient, logger *zap.Logger) *collector.Collector {
	return collector.NewCollector(cache, client, logger)
}

// ProvideBatcher creates the reading batcher
func ProvideBatcher(local *repository.LocalRepository, instr *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *batcher.Batcher {
	return batcher.NewBatcher(local, instr, cfg.Collection.FutureSkew, logger)
}

// ProvideCollectionAgent creates the collection cycle agent
func ProvideCollectionAgent(
	cache *registry.Cache,
	coll *collector.Collector,
	batch *batcher.Batcher,
	cfg *config.Config,
	instr *metrics.Metrics,
	logger *zap.Logger,
) *scheduler.CollectionAgent {
	return scheduler.NewCollectionAgent(cache, coll, batch, cfg.Collection, instr, logger)
}

// ProvideUploadManager creates the upload sync manager
func ProvideUploadManager(
	local *repository.LocalRepository,
	remote *repository.RemoteRepository,
	cfg *config.Config,
	instr *metrics.Metrics,
	logger *zap.Logger,
) *syncer.UploadManager {
	return syncer.NewUploadManager(local, remote, cfg.Sync.UploadBatchSize, instr, logger)
}

// ProvideDownloadManager creates the download sync manager
func ProvideDownloadManager(
	local *repository.LocalRepository,
	remote *repository.RemoteRepository,
	cache *registry.Cache,
	cfg *config.Config,
	instr *metrics.Metrics,
	logger *zap.Logger,
) *syncer.DownloadManager {
	return syncer.NewDownloadManager(local, remote, cache, cfg.TenantID, instr, logger)
}

// ProvidePublisher creates the event publisher. Publishing is optional
// and disabled when AMQP_URL is unset; a nil publisher is a no-op.
func ProvidePublisher(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*events.Publisher, error) {
	if cfg.AMQP.URL == "" {
		logger.Info("event publishing disabled, AMQP_URL not set")
		return nil, nil
	}
	return events.NewPublisher(lc, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
}

// ProvideStatusService creates the status aggregation service
func ProvideStatusService(
	local *repository.LocalRepository,
	remote *repository.RemoteRepository,
	upload *syncer.UploadManager,
	download *syncer.DownloadManager,
	batch *batcher.Batcher,
	cfg *config.Config,
) *status.Service {
	return status.NewService(
		local,
		remote,
		local,
		upload,
		download,
		upload,
		batch,
		cfg.Collection.Interval,
		cfg.Sync.UploadInterval,
		cfg.Sync.DownloadInterval,
	)
}

// ProvideStatusServer creates the status HTTP server
func ProvideStatusServer(lc fx.Lifecycle, service *status.Service, instr *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *status.Server {
	return status.NewServer(lc, service, instr, cfg.StatusPort, logger)
}
