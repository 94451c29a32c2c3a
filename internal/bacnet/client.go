package bacnet

import (
	"context"
	"fmt"

	"github.com/facilityhub/meter-sync-agent/internal/config"
	"go.uber.org/zap"
)

// DeviceClient reads register points from a device, degrading from
// batch reads to sequential reads as the device allows. Real devices
// vary widely in how much concurrent load they tolerate, so the
// connectivity check, adaptive batching and sequential fallback are
// each independently toggleable.
type DeviceClient struct {
	transport PointReader
	cfg       config.BACnetConfig
	logger    *zap.Logger
}

// NewDeviceClient creates a new device client
func NewDeviceClient(transport PointReader, cfg config.BACnetConfig, logger *zap.Logger) *DeviceClient {
	return &DeviceClient{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// ReadPoints reads the given points from the device. Returns
// ErrDeviceOffline when the connectivity check fails; otherwise
// returns the readings that could be obtained, which may be a subset
// of the requested points in sequential mode.
func (c *DeviceClient) ReadPoints(ctx context.Context, device Device, points []Point) ([]Reading, error) {
	if len(points) == 0 {
		return nil, nil
	}

	if c.cfg.ConnectivityCheck {
		if err := c.transport.CheckConnectivity(ctx, device, c.cfg.ConnectTimeout); err != nil {
			c.logger.Warn("device connectivity check failed",
				zap.String("address", device.Address),
				zap.Int64("device_id", device.DeviceID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, device.Address)
		}
	}

	batchEnabled := c.cfg.MaxBatchSize > 1
	if batchEnabled {
		readings, err := c.readBatched(ctx, device, points)
		if err == nil {
			return readings, nil
		}
		if !c.cfg.SequentialFallback {
			return nil, err
		}
		c.logger.Warn("batch reads exhausted, falling back to sequential",
			zap.String("address", device.Address),
			zap.Error(err),
		)
	}

	if !batchEnabled && !c.cfg.SequentialFallback {
		return nil, fmt.Errorf("device %s: batch reads disabled and sequential fallback disabled", device.Address)
	}

	return c.readSequential(ctx, device, points)
}

// readBatched reads the points in chunks of the current batch size,
// halving the size on timeout while adaptive batching is enabled.
func (c *DeviceClient) readBatched(ctx context.Context, device Device, points []Point) ([]Reading, error) {
	size := c.cfg.MaxBatchSize
	if size > len(points) {
		size = len(points)
	}

	for {
		readings, err := c.readChunks(ctx, device, points, size)
		if err == nil {
			return readings, nil
		}

		if !c.cfg.AdaptiveBatching || !isTimeout(err) || size <= 1 {
			return nil, err
		}

		size /= 2
		if size < 1 {
			size = 1
		}
		c.logger.Info("batch read timed out, halving batch size",
			zap.String("address", device.Address),
			zap.Int("new_batch_size", size),
		)
	}
}

func (c *DeviceClient) readChunks(ctx context.Context, device Device, points []Point, size int) ([]Reading, error) {
	var readings []Reading
	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}
		chunk, err := c.transport.ReadBatch(ctx, device, points[start:end], c.cfg.BatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("batch read of %d points failed: %w", end-start, err)
		}
		readings = append(readings, chunk...)
	}
	return readings, nil
}

// readSequential reads points one at a time. A failed point is logged
// and skipped so one bad register never costs the whole element; an
// error is returned only when every point failed.
func (c *DeviceClient) readSequential(ctx context.Context, device Device, points []Point) ([]Reading, error) {
	var readings []Reading
	var lastErr error

	for _, point := range points {
		reading, err := c.transport.ReadSingle(ctx, device, point, c.cfg.SequentialTimeout)
		if err != nil {
			lastErr = err
			c.logger.Warn("sequential read failed, skipping point",
				zap.String("address", device.Address),
				zap.Int("register_number", point.RegisterNumber),
				zap.Error(err),
			)
			continue
		}
		readings = append(readings, reading)
	}

	if len(readings) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all sequential reads failed for device %s: %w", device.Address, lastErr)
	}

	return readings, nil
}
