package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/bacnet"
	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// elementStride is the register-number distance between consecutive
// meter elements sharing one device: element A reads the base
// register, B reads base+10000, C reads base+20000 and so on.
const elementStride = 10000

// ElementRegisterNumber computes the register number an element reads
// for a given base register. Pure function of (base, element letter).
func ElementRegisterNumber(baseRegister int, element string) (int, error) {
	if len(element) != 1 || element[0] < 'A' || element[0] > 'Z' {
		return 0, fmt.Errorf("invalid meter element %q: must be a single letter A-Z", element)
	}
	offset := int(element[0] - 'A')
	return baseRegister + offset*elementStride, nil
}

// DeviceReader reads register points from one device. Implemented by
// bacnet.DeviceClient.
type DeviceReader interface {
	ReadPoints(ctx context.Context, device bacnet.Device, points []bacnet.Point) ([]bacnet.Reading, error)
}

// Collector turns one meter element into pending readings: it resolves
// the element's configured registers, reads them from the device and
// maps raw register numbers back to field names.
type Collector struct {
	cache  *registry.Cache
	reader DeviceReader
	logger *zap.Logger
	now    func() time.Time
}

// NewCollector creates a new collector
func NewCollector(cache *registry.Cache, reader DeviceReader, logger *zap.Logger) *Collector {
	return &Collector{
		cache:  cache,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the collector's clock. Used by tests.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect reads every configured register of one meter element and
// returns the pending readings. Register numbers with no cache entry
// are logged and dropped: the persisted schema requires a non-empty
// data_point, so an unmapped reading is never stored.
func (c *Collector) Collect(ctx context.Context, element registry.MeterElement) ([]db.PendingReading, error) {
	meter := element.Meter
	registers := c.cache.DeviceRegisters(meter.DeviceID)
	if len(registers) == 0 {
		c.logger.Warn("no registers configured for device, skipping element",
			zap.Int64("meter_id", meter.ID),
			zap.Int64("device_id", meter.DeviceID),
			zap.String("element", element.Element.Element),
		)
		return nil, nil
	}

	points := make([]bacnet.Point, 0, len(registers))
	for _, reg := range registers {
		number, err := ElementRegisterNumber(reg.Number, element.Element.Element)
		if err != nil {
			return nil, fmt.Errorf("meter %d element %s: %w", meter.ID, element.Element.Element, err)
		}
		points = append(points, bacnet.Point{RegisterNumber: number, FieldName: reg.FieldName})
	}

	device := bacnet.Device{Address: meter.IP, Port: meter.Port, DeviceID: meter.DeviceID}
	results, err := c.reader.ReadPoints(ctx, device, points)
	if err != nil {
		return nil, fmt.Errorf("failed to read meter %d element %s: %w", meter.ID, element.Element.Element, err)
	}

	timestamp := c.now()
	readings := make([]db.PendingReading, 0, len(results))
	for _, result := range results {
		reg, ok := c.lookupRegister(result.RegisterNumber, element.Element.Element)
		if !ok {
			c.logger.Warn("reading for unconfigured register dropped",
				zap.Int64("meter_id", meter.ID),
				zap.String("element", element.Element.Element),
				zap.Int("register_number", result.RegisterNumber),
			)
			continue
		}

		readings = append(readings, db.PendingReading{
			ID:             uuid.New(),
			MeterID:        meter.ID,
			MeterElementID: element.Element.ID,
			Timestamp:      timestamp,
			Value:          result.Value,
			Unit:           reg.Unit,
			DataPoint:      reg.FieldName,
			Synchronized:   false,
			RetryCount:     0,
		})
	}

	return readings, nil
}

// lookupRegister resolves a returned register number back to its
// configuration entry. Devices answer with the element-adjusted
// number, so the base number is recovered from the element offset
// before the direct lookup is tried.
func (c *Collector) lookupRegister(number int, element string) (db.Register, bool) {
	if reg, ok := c.cache.RegisterByNumber(number); ok {
		return reg, true
	}

	offset := int(element[0]-'A') * elementStride
	if offset > 0 && number >= offset {
		if reg, ok := c.cache.RegisterByNumber(number - offset); ok {
			return reg, true
		}
	}

	return db.Register{}, false
}
