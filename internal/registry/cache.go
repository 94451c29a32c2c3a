package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"go.uber.org/zap"
)

// ConfigSource loads configuration rows from the local database.
type ConfigSource interface {
	Registers(ctx context.Context) ([]db.Register, error)
	Meters(ctx context.Context) ([]db.Meter, error)
	MeterElements(ctx context.Context) ([]db.MeterElement, error)
	DeviceRegisters(ctx context.Context) ([]db.DeviceRegister, error)
}

// MeterElement pairs an element with its owning meter so collection can
// resolve the device connection without further lookups.
type MeterElement struct {
	Meter   db.Meter
	Element db.MeterElement
}

// snapshot is one fully-populated view of the configuration. Readers
// hold a snapshot for the duration of one lookup or one cycle; reload
// swaps the whole snapshot, never mutates one in place.
type snapshot struct {
	registersByID     map[int64]db.Register
	registersByNumber map[int]db.Register
	registers         []db.Register
	metersByID        map[int64]db.Meter
	elements          []MeterElement
	deviceRegisters   map[int64][]db.Register
}

// Cache is the in-memory register/meter configuration cache.
type Cache struct {
	source  ConfigSource
	logger  *zap.Logger
	current atomic.Pointer[snapshot]
}

// NewCache creates an empty cache. Initialize must be called before use.
func NewCache(source ConfigSource, logger *zap.Logger) *Cache {
	return &Cache{source: source, logger: logger}
}

// Initialize loads all configuration into memory.
func (c *Cache) Initialize(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize register cache: %w", err)
	}
	c.current.Store(snap)
	c.logger.Info("register cache loaded",
		zap.Int("registers", len(snap.registers)),
		zap.Int("meters", len(snap.metersByID)),
		zap.Int("elements", len(snap.elements)),
	)
	return nil
}

// Reload rebuilds the cache. Safe to call while collection is in
// flight: readers see either the old or the fully-built new snapshot.
// A reload failure keeps the previous snapshot so collection continues
// on stale configuration.
func (c *Cache) Reload(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		c.logger.Error("register cache reload failed, keeping previous snapshot", zap.Error(err))
		return fmt.Errorf("failed to reload register cache: %w", err)
	}
	c.current.Store(snap)
	c.logger.Info("register cache reloaded",
		zap.Int("registers", len(snap.registers)),
		zap.Int("meters", len(snap.metersByID)),
		zap.Int("elements", len(snap.elements)),
	)
	return nil
}

func (c *Cache) build(ctx context.Context) (*snapshot, error) {
	registers, err := c.source.Registers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registers: %w", err)
	}
	meters, err := c.source.Meters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load meters: %w", err)
	}
	elements, err := c.source.MeterElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load meter elements: %w", err)
	}
	associations, err := c.source.DeviceRegisters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device registers: %w", err)
	}

	snap := &snapshot{
		registersByID:     make(map[int64]db.Register, len(registers)),
		registersByNumber: make(map[int]db.Register, len(registers)),
		registers:         registers,
		metersByID:        make(map[int64]db.Meter, len(meters)),
		deviceRegisters:   make(map[int64][]db.Register),
	}

	for _, r := range registers {
		snap.registersByID[r.ID] = r
		snap.registersByNumber[r.Number] = r
	}
	for _, m := range meters {
		snap.metersByID[m.ID] = m
	}
	for _, e := range elements {
		m, ok := snap.metersByID[e.MeterID]
		if !ok {
			c.logger.Warn("meter element references unknown meter, skipping",
				zap.Int64("meter_element_id", e.ID),
				zap.Int64("meter_id", e.MeterID),
			)
			continue
		}
		snap.elements = append(snap.elements, MeterElement{Meter: m, Element: e})
	}
	for _, a := range associations {
		r, ok := snap.registersByID[a.RegisterID]
		if !ok {
			c.logger.Warn("device register references unknown register, skipping",
				zap.Int64("device_id", a.DeviceID),
				zap.Int64("register_id", a.RegisterID),
			)
			continue
		}
		snap.deviceRegisters[a.DeviceID] = append(snap.deviceRegisters[a.DeviceID], r)
	}

	return snap, nil
}

func (c *Cache) snapshot() *snapshot {
	snap := c.current.Load()
	if snap == nil {
		return &snapshot{}
	}
	return snap
}

// Register looks up a register by id.
func (c *Cache) Register(id int64) (db.Register, bool) {
	r, ok := c.snapshot().registersByID[id]
	return r, ok
}

// RegisterByNumber looks up a register by its register number.
func (c *Cache) RegisterByNumber(number int) (db.Register, bool) {
	r, ok := c.snapshot().registersByNumber[number]
	return r, ok
}

// AllRegisters returns every cached register.
func (c *Cache) AllRegisters() []db.Register {
	return c.snapshot().registers
}

// Meter looks up a meter by id.
func (c *Cache) Meter(id int64) (db.Meter, bool) {
	m, ok := c.snapshot().metersByID[id]
	return m, ok
}

// ActiveElements returns the meter elements eligible for collection:
// the element and its owning meter are both active.
func (c *Cache) ActiveElements() []MeterElement {
	var active []MeterElement
	for _, e := range c.snapshot().elements {
		if e.Meter.Active && e.Element.Active {
			active = append(active, e)
		}
	}
	return active
}

// DeviceRegisters returns the registers configured for a device.
// Registers not in this association are never read.
func (c *Cache) DeviceRegisters(deviceID int64) []db.Register {
	return c.snapshot().deviceRegisters[deviceID]
}
