package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/registry"
	"go.uber.org/zap"
)

type fakeSource struct {
	registers []db.Register
	meters    []db.Meter
	elements  []db.MeterElement
	devRegs   []db.DeviceRegister
	fail      bool
}

func (f *fakeSource) Registers(ctx context.Context) ([]db.Register, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.registers, nil
}

func (f *fakeSource) Meters(ctx context.Context) ([]db.Meter, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.meters, nil
}

func (f *fakeSource) MeterElements(ctx context.Context) ([]db.MeterElement, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.elements, nil
}

func (f *fakeSource) DeviceRegisters(ctx context.Context) ([]db.DeviceRegister, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.devRegs, nil
}

func testSource() *fakeSource {
	return &fakeSource{
		registers: []db.Register{
			{ID: 1, Number: 5, FieldName: "voltage", Unit: "V"},
			{ID: 2, Number: 6, FieldName: "current", Unit: "A"},
		},
		meters: []db.Meter{
			{ID: 10, Name: "main", Active: true, IP: "10.0.0.5", Port: 47808, DeviceID: 100},
		},
		elements: []db.MeterElement{
			{ID: 20, MeterID: 10, Element: "A", Active: true},
			{ID: 21, MeterID: 10, Element: "B", Active: true},
		},
		devRegs: []db.DeviceRegister{
			{DeviceID: 100, RegisterID: 1},
			{DeviceID: 100, RegisterID: 2},
		},
	}
}

func TestCache_Lookups(t *testing.T) {
	c := registry.NewCache(testSource(), zap.NewNop())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	r, ok := c.RegisterByNumber(5)
	if !ok || r.FieldName != "voltage" {
		t.Errorf("expected voltage register for number 5, got %+v ok=%v", r, ok)
	}

	if _, ok := c.RegisterByNumber(9999); ok {
		t.Error("expected not-found for unknown register number")
	}

	if _, ok := c.Register(3); ok {
		t.Error("expected not-found for unknown register id")
	}

	if got := len(c.DeviceRegisters(100)); got != 2 {
		t.Errorf("expected 2 device registers, got %d", got)
	}

	if got := len(c.ActiveElements()); got != 2 {
		t.Errorf("expected 2 active elements, got %d", got)
	}
}

func TestCache_InactiveMeterExcluded(t *testing.T) {
	src := testSource()
	src.meters[0].Active = false

	c := registry.NewCache(src, zap.NewNop())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if got := len(c.ActiveElements()); got != 0 {
		t.Errorf("expected no active elements for inactive meter, got %d", got)
	}
}

func TestCache_ReloadFailureKeepsSnapshot(t *testing.T) {
	src := testSource()
	c := registry.NewCache(src, zap.NewNop())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	src.fail = true
	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("expected reload to report failure")
	}

	// Old snapshot must still serve lookups.
	if _, ok := c.RegisterByNumber(5); !ok {
		t.Error("expected stale snapshot to remain after failed reload")
	}
}

func TestCache_ReloadSwapsSnapshot(t *testing.T) {
	src := testSource()
	c := registry.NewCache(src, zap.NewNop())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	src.registers = append(src.registers, db.Register{ID: 3, Number: 7, FieldName: "power", Unit: "W"})
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if _, ok := c.RegisterByNumber(7); !ok {
		t.Error("expected new register after reload")
	}
}

func TestCache_EmptyBeforeInitialize(t *testing.T) {
	c := registry.NewCache(testSource(), zap.NewNop())

	if _, ok := c.RegisterByNumber(5); ok {
		t.Error("expected not-found before initialize")
	}
	if got := len(c.ActiveElements()); got != 0 {
		t.Errorf("expected no elements before initialize, got %d", got)
	}
}
