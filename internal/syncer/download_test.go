package syncer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/syncer"
	"go.uber.org/zap"
)

type fakeConfigStore struct {
	meters       map[int64]db.Meter
	elements     map[int64]db.MeterElement
	tenant       *db.Tenant
	registers    []db.Register
	associations []db.DeviceRegister
	logs         []db.SyncLog
	replaces     int
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		meters:   make(map[int64]db.Meter),
		elements: make(map[int64]db.MeterElement),
	}
}

func (f *fakeConfigStore) Meters(ctx context.Context) ([]db.Meter, error) {
	var out []db.Meter
	for _, m := range f.meters {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeConfigStore) MeterElements(ctx context.Context) ([]db.MeterElement, error) {
	var out []db.MeterElement
	for _, e := range f.elements {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeConfigStore) Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeConfigStore) Registers(ctx context.Context) ([]db.Register, error) {
	return f.registers, nil
}

func (f *fakeConfigStore) DeviceRegisters(ctx context.Context) ([]db.DeviceRegister, error) {
	return f.associations, nil
}

func (f *fakeConfigStore) InsertMeter(ctx context.Context, m db.Meter) error {
	if _, exists := f.meters[m.ID]; exists {
		return errors.New("duplicate key")
	}
	f.meters[m.ID] = m
	return nil
}

func (f *fakeConfigStore) UpdateMeter(ctx context.Context, m db.Meter) error {
	f.meters[m.ID] = m
	return nil
}

func (f *fakeConfigStore) DeactivateMeter(ctx context.Context, meterID int64) error {
	m := f.meters[meterID]
	m.Active = false
	f.meters[meterID] = m
	return nil
}

func (f *fakeConfigStore) InsertMeterElement(ctx context.Context, e db.MeterElement) error {
	if _, exists := f.elements[e.ID]; exists {
		return errors.New("duplicate key")
	}
	f.elements[e.ID] = e
	return nil
}

func (f *fakeConfigStore) UpdateMeterElement(ctx context.Context, e db.MeterElement) error {
	f.elements[e.ID] = e
	return nil
}

func (f *fakeConfigStore) DeactivateMeterElement(ctx context.Context, elementID int64) error {
	e := f.elements[elementID]
	e.Active = false
	f.elements[elementID] = e
	return nil
}

func (f *fakeConfigStore) UpsertTenant(ctx context.Context, t db.Tenant) error {
	f.tenant = &t
	return nil
}

func (f *fakeConfigStore) DeactivateTenant(ctx context.Context, tenantID int64) error {
	if f.tenant != nil {
		f.tenant.Active = false
	}
	return nil
}

func (f *fakeConfigStore) ReplaceRegisters(ctx context.Context, registers []db.Register, associations []db.DeviceRegister) error {
	f.replaces++
	f.registers = registers
	f.associations = associations
	return nil
}

func (f *fakeConfigStore) InsertSyncLog(ctx context.Context, entry db.SyncLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

type fakeConfigSource struct {
	pingErr      error
	meters       []db.Meter
	elements     []db.MeterElement
	tenant       *db.Tenant
	registers    []db.Register
	associations []db.DeviceRegister
}

func (f *fakeConfigSource) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeConfigSource) Meters(ctx context.Context, tenantID int64) ([]db.Meter, error) {
	return f.meters, nil
}

func (f *fakeConfigSource) MeterElements(ctx context.Context, tenantID int64) ([]db.MeterElement, error) {
	return f.elements, nil
}

func (f *fakeConfigSource) Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeConfigSource) Registers(ctx context.Context, tenantID int64) ([]db.Register, error) {
	return f.registers, nil
}

func (f *fakeConfigSource) DeviceRegisters(ctx context.Context, tenantID int64) ([]db.DeviceRegister, error) {
	return f.associations, nil
}

type fakeReloader struct {
	reloads int
	err     error
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.reloads++
	return f.err
}

func remoteFixture() *fakeConfigSource {
	return &fakeConfigSource{
		meters: []db.Meter{
			{ID: 10, TenantID: 7, Name: "main", Active: true, IP: "10.0.0.5", Port: 47808, DeviceID: 100},
			{ID: 11, TenantID: 7, Name: "annex", Active: true, IP: "10.0.0.6", Port: 47808, DeviceID: 200},
		},
		elements: []db.MeterElement{
			{ID: 20, MeterID: 10, Element: "A", Active: true},
			{ID: 21, MeterID: 11, Element: "A", Active: true},
		},
		tenant: &db.Tenant{ID: 7, Name: "acme", Active: true},
		registers: []db.Register{
			{ID: 1, Number: 5, FieldName: "voltage", Unit: "V"},
		},
		associations: []db.DeviceRegister{
			{DeviceID: 100, RegisterID: 1},
		},
	}
}

func newDownloadManager(local *fakeConfigStore, remote *fakeConfigSource, cache *fakeReloader) *syncer.DownloadManager {
	m := syncer.NewDownloadManager(local, remote, cache, 7, nil, zap.NewNop())
	return m.WithRetryPolicies(fastPolicies())
}

func TestDownload_InitialSyncInsertsEverything(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(local.meters) != 2 {
		t.Errorf("expected 2 meters inserted, got %d", len(local.meters))
	}
	// A fresh install must mirror the elements too, or collection has
	// nothing to read.
	if len(local.elements) != 2 {
		t.Errorf("expected 2 meter elements inserted, got %d", len(local.elements))
	}
	if local.tenant == nil || local.tenant.Name != "acme" {
		t.Errorf("expected tenant mirrored, got %+v", local.tenant)
	}
	if len(local.registers) != 1 {
		t.Errorf("expected register mirror replaced, got %d registers", len(local.registers))
	}
	if cache.reloads != 1 {
		t.Errorf("expected cache reload after config change, got %d", cache.reloads)
	}

	result := m.LastResult()
	if !result.Success || result.Inserted != 5 {
		t.Errorf("expected successful cycle with 5 inserts, got %+v", result)
	}
}

func TestDownload_SecondRunIsIdempotent(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// No remote changes between runs: the second cycle must be a no-op.
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	result := m.LastResult()
	if result.Inserted != 0 || result.Updated != 0 || result.Deactivated != 0 {
		t.Errorf("expected zero changes on second run, got %+v", result)
	}
	if cache.reloads != 1 {
		t.Errorf("cache must not reload when nothing changed, reloads=%d", cache.reloads)
	}
	if local.replaces != 1 {
		t.Errorf("register mirror must not be rewritten when unchanged, replaces=%d", local.replaces)
	}
	if len(local.logs) != 2 {
		t.Errorf("every cycle writes a sync log entry, got %d", len(local.logs))
	}
}

func TestDownload_UpdatesChangedMeter(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	remote.meters[0].IP = "10.0.0.99"
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if got := local.meters[10].IP; got != "10.0.0.99" {
		t.Errorf("expected meter IP updated, got %s", got)
	}
	result := m.LastResult()
	if result.Updated != 1 || result.Inserted != 0 {
		t.Errorf("expected exactly one update, got %+v", result)
	}
}

func TestDownload_DeactivatesMissingMeter(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// Meter 11 disappears from the master.
	remote.meters = remote.meters[:1]
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if meter, ok := local.meters[11]; !ok {
		t.Fatal("meter must be soft-deleted, not removed")
	} else if meter.Active {
		t.Error("expected meter 11 deactivated")
	}
	if m.LastResult().Deactivated != 1 {
		t.Errorf("expected one deactivation, got %+v", m.LastResult())
	}
}

func TestDownload_DeactivatesMissingElement(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// Element 21 disappears from the master; its meter stays.
	remote.elements = remote.elements[:1]
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if element, ok := local.elements[21]; !ok {
		t.Fatal("element must be soft-deleted, not removed")
	} else if element.Active {
		t.Error("expected element 21 deactivated")
	}
	if m.LastResult().Deactivated != 1 {
		t.Errorf("expected one deactivation, got %+v", m.LastResult())
	}
	if cache.reloads != 2 {
		t.Errorf("meter_element change must trigger a cache reload, reloads=%d", cache.reloads)
	}
}

func TestDownload_UnreachableRemote(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	remote.pingErr = errors.New("connection refused")

	m := newDownloadManager(local, remote, &fakeReloader{})
	if err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error for unreachable remote")
	}

	if len(local.meters) != 0 {
		t.Error("no local changes may happen when the remote is unreachable")
	}
	if len(local.logs) != 1 || local.logs[0].Error == nil {
		t.Error("failed cycle must still write a sync log entry with its error")
	}
}

func TestDownload_ReloadFailureDoesNotFailCycle(t *testing.T) {
	local := newFakeConfigStore()
	remote := remoteFixture()
	cache := &fakeReloader{err: errors.New("local database busy")}

	m := newDownloadManager(local, remote, cache)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle must succeed even when the cache reload fails: %v", err)
	}
	if cache.reloads != 1 {
		t.Errorf("expected one reload attempt, got %d", cache.reloads)
	}
}
