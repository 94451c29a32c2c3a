package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/facilityhub/meter-sync-agent/internal/logging"
	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/facilityhub/meter-sync-agent/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalConfigStore is the local side of the download path.
// Implemented by repository.LocalRepository.
type LocalConfigStore interface {
	Meters(ctx context.Context) ([]db.Meter, error)
	MeterElements(ctx context.Context) ([]db.MeterElement, error)
	Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error)
	Registers(ctx context.Context) ([]db.Register, error)
	DeviceRegisters(ctx context.Context) ([]db.DeviceRegister, error)
	InsertMeter(ctx context.Context, m db.Meter) error
	UpdateMeter(ctx context.Context, m db.Meter) error
	DeactivateMeter(ctx context.Context, meterID int64) error
	InsertMeterElement(ctx context.Context, e db.MeterElement) error
	UpdateMeterElement(ctx context.Context, e db.MeterElement) error
	DeactivateMeterElement(ctx context.Context, elementID int64) error
	UpsertTenant(ctx context.Context, t db.Tenant) error
	DeactivateTenant(ctx context.Context, tenantID int64) error
	ReplaceRegisters(ctx context.Context, registers []db.Register, associations []db.DeviceRegister) error
	InsertSyncLog(ctx context.Context, entry db.SyncLog) error
}

// RemoteConfigSource is the remote (master) side of the download
// path. Implemented by repository.RemoteRepository.
type RemoteConfigSource interface {
	Ping(ctx context.Context) error
	Meters(ctx context.Context, tenantID int64) ([]db.Meter, error)
	MeterElements(ctx context.Context, tenantID int64) ([]db.MeterElement, error)
	Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error)
	Registers(ctx context.Context, tenantID int64) ([]db.Register, error)
	DeviceRegisters(ctx context.Context, tenantID int64) ([]db.DeviceRegister, error)
}

// CacheReloader is notified when a cycle changed configuration
// tables. Implemented by registry.Cache.
type CacheReloader interface {
	Reload(ctx context.Context) error
}

// DownloadManager pulls meter and tenant configuration from the
// remote master database and reconciles it into the local mirror. The
// remote state always wins on conflict; rows that disappeared remotely
// are soft-deactivated, never hard-deleted, because local reading
// history may still reference them.
type DownloadManager struct {
	local      LocalConfigStore
	remote     RemoteConfigSource
	cache      CacheReloader
	tenantID   int64
	logger     *zap.Logger
	instr      *metrics.Metrics
	connPolicy retry.Policy
	qryPolicy  retry.Policy
	clock      func() time.Time

	mu          sync.Mutex
	last        CycleResult
	lastSuccess CycleResult
	lastFailure CycleResult
}

// NewDownloadManager creates a new download sync manager
func NewDownloadManager(local LocalConfigStore, remote RemoteConfigSource, cache CacheReloader, tenantID int64, instr *metrics.Metrics, logger *zap.Logger) *DownloadManager {
	return &DownloadManager{
		local:      local,
		remote:     remote,
		cache:      cache,
		tenantID:   tenantID,
		logger:     logger,
		instr:      instr,
		connPolicy: retry.ConnectionPolicy(),
		qryPolicy:  retry.QueryPolicy(),
		clock:      time.Now,
	}
}

// WithRetryPolicies overrides the connection and query retry
// policies. Used by tests.
func (m *DownloadManager) WithRetryPolicies(conn, query retry.Policy) *DownloadManager {
	m.connPolicy = conn
	m.qryPolicy = query
	return m
}

// WithClock overrides the manager clock. Used by tests.
func (m *DownloadManager) WithClock(clock func() time.Time) *DownloadManager {
	m.clock = clock
	return m
}

// LastResult returns the outcome of the most recent cycle.
func (m *DownloadManager) LastResult() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// LastSuccess returns the most recent successful cycle. A failing
// cycle never overwrites it.
func (m *DownloadManager) LastSuccess() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// LastFailure returns the most recent failed cycle.
func (m *DownloadManager) LastFailure() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// RunCycle executes one download/reconcile cycle.
func (m *DownloadManager) RunCycle(ctx context.Context) error {
	cycleID := uuid.New()
	started := m.clock()
	logger := logging.WithCycleID(m.logger, cycleID.String())

	counts, tablesChanged, err := m.runDownload(ctx, logger)
	finished := m.clock()

	result := CycleResult{
		FinishedAt:  finished,
		Success:     err == nil,
		Inserted:    counts.inserted,
		Updated:     counts.updated,
		Deactivated: counts.deactivated,
	}
	var errText *string
	if err != nil {
		result.Failed = 1
		msg := err.Error()
		result.Error = msg
		errText = &msg
		logger.Error("[SYNC] download cycle failed", zap.Error(err))
	}

	m.mu.Lock()
	m.last = result
	if result.Success {
		m.lastSuccess = result
	} else {
		m.lastFailure = result
	}
	m.mu.Unlock()

	entry := db.SyncLog{
		ID:          cycleID,
		CycleType:   "download",
		StartedAt:   started,
		FinishedAt:  finished,
		Inserted:    counts.inserted,
		Updated:     counts.updated,
		Deactivated: counts.deactivated,
		Failed:      result.Failed,
		Error:       errText,
	}
	if logErr := m.local.InsertSyncLog(ctx, entry); logErr != nil {
		logger.Error("failed to record sync log entry", zap.Error(logErr))
	}

	if err != nil {
		return err
	}

	if counts.total() == 0 {
		// Silence is indistinguishable from a dead scheduler, so a
		// no-op cycle still announces itself.
		logger.Info("configuration up to date",
			zap.Int("inserted", 0),
			zap.Int("updated", 0),
			zap.Int("deactivated", 0),
		)
	} else {
		logger.Info("configuration reconciled",
			zap.Int("inserted", counts.inserted),
			zap.Int("updated", counts.updated),
			zap.Int("deactivated", counts.deactivated),
			zap.Strings("tables_changed", tablesChanged),
		)
	}

	if len(tablesChanged) > 0 && m.cache != nil {
		if reloadErr := m.cache.Reload(ctx); reloadErr != nil {
			// Collection continues on the stale cache.
			logger.Error("cache reload after reconcile failed", zap.Error(reloadErr))
		}
	}

	return nil
}

type reconcileCounts struct {
	inserted    int
	updated     int
	deactivated int
}

func (c reconcileCounts) total() int {
	return c.inserted + c.updated + c.deactivated
}

func (m *DownloadManager) runDownload(ctx context.Context, logger *zap.Logger) (reconcileCounts, []string, error) {
	var counts reconcileCounts

	if _, err := retry.Do(ctx, logger, "remote connection check", m.connPolicy, m.remote.Ping); err != nil {
		return counts, nil, fmt.Errorf("[SYNC] remote database unreachable: %w", err)
	}

	changed := map[string]bool{}

	meterCounts, err := m.reconcileMeters(ctx, logger)
	if err != nil {
		return counts, nil, err
	}
	counts.inserted += meterCounts.inserted
	counts.updated += meterCounts.updated
	counts.deactivated += meterCounts.deactivated
	if meterCounts.total() > 0 {
		changed["meter"] = true
	}

	elementCounts, err := m.reconcileElements(ctx, logger)
	if err != nil {
		return counts, nil, err
	}
	counts.inserted += elementCounts.inserted
	counts.updated += elementCounts.updated
	counts.deactivated += elementCounts.deactivated
	if elementCounts.total() > 0 {
		changed["meter_element"] = true
	}

	tenantCounts, err := m.reconcileTenant(ctx, logger)
	if err != nil {
		return counts, nil, err
	}
	counts.inserted += tenantCounts.inserted
	counts.updated += tenantCounts.updated
	counts.deactivated += tenantCounts.deactivated

	registersChanged, err := m.reconcileRegisters(ctx, logger)
	if err != nil {
		return counts, nil, err
	}
	if registersChanged {
		counts.updated++
		changed["register"] = true
		changed["device_register"] = true
	}

	tables := make([]string, 0, len(changed))
	for table := range changed {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	return counts, tables, nil
}

func (m *DownloadManager) reconcileMeters(ctx context.Context, logger *zap.Logger) (reconcileCounts, error) {
	var counts reconcileCounts

	var remoteMeters []db.Meter
	if _, err := retry.Do(ctx, logger, "query remote meters", m.qryPolicy, func(ctx context.Context) error {
		var qerr error
		remoteMeters, qerr = m.remote.Meters(ctx, m.tenantID)
		return qerr
	}); err != nil {
		return counts, fmt.Errorf("[SYNC] failed to pull remote meters: %w", err)
	}

	localMeters, err := m.local.Meters(ctx)
	if err != nil {
		return counts, fmt.Errorf("[SYNC] failed to load local meters: %w", err)
	}

	localByID := make(map[int64]db.Meter, len(localMeters))
	for _, meter := range localMeters {
		localByID[meter.ID] = meter
	}

	remoteIDs := make(map[int64]bool, len(remoteMeters))
	for _, remoteMeter := range remoteMeters {
		remoteIDs[remoteMeter.ID] = true

		localMeter, exists := localByID[remoteMeter.ID]
		if !exists {
			if err := m.local.InsertMeter(ctx, remoteMeter); err != nil {
				return counts, err
			}
			counts.inserted++
			m.countChange("insert")
			continue
		}

		fields := changedMeterFields(localMeter, remoteMeter)
		if len(fields) == 0 {
			continue
		}
		if err := m.local.UpdateMeter(ctx, remoteMeter); err != nil {
			return counts, err
		}
		counts.updated++
		m.countChange("update")
		logger.Info("meter updated from remote",
			zap.Int64("meter_id", remoteMeter.ID),
			zap.String("fields", strings.Join(fields, ",")),
		)
	}

	// Meters gone from the master are deactivated, not removed.
	for _, localMeter := range localMeters {
		if remoteIDs[localMeter.ID] || !localMeter.Active {
			continue
		}
		if err := m.local.DeactivateMeter(ctx, localMeter.ID); err != nil {
			return counts, err
		}
		counts.deactivated++
		m.countChange("deactivate")
		logger.Info("meter absent on remote, deactivated locally",
			zap.Int64("meter_id", localMeter.ID),
		)
	}

	return counts, nil
}

func (m *DownloadManager) reconcileElements(ctx context.Context, logger *zap.Logger) (reconcileCounts, error) {
	var counts reconcileCounts

	var remoteElements []db.MeterElement
	if _, err := retry.Do(ctx, logger, "query remote meter elements", m.qryPolicy, func(ctx context.Context) error {
		var qerr error
		remoteElements, qerr = m.remote.MeterElements(ctx, m.tenantID)
		return qerr
	}); err != nil {
		return counts, fmt.Errorf("[SYNC] failed to pull remote meter elements: %w", err)
	}

	localElements, err := m.local.MeterElements(ctx)
	if err != nil {
		return counts, fmt.Errorf("[SYNC] failed to load local meter elements: %w", err)
	}

	localByID := make(map[int64]db.MeterElement, len(localElements))
	for _, element := range localElements {
		localByID[element.ID] = element
	}

	remoteIDs := make(map[int64]bool, len(remoteElements))
	for _, remoteElement := range remoteElements {
		remoteIDs[remoteElement.ID] = true

		localElement, exists := localByID[remoteElement.ID]
		if !exists {
			if err := m.local.InsertMeterElement(ctx, remoteElement); err != nil {
				return counts, err
			}
			counts.inserted++
			m.countChange("insert")
			continue
		}

		if localElement == remoteElement {
			continue
		}
		if err := m.local.UpdateMeterElement(ctx, remoteElement); err != nil {
			return counts, err
		}
		counts.updated++
		m.countChange("update")
		logger.Info("meter element updated from remote",
			zap.Int64("meter_element_id", remoteElement.ID),
			zap.Int64("meter_id", remoteElement.MeterID),
		)
	}

	for _, localElement := range localElements {
		if remoteIDs[localElement.ID] || !localElement.Active {
			continue
		}
		if err := m.local.DeactivateMeterElement(ctx, localElement.ID); err != nil {
			return counts, err
		}
		counts.deactivated++
		m.countChange("deactivate")
		logger.Info("meter element absent on remote, deactivated locally",
			zap.Int64("meter_element_id", localElement.ID),
		)
	}

	return counts, nil
}

func (m *DownloadManager) reconcileTenant(ctx context.Context, logger *zap.Logger) (reconcileCounts, error) {
	var counts reconcileCounts

	var remoteTenant *db.Tenant
	if _, err := retry.Do(ctx, logger, "query remote tenant", m.qryPolicy, func(ctx context.Context) error {
		var qerr error
		remoteTenant, qerr = m.remote.Tenant(ctx, m.tenantID)
		return qerr
	}); err != nil {
		return counts, fmt.Errorf("[SYNC] failed to pull remote tenant: %w", err)
	}

	localTenant, err := m.local.Tenant(ctx, m.tenantID)
	if err != nil {
		return counts, fmt.Errorf("[SYNC] failed to load local tenant: %w", err)
	}

	if remoteTenant == nil {
		if localTenant != nil && localTenant.Active {
			if err := m.local.DeactivateTenant(ctx, m.tenantID); err != nil {
				return counts, err
			}
			counts.deactivated++
			m.countChange("deactivate")
			logger.Warn("tenant absent on remote, deactivated locally", zap.Int64("tenant_id", m.tenantID))
		}
		return counts, nil
	}

	if localTenant == nil {
		if err := m.local.UpsertTenant(ctx, *remoteTenant); err != nil {
			return counts, err
		}
		counts.inserted++
		m.countChange("insert")
		return counts, nil
	}

	if *localTenant != *remoteTenant {
		if err := m.local.UpsertTenant(ctx, *remoteTenant); err != nil {
			return counts, err
		}
		counts.updated++
		m.countChange("update")
	}

	return counts, nil
}

// reconcileRegisters compares the local register mirror against the
// remote copy and swaps it wholesale when anything differs. Returns
// whether a swap happened.
func (m *DownloadManager) reconcileRegisters(ctx context.Context, logger *zap.Logger) (bool, error) {
	var remoteRegisters []db.Register
	var remoteAssociations []db.DeviceRegister
	if _, err := retry.Do(ctx, logger, "query remote registers", m.qryPolicy, func(ctx context.Context) error {
		var qerr error
		remoteRegisters, qerr = m.remote.Registers(ctx, m.tenantID)
		if qerr != nil {
			return qerr
		}
		remoteAssociations, qerr = m.remote.DeviceRegisters(ctx, m.tenantID)
		return qerr
	}); err != nil {
		return false, fmt.Errorf("[SYNC] failed to pull remote registers: %w", err)
	}

	localRegisters, err := m.local.Registers(ctx)
	if err != nil {
		return false, fmt.Errorf("[SYNC] failed to load local registers: %w", err)
	}
	localAssociations, err := m.local.DeviceRegisters(ctx)
	if err != nil {
		return false, fmt.Errorf("[SYNC] failed to load local device registers: %w", err)
	}

	if registersEqual(localRegisters, remoteRegisters) && associationsEqual(localAssociations, remoteAssociations) {
		return false, nil
	}

	if err := m.local.ReplaceRegisters(ctx, remoteRegisters, remoteAssociations); err != nil {
		return false, err
	}

	logger.Info("register configuration replaced from remote",
		zap.Int("registers", len(remoteRegisters)),
		zap.Int("associations", len(remoteAssociations)),
	)
	return true, nil
}

func (m *DownloadManager) countChange(op string) {
	if m.instr != nil {
		m.instr.ConfigChanges.WithLabelValues(op).Inc()
	}
}

// changedMeterFields reports which meter fields differ between the
// local and remote copies.
func changedMeterFields(local, remote db.Meter) []string {
	var fields []string
	if local.TenantID != remote.TenantID {
		fields = append(fields, "tenant_id")
	}
	if local.Name != remote.Name {
		fields = append(fields, "name")
	}
	if local.Active != remote.Active {
		fields = append(fields, "active")
	}
	if local.IP != remote.IP {
		fields = append(fields, "ip")
	}
	if local.Port != remote.Port {
		fields = append(fields, "port")
	}
	if local.DeviceID != remote.DeviceID {
		fields = append(fields, "device_id")
	}
	return fields
}

func registersEqual(local, remote []db.Register) bool {
	if len(local) != len(remote) {
		return false
	}
	byID := make(map[int64]db.Register, len(local))
	for _, reg := range local {
		byID[reg.ID] = reg
	}
	for _, reg := range remote {
		if byID[reg.ID] != reg {
			return false
		}
	}
	return true
}

func associationsEqual(local, remote []db.DeviceRegister) bool {
	if len(local) != len(remote) {
		return false
	}
	seen := make(map[db.DeviceRegister]bool, len(local))
	for _, a := range local {
		seen[a] = true
	}
	for _, a := range remote {
		if !seen[a] {
			return false
		}
	}
	return true
}
