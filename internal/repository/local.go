package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// LocalRepository handles all local database operations: the reading
// queue written by the batcher and drained by the upload syncer, and
// the configuration mirror maintained by the download syncer.
type LocalRepository struct {
	pool *db.LocalPool
}

// NewLocalRepository creates a new local repository
func NewLocalRepository(pool *db.LocalPool) *LocalRepository {
	return &LocalRepository{pool: pool}
}

// Ping reports whether the local database is reachable.
func (r *LocalRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Registers loads all configured registers.
func (r *LocalRepository) Registers(ctx context.Context) ([]db.Register, error) {
	query := `
		SELECT register_id, register_number, field_name, data_type, unit
		FROM register
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	var registers []db.Register
	for rows.Next() {
		var reg db.Register
		if err := rows.Scan(&reg.ID, &reg.Number, &reg.FieldName, &reg.DataType, &reg.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		registers = append(registers, reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return registers, nil
}

// Meters loads all meters, including inactive ones so reconciliation
// can compare against the full local set.
func (r *LocalRepository) Meters(ctx context.Context) ([]db.Meter, error) {
	query := `
		SELECT meter_id, tenant_id, name, active, ip, port, device_id
		FROM meter
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		var m db.Meter
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.Active, &m.IP, &m.Port, &m.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return meters, nil
}

// MeterElements loads all meter elements.
func (r *LocalRepository) MeterElements(ctx context.Context) ([]db.MeterElement, error) {
	query := `
		SELECT meter_element_id, meter_id, element, active
		FROM meter_element
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query meter elements: %w", err)
	}
	defer rows.Close()

	var elements []db.MeterElement
	for rows.Next() {
		var e db.MeterElement
		if err := rows.Scan(&e.ID, &e.MeterID, &e.Element, &e.Active); err != nil {
			return nil, fmt.Errorf("failed to scan meter element: %w", err)
		}
		elements = append(elements, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return elements, nil
}

// DeviceRegisters loads the device-register associations.
func (r *LocalRepository) DeviceRegisters(ctx context.Context) ([]db.DeviceRegister, error) {
	query := `
		SELECT device_id, register_id
		FROM device_register
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query device registers: %w", err)
	}
	defer rows.Close()

	var associations []db.DeviceRegister
	for rows.Next() {
		var a db.DeviceRegister
		if err := rows.Scan(&a.DeviceID, &a.RegisterID); err != nil {
			return nil, fmt.Errorf("failed to scan device register: %w", err)
		}
		associations = append(associations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return associations, nil
}

// Tenant loads the local tenant mirror row.
func (r *LocalRepository) Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error) {
	query := `
		SELECT tenant_id, name, active
		FROM tenant
		WHERE tenant_id = $1
	`

	var t db.Tenant
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}

	return &t, nil
}

// InsertReadingBatch inserts a batch of pending readings in a single
// transaction with one multi-row INSERT. Every row is stored with
// is_synchronized=false and retry_count=0.
func (r *LocalRepository) InsertReadingBatch(ctx context.Context, readings []db.PendingReading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO meter_reading (
			id, meter_id, meter_element_id, ts, value, unit, data_point,
			is_synchronized, retry_count, created_at
		) VALUES `)

	now := time.Now()
	args := make([]interface{}, 0, len(readings)*8)
	for i, reading := range readings {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, false, 0, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			reading.ID,
			reading.MeterID,
			reading.MeterElementID,
			reading.Timestamp,
			reading.Value,
			reading.Unit,
			reading.DataPoint,
			now,
		)
	}

	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert reading batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reading batch: %w", err)
	}

	return nil
}

// PendingReadings selects up to limit unsynchronized readings, oldest
// first to bound staleness.
func (r *LocalRepository) PendingReadings(ctx context.Context, limit int) ([]db.MeterReading, error) {
	query := `
		SELECT id, meter_id, meter_element_id, ts, value, unit, data_point,
		       is_synchronized, retry_count, created_at
		FROM meter_reading
		WHERE is_synchronized = false
		ORDER BY ts ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending readings: %w", err)
	}
	defer rows.Close()

	var readings []db.MeterReading
	for rows.Next() {
		var m db.MeterReading
		if err := rows.Scan(&m.ID, &m.MeterID, &m.MeterElementID, &m.Timestamp, &m.Value,
			&m.Unit, &m.DataPoint, &m.Synchronized, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending reading: %w", err)
		}
		readings = append(readings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// PendingCount reports the number of unsynchronized readings.
func (r *LocalRepository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM meter_reading WHERE is_synchronized = false`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending readings: %w", err)
	}
	return count, nil
}

// DeleteReadings deletes exactly the given reading ids in one
// transaction. Called only after the remote insert committed.
func (r *LocalRepository) DeleteReadings(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM meter_reading WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete uploaded readings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reading deletion: %w", err)
	}

	return nil
}

// InsertMeter inserts a meter pulled from the remote database.
func (r *LocalRepository) InsertMeter(ctx context.Context, m db.Meter) error {
	query := `
		INSERT INTO meter (meter_id, tenant_id, name, active, ip, port, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query, m.ID, m.TenantID, m.Name, m.Active, m.IP, m.Port, m.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to insert meter %d: %w", m.ID, err)
	}
	return nil
}

// UpdateMeter overwrites the local meter with the remote copy.
func (r *LocalRepository) UpdateMeter(ctx context.Context, m db.Meter) error {
	query := `
		UPDATE meter
		SET tenant_id = $2, name = $3, active = $4, ip = $5, port = $6, device_id = $7
		WHERE meter_id = $1
	`

	_, err := r.pool.Exec(ctx, query, m.ID, m.TenantID, m.Name, m.Active, m.IP, m.Port, m.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to update meter %d: %w", m.ID, err)
	}
	return nil
}

// DeactivateMeter soft-deletes a meter that disappeared from the
// remote database. Local reading history may still reference it.
func (r *LocalRepository) DeactivateMeter(ctx context.Context, meterID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE meter SET active = false WHERE meter_id = $1`, meterID)
	if err != nil {
		return fmt.Errorf("failed to deactivate meter %d: %w", meterID, err)
	}
	return nil
}

// InsertMeterElement mirrors a new remote meter element locally.
func (r *LocalRepository) InsertMeterElement(ctx context.Context, e db.MeterElement) error {
	query := `
		INSERT INTO meter_element (meter_element_id, meter_id, element, active)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.pool.Exec(ctx, query, e.ID, e.MeterID, e.Element, e.Active)
	if err != nil {
		return fmt.Errorf("failed to insert meter element %d: %w", e.ID, err)
	}
	return nil
}

// UpdateMeterElement overwrites the local meter element with the
// remote copy.
func (r *LocalRepository) UpdateMeterElement(ctx context.Context, e db.MeterElement) error {
	query := `
		UPDATE meter_element
		SET meter_id = $2, element = $3, active = $4
		WHERE meter_element_id = $1
	`

	_, err := r.pool.Exec(ctx, query, e.ID, e.MeterID, e.Element, e.Active)
	if err != nil {
		return fmt.Errorf("failed to update meter element %d: %w", e.ID, err)
	}
	return nil
}

// DeactivateMeterElement soft-deletes a meter element that disappeared
// from the remote database.
func (r *LocalRepository) DeactivateMeterElement(ctx context.Context, elementID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE meter_element SET active = false WHERE meter_element_id = $1`, elementID)
	if err != nil {
		return fmt.Errorf("failed to deactivate meter element %d: %w", elementID, err)
	}
	return nil
}

// UpsertTenant inserts or overwrites the local tenant mirror.
func (r *LocalRepository) UpsertTenant(ctx context.Context, t db.Tenant) error {
	query := `
		INSERT INTO tenant (tenant_id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET name = $2, active = $3
	`

	_, err := r.pool.Exec(ctx, query, t.ID, t.Name, t.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant %d: %w", t.ID, err)
	}
	return nil
}

// DeactivateTenant soft-deletes the local tenant mirror.
func (r *LocalRepository) DeactivateTenant(ctx context.Context, tenantID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE tenant SET active = false WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant %d: %w", tenantID, err)
	}
	return nil
}

// ReplaceRegisters swaps the local register and device-register mirror
// for the remote copy in one transaction. Register rows are
// configuration owned by the remote database, so a full replace is
// safe and keeps reconciliation simple.
func (r *LocalRepository) ReplaceRegisters(ctx context.Context, registers []db.Register, associations []db.DeviceRegister) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM device_register`); err != nil {
		return fmt.Errorf("failed to clear device registers: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM register`); err != nil {
		return fmt.Errorf("failed to clear registers: %w", err)
	}

	for _, reg := range registers {
		_, err := tx.Exec(ctx,
			`INSERT INTO register (register_id, register_number, field_name, data_type, unit) VALUES ($1, $2, $3, $4, $5)`,
			reg.ID, reg.Number, reg.FieldName, reg.DataType, reg.Unit)
		if err != nil {
			return fmt.Errorf("failed to insert register %d: %w", reg.ID, err)
		}
	}
	for _, a := range associations {
		_, err := tx.Exec(ctx,
			`INSERT INTO device_register (device_id, register_id) VALUES ($1, $2)`,
			a.DeviceID, a.RegisterID)
		if err != nil {
			return fmt.Errorf("failed to insert device register %d/%d: %w", a.DeviceID, a.RegisterID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit register replacement: %w", err)
	}

	return nil
}

// InsertSyncLog appends one sync cycle record.
func (r *LocalRepository) InsertSyncLog(ctx context.Context, entry db.SyncLog) error {
	query := `
		INSERT INTO sync_log (
			id, cycle_type, started_at, finished_at,
			inserted, updated, deactivated, failed, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.CycleType,
		entry.StartedAt,
		entry.FinishedAt,
		entry.Inserted,
		entry.Updated,
		entry.Deactivated,
		entry.Failed,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}

	return nil
}
