package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/facilityhub/meter-sync-agent/internal/db"
	"github.com/jackc/pgx/v5"
)

// RemoteRepository handles operations against the central database:
// the meter_reading upload sink and the meter/tenant/register source
// of truth.
type RemoteRepository struct {
	pool *db.RemotePool
}

// NewRemoteRepository creates a new remote repository
func NewRemoteRepository(pool *db.RemotePool) *RemoteRepository {
	return &RemoteRepository{pool: pool}
}

// Ping reports whether the remote database is reachable.
func (r *RemoteRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InsertReadings uploads a batch of readings in one transaction with a
// single multi-row INSERT. The remote table is append-only analytical
// data; replays after a crash between remote commit and local delete
// produce tolerated duplicates.
func (r *RemoteRepository) InsertReadings(ctx context.Context, readings []db.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin remote transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO meter_reading (
			id, meter_id, meter_element_id, ts, value, unit, data_point, created_at
		) VALUES `)

	args := make([]interface{}, 0, len(readings)*8)
	for i, reading := range readings {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			reading.ID,
			reading.MeterID,
			reading.MeterElementID,
			reading.Timestamp,
			reading.Value,
			reading.Unit,
			reading.DataPoint,
			reading.CreatedAt,
		)
	}

	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert remote readings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit remote readings: %w", err)
	}

	return nil
}

// Meters loads the remote meters for one tenant. The agent only ever
// pulls configuration for its own tenant.
func (r *RemoteRepository) Meters(ctx context.Context, tenantID int64) ([]db.Meter, error) {
	query := `
		SELECT meter_id, tenant_id, name, active, ip, port, device_id
		FROM meter
		WHERE tenant_id = $1
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		var m db.Meter
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.Active, &m.IP, &m.Port, &m.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan remote meter: %w", err)
		}
		meters = append(meters, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return meters, nil
}

// MeterElements loads the remote meter elements for one tenant, joined
// through the owning meter.
func (r *RemoteRepository) MeterElements(ctx context.Context, tenantID int64) ([]db.MeterElement, error) {
	query := `
		SELECT e.meter_element_id, e.meter_id, e.element, e.active
		FROM meter_element e
		JOIN meter m ON m.meter_id = e.meter_id
		WHERE m.tenant_id = $1
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote meter elements: %w", err)
	}
	defer rows.Close()

	var elements []db.MeterElement
	for rows.Next() {
		var e db.MeterElement
		if err := rows.Scan(&e.ID, &e.MeterID, &e.Element, &e.Active); err != nil {
			return nil, fmt.Errorf("failed to scan remote meter element: %w", err)
		}
		elements = append(elements, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return elements, nil
}

// Tenant loads the remote master tenant record.
func (r *RemoteRepository) Tenant(ctx context.Context, tenantID int64) (*db.Tenant, error) {
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
		return nil, fmt.Errorf("failed to query remote tenant: %w", err)
	}

	return &t, nil
}

// Registers loads the remote register configuration for one tenant's
// devices.
func (r *RemoteRepository) Registers(ctx context.Context, tenantID int64) ([]db.Register, error) {
	query := `
		SELECT DISTINCT reg.register_id, reg.register_number, reg.field_name, reg.data_type, reg.unit
		FROM register reg
		JOIN device_register dr ON dr.register_id = reg.register_id
		JOIN meter m ON m.device_id = dr.device_id
		WHERE m.tenant_id = $1
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote registers: %w", err)
	}
	defer rows.Close()

	var registers []db.Register
	for rows.Next() {
		var reg db.Register
		if err := rows.Scan(&reg.ID, &reg.Number, &reg.FieldName, &reg.DataType, &reg.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan remote register: %w", err)
		}
		registers = append(registers, reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return registers, nil
}

// DeviceRegisters loads the remote device-register associations for
// one tenant's devices.
func (r *RemoteRepository) DeviceRegisters(ctx context.Context, tenantID int64) ([]db.DeviceRegister, error) {
	query := `
		SELECT dr.device_id, dr.register_id
		FROM device_register dr
		JOIN meter m ON m.device_id = dr.device_id
		WHERE m.tenant_id = $1
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote device registers: %w", err)
	}
	defer rows.Close()

	var associations []db.DeviceRegister
	for rows.Next() {
		var a db.DeviceRegister
		if err := rows.Scan(&a.DeviceID, &a.RegisterID); err != nil {
			return nil, fmt.Errorf("failed to scan remote device register: %w", err)
		}
		associations = append(associations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return associations, nil
}
