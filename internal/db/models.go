package db

import (
	"time"

	"github.com/google/uuid"
)

// Meter represents a meter row. The device connection parameters (IP,
// port, device id) are shared by all elements of the meter.
type Meter struct {
	ID       int64
	TenantID int64
	Name     string
	Active   bool
	IP       string
	Port     int
	DeviceID int64
}

// MeterElement represents a lettered (A-Z) sub-channel of a meter.
type MeterElement struct {
	ID      int64
	MeterID int64
	Element string
	Active  bool
}

// Register represents a named, numbered measurement point.
type Register struct {
	ID        int64
	Number    int
	FieldName string
	DataType  string
	Unit      string
}

// DeviceRegister links a device to one register it exposes. Collection
// only reads registers present in this association.
type DeviceRegister struct {
	DeviceID   int64
	RegisterID int64
}

// Tenant is the local mirror of the remote master tenant record.
type Tenant struct {
	ID     int64
	Name   string
	Active bool
}

// PendingReading is an in-memory reading awaiting batch insertion.
type PendingReading struct {
	ID             uuid.UUID
	MeterID        int64
	MeterElementID int64
	Timestamp      time.Time
	Value          float64
	Unit           string
	DataPoint      string
	Synchronized   bool
	RetryCount     int
}

// MeterReading represents a persisted meter reading row. Rows are
// inserted by the batcher and deleted by the upload syncer; they are
// never updated in place.
type MeterReading struct {
	ID             uuid.UUID
	MeterID        int64
	MeterElementID int64
	Timestamp      time.Time
	Value          float64
	Unit           string
	DataPoint      string
	Synchronized   bool
	RetryCount     int
	CreatedAt      time.Time
}

// SyncLog is one append-only record of a completed sync cycle.
type SyncLog struct {
	ID          uuid.UUID
	CycleType   string
	StartedAt   time.Time
	FinishedAt  time.Time
	Inserted    int
	Updated     int
	Deactivated int
	Failed      int
	Error       *string
}
