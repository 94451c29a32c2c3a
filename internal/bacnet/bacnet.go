// Package bacnet reads register values from BACnet/IP devices. The
// DeviceClient owns the degrade ladder (connectivity check, adaptive
// batch sizing, sequential fallback); the wire codec lives behind the
// PointReader interface so everything above it tests against fakes.
package bacnet

import (
	"context"
	"errors"
	"net"
	"time"
)

// Device identifies one physical or virtual BACnet device.
type Device struct {
	Address  string
	Port     int
	DeviceID int64
}

// Point is one register to read, paired with its logical field name.
type Point struct {
	RegisterNumber int
	FieldName      string
}

// Reading is one raw register value returned by a device.
type Reading struct {
	RegisterNumber int
	Value          float64
}

// ErrDeviceOffline marks a device that failed the connectivity check.
// The collection agent applies offline backoff on this error.
var ErrDeviceOffline = errors.New("device offline")

// ErrReadTimeout marks a read that exceeded its operation timeout.
var ErrReadTimeout = errors.New("device read timed out")

// PointReader performs the actual network operations against a device.
type PointReader interface {
	CheckConnectivity(ctx context.Context, device Device, timeout time.Duration) error
	ReadBatch(ctx context.Context, device Device, points []Point, timeout time.Duration) ([]Reading, error)
	ReadSingle(ctx context.Context, device Device, point Point, timeout time.Duration) (Reading, error)
}

// isTimeout reports whether err is a read timeout, either our own
// sentinel or a network-level timeout.
func isTimeout(err error) bool {
	if errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
