package bacnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"
)

// BACnet/IP constants. Register points map to analog-input objects:
// the register number is the object instance and reads target the
// present-value property.
const (
	bvlcType           = 0x81
	bvlcUnicast        = 0x0A
	objectAnalogInput  = 0
	propertyPresent    = 85
	serviceReadProp    = 12
	serviceReadPropMul = 14
	tagReal            = 0x44
)

// UDPTransport is the production PointReader: a thin BACnet/IP
// ReadProperty / ReadPropertyMultiple codec over UDP.
type UDPTransport struct {
	invokeID atomic.Uint32
}

// NewUDPTransport creates a new UDP transport
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

func (t *UDPTransport) dial(ctx context.Context, device Device, timeout time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", device.Address, device.Port)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial device %s: %w", addr, err)
	}
	return conn, nil
}

// CheckConnectivity sends a ReadProperty for the device object's name
// and waits for any well-formed reply within the timeout.
func (t *UDPTransport) CheckConnectivity(ctx context.Context, device Device, timeout time.Duration) error {
	conn, err := t.dial(ctx, device, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := t.encodeReadProperty(objectAnalogInput, 0)
	if _, err := t.exchange(conn, req, timeout); err != nil {
		return fmt.Errorf("connectivity check failed for %s: %w", device.Address, err)
	}
	return nil
}

// ReadSingle reads the present value of one register.
func (t *UDPTransport) ReadSingle(ctx context.Context, device Device, point Point, timeout time.Duration) (Reading, error) {
	conn, err := t.dial(ctx, device, timeout)
	if err != nil {
		return Reading{}, err
	}
	defer conn.Close()

	req := t.encodeReadProperty(objectAnalogInput, uint32(point.RegisterNumber))
	resp, err := t.exchange(conn, req, timeout)
	if err != nil {
		return Reading{}, err
	}

	value, err := decodeFirstReal(resp)
	if err != nil {
		return Reading{}, fmt.Errorf("malformed response for register %d: %w", point.RegisterNumber, err)
	}

	return Reading{RegisterNumber: point.RegisterNumber, Value: value}, nil
}

// ReadBatch reads the present values of the given registers with one
// ReadPropertyMultiple request.
func (t *UDPTransport) ReadBatch(ctx context.Context, device Device, points []Point, timeout time.Duration) ([]Reading, error) {
	conn, err := t.dial(ctx, device, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := t.encodeReadPropertyMultiple(points)
	resp, err := t.exchange(conn, req, timeout)
	if err != nil {
		return nil, err
	}

	values, err := decodeReals(resp)
	if err != nil {
		return nil, fmt.Errorf("malformed batch response: %w", err)
	}
	if len(values) != len(points) {
		return nil, fmt.Errorf("batch response returned %d values for %d points", len(values), len(points))
	}

	readings := make([]Reading, len(points))
	for i, point := range points {
		readings[i] = Reading{RegisterNumber: point.RegisterNumber, Value: values[i]}
	}
	return readings, nil
}

func (t *UDPTransport) exchange(conn net.Conn, req []byte, timeout time.Duration) ([]byte, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	buf := make([]byte, 1476)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if n < 6 || buf[0] != bvlcType {
		return nil, fmt.Errorf("short or non-BVLC response (%d bytes)", n)
	}

	return buf[:n], nil
}

func (t *UDPTransport) nextInvokeID() byte {
	return byte(t.invokeID.Add(1) & 0xFF)
}

// encodeReadProperty builds a confirmed ReadProperty request for the
// present-value of one object instance.
func (t *UDPTransport) encodeReadProperty(objectType uint32, instance uint32) []byte {
	apdu := []byte{
		0x00,             // confirmed request
		0x05,             // max segments / max APDU
		t.nextInvokeID(), // invoke id
		serviceReadProp,  // service choice
	}
	apdu = append(apdu, encodeObjectID(objectType, instance)...)
	apdu = append(apdu, encodePropertyID(propertyPresent)...)
	return wrapBVLC(apdu)
}

// encodeReadPropertyMultiple builds one RPM request covering all
// points.
func (t *UDPTransport) encodeReadPropertyMultiple(points []Point) []byte {
	apdu := []byte{
		0x00,
		0x05,
		t.nextInvokeID(),
		serviceReadPropMul,
	}
	for _, point := range points {
		apdu = append(apdu, encodeObjectID(objectAnalogInput, uint32(point.RegisterNumber))...)
		apdu = append(apdu, 0x1E) // opening tag 1
		apdu = append(apdu, encodePropertyID(propertyPresent)...)
		apdu = append(apdu, 0x1F) // closing tag 1
	}
	return wrapBVLC(apdu)
}

// wrapBVLC prefixes the BVLC and NPDU headers.
func wrapBVLC(apdu []byte) []byte {
	npdu := []byte{0x01, 0x04} // version 1, expecting reply
	length := 4 + len(npdu) + len(apdu)
	out := make([]byte, 0, length)
	out = append(out, bvlcType, bvlcUnicast, byte(length>>8), byte(length))
	out = append(out, npdu...)
	out = append(out, apdu...)
	return out
}

// encodeObjectID encodes context tag 0 with the packed object id.
func encodeObjectID(objectType uint32, instance uint32) []byte {
	packed := (objectType << 22) | (instance & 0x3FFFFF)
	buf := []byte{0x0C, 0, 0, 0, 0} // context tag 0, length 4
	binary.BigEndian.PutUint32(buf[1:], packed)
	return buf
}

// encodePropertyID encodes context tag 1 with the property number.
func encodePropertyID(prop byte) []byte {
	return []byte{0x19, prop} // context tag 1, length 1
}

// decodeFirstReal extracts the first IEEE-754 real application tag
// from a ComplexACK.
func decodeFirstReal(resp []byte) (float64, error) {
	values, err := decodeReals(resp)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no real value in response")
	}
	return values[0], nil
}

// decodeReals extracts every real application tag from a ComplexACK,
// in order.
func decodeReals(resp []byte) ([]float64, error) {
	if len(resp) < 6 {
		return nil, fmt.Errorf("response too short")
	}
	var values []float64
	body := resp[6:]
	for i := 0; i+5 <= len(body); i++ {
		if body[i] != tagReal {
			continue
		}
		bits := binary.BigEndian.Uint32(body[i+1 : i+5])
		v := float64(math.Float32frombits(bits))
		values = append(values, v)
		i += 4
	}
	return values, nil
}
