package link

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"go.bug.st/serial"
)

const (
	// outSystemID identifies this end of the link as a ground station.
	outSystemID = 255

	// readErrorsThreshold defines the number of consecutive decode errors
	// allowed before the transport is considered broken. Picking up a frame
	// mid-stream or radio noise produces the occasional bad checksum; a dead
	// port produces them back to back.
	readErrorsThreshold = 5
)

// SerialConn is a Conn over a local serial port carrying MAVLink v2 frames
// in the common dialect.
type SerialConn struct {
	port   serial.Port
	rw     *frame.ReadWriter
	wmu    sync.Mutex
	closed atomic.Bool
}

// Dial opens the named serial port at the given baud rate and wraps it with
// the MAVLink codec.
func Dial(portName string, baudRate int) (*SerialConn, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", portName, err)
	}

	dlct, err := dialect.NewReadWriter(common.Dialect)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("initializing dialect: %w", err)
	}

	rw, err := frame.NewReadWriter(frame.ReadWriterConf{
		ReadWriter:  port,
		DialectRW:   dlct,
		OutVersion:  frame.V2,
		OutSystemID: outSystemID,
	})
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("initializing codec: %w", err)
	}

	return &SerialConn{port: port, rw: rw}, nil
}

// Read returns the next decoded message from the port.
func (c *SerialConn) Read() (Envelope, error) {
	var readErrors int
	for {
		fr, err := c.rw.Read()
		if err != nil {
			if c.closed.Load() {
				return Envelope{}, ErrClosed
			}

			readErrors++
			if readErrors >= readErrorsThreshold {
				return Envelope{}, fmt.Errorf("reading frame: %w", err)
			}
			continue
		}

		msg := fr.GetMessage()
		if msg == nil {
			continue
		}

		return Envelope{
			Msg:         msg,
			SystemID:    fr.GetSystemID(),
			ComponentID: fr.GetComponentID(),
		}, nil
	}
}

// Write encodes and sends a single message.
func (c *SerialConn) Write(msg message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.rw.WriteMessage(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close closes the underlying port, unblocking any pending Read. It is safe
// to call more than once.
func (c *SerialConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.port.Close()
}

// Ports lists the serial ports available on this machine.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("scanning serial ports: %w", err)
	}
	return ports, nil
}

// IsAccessDenied reports whether err indicates the port is held open by
// another process or needs elevated privileges, the two failures worth
// retrying on and explaining to the operator.
func IsAccessDenied(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy, serial.PermissionDenied:
			return true
		}
	}
	return false
}
