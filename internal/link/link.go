// Package link provides the message-oriented transport to a flight
// controller: a serial port framed and parsed with the MAVLink codec,
// presented as typed messages.
package link

import (
	"errors"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// ErrClosed is returned by Read and Write after the connection has been
// closed locally.
var ErrClosed = errors.New("link: connection closed")

// Envelope is one decoded message together with the ids of the system that
// sent it.
type Envelope struct {
	Msg         message.Message
	SystemID    byte
	ComponentID byte
}

// Conn is a duplex, message-oriented channel to a flight controller. Read
// blocks until the next decoded message arrives or the transport fails.
// Close unblocks a concurrent Read; after Close, Read returns ErrClosed.
//
// Reads must come from a single goroutine. Writes are safe from any
// goroutine.
type Conn interface {
	Read() (Envelope, error)
	Write(msg message.Message) error
	Close() error
}
