package vehicle

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/groundctl/groundctl/internal/link"
)

// route is the only reader of the transport. Every inbound message is
// delivered to exactly one consumer: mission-protocol replies go to the
// active handshake's slot, telemetry-bearing messages fold into the store,
// anything else is dropped. Running all reads through one goroutine is what
// keeps the uploader's blocking waits from stealing telemetry and vice
// versa.
//
// heartbeat is closed when the first heartbeat arrives; done is closed when
// the router exits.
func (v *Vehicle) route(conn link.Conn, heartbeat chan<- struct{}, done chan struct{}) {
	defer close(done)

	seenHeartbeat := false
	for {
		env, err := conn.Read()
		if err != nil {
			v.mu.Lock()
			stopping := v.stopping
			v.mu.Unlock()

			if stopping || errors.Is(err, link.ErrClosed) {
				v.logger.Debug("router stopped")
				return
			}

			v.logger.Error(fmt.Sprintf("link read failed: %s", err))
			v.fault(conn)
			return
		}

		v.lastMsg.Store(time.Now().UnixNano())

		switch env.Msg.(type) {
		case *common.MessageMissionAck,
			*common.MessageMissionRequest,
			*common.MessageMissionRequestInt,
			*common.MessageMissionCount:
			if !v.deliverMissionReply(env.Msg) {
				v.logger.Debug(fmt.Sprintf("dropping unsolicited %T", env.Msg))
			}
			continue
		}

		if _, ok := env.Msg.(*common.MessageHeartbeat); ok && !seenHeartbeat {
			seenHeartbeat = true
			v.mu.Lock()
			v.targetSystem = env.SystemID
			v.targetComponent = env.ComponentID
			v.mu.Unlock()
			close(heartbeat)
		}

		if !v.store.apply(env.Msg, time.Now()) {
			v.logger.Debug(fmt.Sprintf("ignoring %T", env.Msg))
		}
	}
}

// deliverMissionReply hands a mission-protocol message to the active
// handshake without blocking the router. It reports whether a handshake was
// there to take it.
func (v *Vehicle) deliverMissionReply(msg message.Message) bool {
	v.mu.Lock()
	mc := v.mission
	v.mu.Unlock()

	if mc == nil {
		return false
	}
	select {
	case mc.replies <- msg:
		return true
	default:
		// The slot is full, so the uploader has stopped consuming; treat
		// the reply as undeliverable rather than stall the stream.
		return false
	}
}

// fault handles a transport error observed while routing: the link is gone,
// so the state flips to Disconnected and any in-flight handshake is
// unblocked with a connection-lost failure.
func (v *Vehicle) fault(conn link.Conn) {
	v.mu.Lock()
	v.state = Disconnected
	v.conn = nil
	mc := v.mission
	v.mu.Unlock()

	_ = conn.Close()
	if mc != nil {
		mc.lost()
	}
}
