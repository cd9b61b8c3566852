// Package vehicle maintains the live link to a single flight controller: it
// owns the transport, runs the message router that demultiplexes the inbound
// stream, and exposes the fused telemetry snapshot and the mission-handshake
// channel.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/groundctl/groundctl/internal/link"
)

const (
	// DefaultHeartbeatTimeout bounds the wait for the first heartbeat after
	// opening the transport.
	DefaultHeartbeatTimeout = 10 * time.Second

	// DefaultRetryDelay separates connection attempts.
	DefaultRetryDelay = 2 * time.Second

	// routerJoinTimeout bounds how long teardown waits for the router
	// goroutine after closing the transport.
	routerJoinTimeout = 3 * time.Second

	// replyBuffer is the capacity of the mission reply slot. The handshake
	// is strictly request/reply, so a small buffer only has to absorb a
	// duplicate re-request.
	replyBuffer = 4
)

var (
	// ErrMissionBusy is returned by Mission when a handshake is already
	// active; only one may run at a time.
	ErrMissionBusy = errors.New("vehicle: mission operation already in progress")

	// ErrNotConnected is returned when an operation needs a live link.
	ErrNotConnected = errors.New("vehicle: not connected")

	// ErrConnectionLost is returned from a pending Await when the link
	// fails mid-handshake.
	ErrConnectionLost = errors.New("vehicle: connection lost")

	// ErrReplyTimeout is returned from Await when no reply arrives within
	// the step deadline.
	ErrReplyTimeout = errors.New("vehicle: timed out waiting for reply")
)

// State describes the lifecycle of the link.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingHeartbeat
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingHeartbeat:
		return "awaiting-heartbeat"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens the transport for one connection attempt. It exists so tests
// can substitute an in-memory link.
type Dialer func(port string, baudRate int) (link.Conn, error)

// WithLogger sets the logger for the vehicle.
func WithLogger(logger *slog.Logger) func(*Vehicle) {
	return func(v *Vehicle) {
		v.logger = logger.With(slog.String("component", "vehicle"))
	}
}

// WithDialer sets the transport factory used by Connect.
func WithDialer(dial Dialer) func(*Vehicle) {
	return func(v *Vehicle) {
		v.dial = dial
	}
}

// WithHeartbeatTimeout sets the per-attempt wait for the first heartbeat.
func WithHeartbeatTimeout(d time.Duration) func(*Vehicle) {
	return func(v *Vehicle) {
		v.heartbeatTimeout = d
	}
}

// WithRetryDelay sets the delay between connection attempts.
func WithRetryDelay(d time.Duration) func(*Vehicle) {
	return func(v *Vehicle) {
		v.retryDelay = d
	}
}

// Vehicle is the connection to one flight controller.
type Vehicle struct {
	logger           *slog.Logger
	dial             Dialer
	heartbeatTimeout time.Duration
	retryDelay       time.Duration

	mu              sync.Mutex
	state           State
	conn            link.Conn
	stopping        bool
	routerDone      chan struct{}
	targetSystem    byte
	targetComponent byte
	mission         *MissionChannel

	store   *telemetryStore
	lastMsg atomic.Int64 // unix nanos of the last received message
}

// New creates a Vehicle with a discard logger and the serial dialer.
func New(options ...func(*Vehicle)) *Vehicle {
	v := Vehicle{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		heartbeatTimeout: DefaultHeartbeatTimeout,
		retryDelay:       DefaultRetryDelay,
		store:            newTelemetryStore(),
	}
	v.dial = func(port string, baudRate int) (link.Conn, error) {
		return link.Dial(port, baudRate)
	}

	for _, option := range options {
		option(&v)
	}

	return &v
}

// Connect opens the transport and waits for the vehicle's first heartbeat,
// which also yields the target system and component ids. Up to retries
// attempts are made with a fixed delay in between; exhausted retries return
// an error that names the likely cause.
func (v *Vehicle) Connect(ctx context.Context, port string, baudRate, retries int) error {
	v.mu.Lock()
	switch v.state {
	case Connecting, AwaitingHeartbeat:
		v.mu.Unlock()
		return errors.New("vehicle: connection attempt already in progress")
	case Connected:
		v.mu.Unlock()
		return errors.New("vehicle: already connected")
	}
	v.state = Connecting
	v.mu.Unlock()

	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		v.logger.Info("connecting",
			slog.String("port", port),
			slog.Int("baud", baudRate),
			slog.Int("attempt", attempt),
			slog.Int("retries", retries))

		err := v.attempt(ctx, port, baudRate)
		if err == nil {
			system, component := v.Target()
			v.logger.Info("connected",
				slog.Int("targetSystem", int(system)),
				slog.Int("targetComponent", int(component)))
			return nil
		}

		lastErr = err
		v.logger.Warn(fmt.Sprintf("attempt %d failed: %s", attempt, err))

		if attempt < retries {
			select {
			case <-time.After(v.retryDelay):
			case <-ctx.Done():
				v.setState(Failed)
				return ctx.Err()
			}
		}
	}

	v.setState(Failed)
	if link.IsAccessDenied(lastErr) {
		return fmt.Errorf("port %s is in use or needs elevated privileges; "+
			"close other ground station software, replug the radio, or run "+
			"with elevated privileges: %w", port, lastErr)
	}
	return fmt.Errorf("connection failed after %d attempts: %w", retries, lastErr)
}

// attempt runs a single open-and-await-heartbeat cycle. The router is
// started as soon as the transport is open so the heartbeat is observed
// through the normal routing path.
func (v *Vehicle) attempt(ctx context.Context, port string, baudRate int) error {
	conn, err := v.dial(port, baudRate)
	if err != nil {
		return err
	}

	heartbeat := make(chan struct{})
	done := make(chan struct{})

	v.mu.Lock()
	v.conn = conn
	v.stopping = false
	v.routerDone = done
	v.state = AwaitingHeartbeat
	v.mu.Unlock()

	go v.route(conn, heartbeat, done)

	select {
	case <-heartbeat:
		v.setState(Connected)
		return nil
	case <-done:
		v.teardown()
		return errors.New("link failed before the first heartbeat")
	case <-time.After(v.heartbeatTimeout):
		v.teardown()
		return fmt.Errorf("no heartbeat within %s", v.heartbeatTimeout)
	case <-ctx.Done():
		v.teardown()
		return ctx.Err()
	}
}

// Disconnect tears the link down: the router is signalled to stop, the
// transport is closed and the router joined with a bounded wait. It is safe
// to call repeatedly and when not connected.
func (v *Vehicle) Disconnect() {
	v.mu.Lock()
	idle := v.state == Disconnected && v.conn == nil
	v.mu.Unlock()
	if idle {
		return
	}

	v.teardown()
	v.logger.Info("disconnected")
}

// teardown closes the transport, unblocks any pending mission wait and
// joins the router.
func (v *Vehicle) teardown() {
	v.mu.Lock()
	v.stopping = true
	conn := v.conn
	done := v.routerDone
	mc := v.mission
	v.conn = nil
	v.routerDone = nil
	v.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if mc != nil {
		mc.lost()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(routerJoinTimeout):
			v.logger.Warn("router did not stop in time")
		}
	}

	v.setState(Disconnected)
}

// Connected reports whether the link is up.
func (v *Vehicle) Connected() bool {
	return v.State() == Connected
}

// State returns the current lifecycle state.
func (v *Vehicle) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vehicle) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Target returns the system and component ids reported by the vehicle's
// first heartbeat.
func (v *Vehicle) Target() (system, component byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.targetSystem, v.targetComponent
}

// Snapshot returns the current telemetry. The returned value is a copy and
// never torn.
func (v *Vehicle) Snapshot() Telemetry {
	return v.store.snapshot()
}

// Subscribe returns a channel receiving a snapshot after every telemetry
// update. The router never blocks on it; when the channel is full, updates
// are dropped.
func (v *Vehicle) Subscribe(buffer int) <-chan Telemetry {
	if buffer < 1 {
		buffer = 1
	}
	return v.store.subscribe(buffer)
}

// LastMessageAt returns when the router last received any message, the zero
// time if nothing has arrived yet. Staleness of the link is
// time.Since(LastMessageAt).
func (v *Vehicle) LastMessageAt() time.Time {
	ns := v.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MissionChannel is the single slot through which a mission handshake sends
// requests and receives the replies the router routes to it. Claim it with
// Mission, release it when the handshake ends.
type MissionChannel struct {
	v        *Vehicle
	replies  chan message.Message
	lostCh   chan struct{}
	lostOnce sync.Once
}

// Mission claims the mission-handshake slot. At most one handshake may be
// active; a concurrent claim fails with ErrMissionBusy.
func (v *Vehicle) Mission() (*MissionChannel, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Connected {
		return nil, ErrNotConnected
	}
	if v.mission != nil {
		return nil, ErrMissionBusy
	}

	mc := &MissionChannel{
		v:       v,
		replies: make(chan message.Message, replyBuffer),
		lostCh:  make(chan struct{}),
	}
	v.mission = mc
	return mc, nil
}

// Send writes a message to the vehicle. Sends go straight to the transport;
// only the receive side is owned by the router.
func (mc *MissionChannel) Send(msg message.Message) error {
	mc.v.mu.Lock()
	conn := mc.v.conn
	mc.v.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(msg)
}

// Await blocks until the router delivers the next mission-protocol reply,
// the timeout lapses, the link drops, or ctx is cancelled.
func (mc *MissionChannel) Await(ctx context.Context, timeout time.Duration) (message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-mc.replies:
		return msg, nil
	case <-timer.C:
		return nil, ErrReplyTimeout
	case <-mc.lostCh:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release frees the handshake slot. Undelivered replies are dropped.
func (mc *MissionChannel) Release() {
	mc.v.mu.Lock()
	if mc.v.mission == mc {
		mc.v.mission = nil
	}
	mc.v.mu.Unlock()
}

func (mc *MissionChannel) lost() {
	mc.lostOnce.Do(func() { close(mc.lostCh) })
}
