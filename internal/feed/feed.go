// Package feed exposes the telemetry push stream to UI observers over
// websockets, plus a small JSON status endpoint. It subscribes to the
// vehicle like any other consumer and never feeds back into the link.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groundctl/groundctl/internal/vehicle"
)

const writeDeadline = time.Second

// Source is the read-only view of the vehicle the feed serves.
type Source interface {
	Snapshot() vehicle.Telemetry
	Subscribe(buffer int) <-chan vehicle.Telemetry
	State() vehicle.State
	LastMessageAt() time.Time
}

// Broadcaster fans messages out to any number of websocket subscribers.
// Dead or slow sockets are dropped rather than blocking the telemetry path.
type Broadcaster struct {
	logger   *slog.Logger
	messages chan []byte

	mu      sync.Mutex
	sockets []*websocket.Conn
}

// NewBroadcaster creates a Broadcaster and starts its writer goroutine.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	b := Broadcaster{
		logger:   logger,
		messages: make(chan []byte, 64),
	}
	go b.writer()
	return &b
}

// SendJSON queues v, JSON-encoded, for delivery to all sockets. It never
// blocks; when the queue is full the update is dropped.
func (b *Broadcaster) SendJSON(v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		b.logger.Error(fmt.Sprintf("encoding broadcast: %s", err))
		return
	}

	select {
	case b.messages <- buf:
	default:
	}
}

func (b *Broadcaster) add(sock *websocket.Conn) {
	b.mu.Lock()
	b.sockets = append(b.sockets, sock)
	b.mu.Unlock()
}

func (b *Broadcaster) writer() {
	for msg := range b.messages {
		b.mu.Lock()
		alive := b.sockets[:0]
		for _, sock := range b.sockets {
			_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = sock.Close()
				continue
			}
			alive = append(alive, sock)
		}
		b.sockets = alive
		b.mu.Unlock()
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "feed"))
	}
}

// Server serves the telemetry websocket and status endpoint.
type Server struct {
	source   Source
	logger   *slog.Logger
	bc       *Broadcaster
	upgrader websocket.Upgrader
	srv      *http.Server
	stop     chan struct{}
}

// NewServer creates a Server listening on addr once started.
func NewServer(source Source, addr string, options ...func(*Server)) *Server {
	s := Server{
		source: source,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		upgrader: websocket.Upgrader{
			// local ground station UI, no cross-origin policy to enforce
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}

	for _, option := range options {
		option(&s)
	}

	s.bc = NewBroadcaster(s.logger)
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return &s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", s.handleTelemetryWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// Start begins listening and pumping telemetry updates to subscribers.
func (s *Server) Start() {
	go s.pump()
	go func() {
		s.logger.Info("feed listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("feed server: %s", err))
		}
	}()
}

// Stop shuts the server down and stops the pump.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stop)
	return s.srv.Shutdown(ctx)
}

// pump forwards every telemetry update to the broadcaster.
func (s *Server) pump() {
	stream := s.source.Subscribe(16)
	for {
		select {
		case <-s.stop:
			return
		case t := <-stream:
			s.bc.SendJSON(t)
		}
	}
}

func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("websocket upgrade: %s", err))
		return
	}

	// seed the new subscriber with the current snapshot so it does not sit
	// empty until the next update
	snap, err := json.Marshal(s.source.Snapshot())
	if err == nil {
		_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err = sock.WriteMessage(websocket.TextMessage, snap); err != nil {
			_ = sock.Close()
			return
		}
	}

	s.bc.add(sock)

	// drain the read side until the peer goes away; the broadcaster prunes
	// the socket on its next write after that
	go func() {
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var staleness float64
	if last := s.source.LastMessageAt(); !last.IsZero() {
		staleness = time.Since(last).Seconds()
	}

	status := struct {
		State      string  `json:"state"`
		StalenessS float64 `json:"stalenessSeconds"`
	}{
		State:      s.source.State().String(),
		StalenessS: staleness,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error(fmt.Sprintf("encoding status: %s", err))
	}
}
