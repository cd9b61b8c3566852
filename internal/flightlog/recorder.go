package flightlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/groundctl/groundctl/internal/vehicle"
)

// DefaultSampleInterval thins the telemetry stream to a sustainable write
// rate; attitude updates alone can arrive tens of times per second.
const DefaultSampleInterval = 500 * time.Millisecond

// WithSampleInterval sets the minimum spacing between stored samples.
func WithSampleInterval(d time.Duration) func(*Recorder) {
	return func(r *Recorder) {
		r.interval = d
	}
}

// WithRecorderLogger sets the logger for the recorder.
func WithRecorderLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger.With(slog.String("component", "flightlog"))
	}
}

// Recorder drains a telemetry stream into the store.
type Recorder struct {
	store     *Store
	sessionID int64
	interval  time.Duration
	logger    *slog.Logger
}

// NewRecorder creates a Recorder writing into an existing session.
func NewRecorder(store *Store, sessionID int64, options ...func(*Recorder)) *Recorder {
	r := Recorder{
		store:     store,
		sessionID: sessionID,
		interval:  DefaultSampleInterval,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Record consumes the stream until it closes or ctx is cancelled, then
// stamps the session end time. Insert failures are logged and skipped; a
// recording glitch must not take the telemetry pipeline down.
func (r *Recorder) Record(ctx context.Context, stream <-chan vehicle.Telemetry) error {
	r.logger.Info("recording started", slog.Int64("session", r.sessionID))

	var (
		last  time.Time
		count int64
	)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case t, ok := <-stream:
			if !ok {
				break loop
			}
			if !last.IsZero() && t.UpdatedAt.Sub(last) < r.interval {
				continue
			}

			if err := r.store.AppendTelemetry(ctx, r.sessionID, t); err != nil {
				if ctx.Err() != nil {
					break loop
				}
				r.logger.Error(err.Error())
				continue
			}

			last = t.UpdatedAt
			count++
		}
	}

	// the context that stopped us cannot be used to finalize
	endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.store.EndSession(endCtx, r.sessionID); err != nil {
		return fmt.Errorf("finalizing session: %w", err)
	}

	r.logger.Info("recording stopped",
		slog.Int64("session", r.sessionID),
		slog.Int64("samples", count))
	return nil
}
