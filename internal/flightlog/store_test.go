package flightlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/groundctl/groundctl/internal/vehicle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "flight.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func sample(at time.Time, altitude float64, battery int) vehicle.Telemetry {
	return vehicle.Telemetry{
		Latitude:  37.0,
		Longitude: -122.0,
		Altitude:  altitude,
		Battery:   battery,
		Voltage:   12.4,
		Current:   8.1,
		Mode:      "GUIDED",
		Armed:     true,
		UpdatedAt: at,
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if sessionID == 0 {
		t.Fatal("session id should be non-zero")
	}

	start := time.Date(2026, time.August, 28, 10, 0, 0, 0, time.UTC)
	for i, alt := range []float64{5, 42.5, 30} {
		s := sample(start.Add(time.Duration(i)*time.Second), alt, 90-i*10)
		if err = store.AppendTelemetry(ctx, sessionID, s); err != nil {
			t.Fatalf("appending sample %d: %v", i, err)
		}
	}

	if err = store.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("ending session: %v", err)
	}

	sum, err := store.SessionSummary(ctx, sessionID)
	if err != nil {
		t.Fatalf("querying summary: %v", err)
	}

	if sum.Samples != 3 {
		t.Errorf("got %d samples, expected 3", sum.Samples)
	}
	if sum.MaxAltitude != 42.5 {
		t.Errorf("got max altitude %f, expected 42.5", sum.MaxAltitude)
	}
	if sum.MinBattery != 70 {
		t.Errorf("got min battery %d, expected 70", sum.MinBattery)
	}
	if d := sum.Duration(); d != 2*time.Second {
		t.Errorf("got duration %s, expected 2s", d)
	}
}

func TestStore_EmptySessionSummary(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	sum, err := store.SessionSummary(ctx, sessionID)
	if err != nil {
		t.Fatalf("querying summary: %v", err)
	}

	if sum.Samples != 0 {
		t.Errorf("got %d samples, expected 0", sum.Samples)
	}
	if d := sum.Duration(); d != 0 {
		t.Errorf("empty session duration is %s, expected 0", d)
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	store := openTestStore(t)

	if err := store.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRecorder_ThinsAndFinalizes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	// 10 samples 100ms apart with a 250ms interval keeps every third one
	stream := make(chan vehicle.Telemetry, 16)
	start := time.Date(2026, time.August, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		stream <- sample(start.Add(time.Duration(i)*100*time.Millisecond), 10, 80)
	}
	close(stream)

	rec := NewRecorder(store, sessionID, WithSampleInterval(250*time.Millisecond))
	if err = rec.Record(ctx, stream); err != nil {
		t.Fatalf("recording: %v", err)
	}

	sum, err := store.SessionSummary(ctx, sessionID)
	if err != nil {
		t.Fatalf("querying summary: %v", err)
	}
	if sum.Samples != 4 {
		t.Errorf("got %d samples, expected 4", sum.Samples)
	}
}

func TestRecorder_StopsOnCancel(t *testing.T) {
	store := openTestStore(t)

	sessionID, err := store.CreateSession(context.Background(), "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := make(chan vehicle.Telemetry) // never fed
	rec := NewRecorder(store, sessionID)

	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx, stream) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("recording: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop on cancel")
	}
}
