// Package flightlog records the telemetry push stream into a local sqlite
// database, one session per connection, for later analysis. It is a
// consumer of the link core, not part of it.
package flightlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/groundctl/groundctl/internal/vehicle"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time, port)
VALUES (?, ?)`

	endSessionSQL = `
UPDATE sessions SET end_time = ? WHERE id = ?`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       latitude,
                       longitude,
                       altitude,
                       pitch,
                       roll,
                       yaw,
                       battery,
                       voltage,
                       current,
                       mode,
                       armed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sessionSummarySQL = `
SELECT COUNT(*),
       COALESCE(MIN(timestamp), ''),
       COALESCE(MAX(timestamp), ''),
       COALESCE(MAX(altitude), 0),
       COALESCE(MIN(battery), 0)
FROM telemetry
WHERE session_id = ?`
)

// Summary aggregates one recorded session.
type Summary struct {
	Samples     int64
	First       time.Time
	Last        time.Time
	MaxAltitude float64
	MinBattery  int
}

// Duration is the span between the first and last recorded sample.
func (s *Summary) Duration() time.Duration {
	if s.Samples == 0 {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Store persists telemetry samples per flight session.
type Store struct {
	db *sql.DB

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateSession starts a new recording session for the given port and
// returns its id.
func (s *Store) CreateSession(ctx context.Context, port string) (int64, error) {
	result, err := s.db.ExecContext(ctx, insertSessionSQL, time.Now().UTC(), port)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading session id: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, endSessionSQL, time.Now().UTC(), sessionID); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// AppendTelemetry stores one snapshot under the session.
func (s *Store) AppendTelemetry(ctx context.Context, sessionID int64, t vehicle.Telemetry) error {
	_, err := s.db.ExecContext(ctx, insertTelemetrySQL,
		sessionID,
		t.UpdatedAt.UTC(),
		t.Latitude,
		t.Longitude,
		t.Altitude,
		t.Pitch,
		t.Roll,
		t.Yaw,
		t.Battery,
		t.Voltage,
		t.Current,
		t.Mode,
		t.Armed,
	)
	if err != nil {
		return fmt.Errorf("inserting telemetry: %w", err)
	}
	return nil
}

// SessionSummary aggregates the recorded samples of one session.
func (s *Store) SessionSummary(ctx context.Context, sessionID int64) (*Summary, error) {
	var (
		sum         Summary
		first, last string
	)

	row := s.db.QueryRowContext(ctx, sessionSummarySQL, sessionID)
	if err := row.Scan(&sum.Samples, &first, &last, &sum.MaxAltitude, &sum.MinBattery); err != nil {
		return nil, fmt.Errorf("querying session summary: %w", err)
	}

	if sum.Samples > 0 {
		var err error
		if sum.First, err = parseTimestamp(first); err != nil {
			return nil, err
		}
		if sum.Last, err = parseTimestamp(last); err != nil {
			return nil, err
		}
	}
	return &sum, nil
}

// Close releases the database connection. It is safe to call more than
// once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// parseTimestamp handles the formats the sqlite driver may hand back for a
// DATETIME column.
func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q", v)
}
