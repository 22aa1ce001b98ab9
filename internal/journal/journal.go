// Package journal keeps a local history of provisioning runs and backend
// launch attempts in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sidecar/internal/storage"
)

// Launch outcomes.
const (
	LaunchStarting = "starting"
	LaunchReady    = "ready"
	LaunchFailed   = "failed"
	LaunchStopped  = "stopped"
)

// Launch modes.
const (
	ModeSpawn  = "spawn"
	ModeAttach = "attach"
)

type ProvisionRun struct {
	ID             string
	Version        string
	Outcome        string
	Reason         string
	Artifact       string
	ArtifactDigest string
	OptionalError  string
	Error          string
	StartedAt      time.Time
	Duration       time.Duration
}

type LaunchAttempt struct {
	ID        string
	Mode      string
	PID       int
	Port      uint16
	Outcome   string
	Error     string
	StartedAt time.Time
	ReadyAt   *time.Time
	StoppedAt *time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens the journal database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// ErrNoJournal is returned by OpenExisting when no journal has been written.
var ErrNoJournal = errors.New("journal not found")

// OpenExisting opens the journal only if it already exists.
func OpenExisting(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoJournal
	}
	return Open(ctx, path)
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// RecordProvision stores a completed provisioning run and returns its id.
func (s *Store) RecordProvision(ctx context.Context, run ProvisionRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provision_runs(id, version, outcome, reason, artifact, artifact_digest, optional_error, error, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		run.ID, run.Version, run.Outcome,
		nullString(run.Reason), nullString(run.Artifact), nullString(run.ArtifactDigest),
		nullString(run.OptionalError), nullString(run.Error),
		formatTime(run.StartedAt), run.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("insert provision run: %w", err)
	}
	return run.ID, nil
}

// BeginLaunch records a new launch attempt in the starting state.
func (s *Store) BeginLaunch(ctx context.Context, mode string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO launch_attempts(id, mode, outcome, started_at)
VALUES(?, ?, ?, ?);
`, id, mode, LaunchStarting, formatTime(startedAt))
	if err != nil {
		return "", fmt.Errorf("insert launch attempt: %w", err)
	}
	return id, nil
}

// MarkReady records the negotiated port and readiness time.
func (s *Store) MarkReady(ctx context.Context, id string, pid int, port uint16) error {
	return s.update(ctx, `
UPDATE launch_attempts SET outcome = ?, pid = ?, port = ?, ready_at = ? WHERE id = ?;
`, LaunchReady, pid, int(port), formatTime(time.Now()), id)
}

// MarkFailed records why a launch attempt failed.
func (s *Store) MarkFailed(ctx context.Context, id string, pid int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, `
UPDATE launch_attempts SET outcome = ?, pid = ?, error = ?, stopped_at = ? WHERE id = ?;
`, LaunchFailed, pid, nullString(msg), formatTime(time.Now()), id)
}

// MarkStopped records an orderly stop. Failed attempts keep their outcome.
func (s *Store) MarkStopped(ctx context.Context, id string) error {
	return s.update(ctx, `
UPDATE launch_attempts
SET outcome = CASE WHEN outcome = ? THEN outcome ELSE ? END,
    stopped_at = COALESCE(stopped_at, ?)
WHERE id = ?;
`, LaunchFailed, LaunchStopped, formatTime(time.Now()), id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update launch attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update launch attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("launch attempt not found")
	}
	return nil
}

// RecentProvisions returns up to limit runs, newest first.
func (s *Store) RecentProvisions(ctx context.Context, limit int) ([]ProvisionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, version, outcome, reason, artifact, artifact_digest, optional_error, error, started_at, duration_ms
FROM provision_runs
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query provision runs: %w", err)
	}
	defer rows.Close()

	var out []ProvisionRun
	for rows.Next() {
		var (
			r                                              ProvisionRun
			reason, artifact, digest, optionalErr, errText sql.NullString
			startedAt                                      string
			durationMS                                     int64
		)
		if err := rows.Scan(&r.ID, &r.Version, &r.Outcome, &reason, &artifact, &digest, &optionalErr, &errText, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan provision run: %w", err)
		}
		r.Reason = reason.String
		r.Artifact = artifact.String
		r.ArtifactDigest = digest.String
		r.OptionalError = optionalErr.String
		r.Error = errText.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentLaunches returns up to limit attempts, newest first.
func (s *Store) RecentLaunches(ctx context.Context, limit int) ([]LaunchAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, mode, pid, port, outcome, error, started_at, ready_at, stopped_at
FROM launch_attempts
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query launch attempts: %w", err)
	}
	defer rows.Close()

	var out []LaunchAttempt
	for rows.Next() {
		var (
			a                  LaunchAttempt
			pid, port          sql.NullInt64
			errText            sql.NullString
			startedAt          string
			readyAt, stoppedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Mode, &pid, &port, &a.Outcome, &errText, &startedAt, &readyAt, &stoppedAt); err != nil {
			return nil, fmt.Errorf("scan launch attempt: %w", err)
		}
		a.PID = int(pid.Int64)
		a.Port = uint16(port.Int64)
		a.Error = errText.String
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if a.ReadyAt, err = optionalTime(readyAt); err != nil {
			return nil, err
		}
		if a.StoppedAt, err = optionalTime(stoppedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func optionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &t, nil
}

