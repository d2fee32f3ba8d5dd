// Package statusstore implements upsert/read of the externally
// observable job status row, with a strongly-typed metadata blob (never a
// generic map) stored alongside the coarse status/progress columns.
package statusstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS job_status (
	upload_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	current_step TEXT DEFAULT '',
	result_url TEXT DEFAULT '',
	error TEXT DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_job_status_status ON job_status(status);
`

// Row is one job's externally observable status.
type Row struct {
	UploadID    string
	UserID      string
	Status      pipeline.Status
	Progress    int
	CurrentStep string
	ResultURL   string
	Error       string
	Metadata    pipeline.StatusMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Update is a partial update; zero-value fields are treated as "no change"
// except where noted. Use pointer fields to distinguish "not set" from "set
// to the zero value" on Status/Progress.
type Update struct {
	Status      *pipeline.Status
	Progress    *int
	CurrentStep *string
	ResultURL   *string
	Error       *string
	Metadata    *pipeline.StatusMetadata
}

// Store is a SQLite-backed status row store.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite-backed status store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, werr.New(werr.Internal, "statusstore.Open", fmt.Errorf("create db directory: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, werr.New(werr.Internal, "statusstore.Open", fmt.Errorf("open database: %w", err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, werr.New(werr.Internal, "statusstore.Open", fmt.Errorf("create schema: %w", err))
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		db.Close()
		return nil, werr.New(werr.Internal, "statusstore.Open", fmt.Errorf("insert schema version: %w", err))
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Init inserts a fresh pending row for uploadID/userID if one doesn't
// already exist (insert-or-ignore).
func (s *Store) Init(ctx context.Context, uploadID, userID string) error {
	now := formatTime(time.Now())
	metadata, err := json.Marshal(pipeline.StatusMetadata{})
	if err != nil {
		return werr.New(werr.Internal, "statusstore.Init", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_status (upload_id, user_id, status, progress, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, uploadID, userID, string(pipeline.StatusPending), string(metadata), now, now)
	if err != nil {
		return werr.New(werr.Internal, "statusstore.Init", err)
	}
	return nil
}

// Get returns the row for uploadID, scoped to userID by the WHERE clause
// (a mismatch here is absence, not a permission error; the caller exposing
// status externally decides how to surface that distinction).
func (s *Store) Get(ctx context.Context, uploadID, userID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_id, user_id, status, progress, current_step, result_url, error, metadata, created_at, updated_at
		FROM job_status WHERE upload_id = ? AND user_id = ?
	`, uploadID, userID)

	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, werr.Newf(werr.NotFound, "statusstore.Get", "no status row for upload %q", uploadID)
	}
	if err != nil {
		return nil, werr.New(werr.Internal, "statusstore.Get", err)
	}
	return r, nil
}

// GetByID returns the row for uploadID without user-scoping, for the
// worker-internal status/result routes where the caller is the trusted
// platform itself rather than the uploading user.
func (s *Store) GetByID(ctx context.Context, uploadID string) (*Row, error) {
	return s.getByID(ctx, uploadID)
}

// Update applies a best-effort, last-writer-wins partial update. A status
// write that would downgrade an already-terminal row is silently dropped
// (not an error) rather than applied.
func (s *Store) Update(ctx context.Context, uploadID string, u Update) error {
	current, err := s.getByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() && u.Status != nil && *u.Status != current.Status {
		return nil
	}
	if u.Status != nil && !pipeline.CanTransition(current.Status, *u.Status) {
		return nil
	}

	next := *current
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.Progress != nil {
		next.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		next.CurrentStep = *u.CurrentStep
	}
	if u.ResultURL != nil {
		next.ResultURL = *u.ResultURL
	}
	if u.Error != nil {
		next.Error = *u.Error
	}
	if u.Metadata != nil {
		next.Metadata = *u.Metadata
	}
	next.UpdatedAt = time.Now()

	metadataJSON, err := json.Marshal(next.Metadata)
	if err != nil {
		return werr.New(werr.Internal, "statusstore.Update", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE job_status SET status = ?, progress = ?, current_step = ?, result_url = ?, error = ?, metadata = ?, updated_at = ?
		WHERE upload_id = ?
	`, string(next.Status), next.Progress, next.CurrentStep, next.ResultURL, next.Error, string(metadataJSON), formatTime(next.UpdatedAt), uploadID)
	if err != nil {
		return werr.New(werr.Internal, "statusstore.Update", err)
	}
	return nil
}

// Complete is a derived helper: marks the job completed with a result
// reference. The orchestrator retries it until it succeeds or ctx ends.
func (s *Store) Complete(ctx context.Context, uploadID, resultRef string, metadata pipeline.StatusMetadata) error {
	status := pipeline.StatusCompleted
	progress := 100
	return s.Update(ctx, uploadID, Update{
		Status:    &status,
		Progress:  &progress,
		ResultURL: &resultRef,
		Metadata:  &metadata,
	})
}

// Interrupt carries the shutdown-signal context folded into a Fail call's
// metadata: the signal name and the UTC timestamp it was handled at.
type Interrupt struct {
	Signal        string
	InterruptedAt string
}

// Fail is a derived helper: marks the job errored with a message and an
// optional error code folded into the metadata blob. interrupt is nil for
// an ordinary pipeline-stage failure; shutdown-triggered failures pass the
// signal and timestamp to surface in the metadata's signal/interruptedAt
// fields.
func (s *Store) Fail(ctx context.Context, uploadID, message string, errorCode string, interrupt *Interrupt) error {
	status := pipeline.StatusError
	current, err := s.getByID(ctx, uploadID)
	if err != nil {
		return err
	}
	meta := current.Metadata
	if errorCode != "" {
		meta.ErrorCode = &errorCode
	}
	if interrupt != nil {
		meta.Signal = &interrupt.Signal
		meta.InterruptedAt = &interrupt.InterruptedAt
	}
	return s.Update(ctx, uploadID, Update{
		Status:   &status,
		Error:    &message,
		Metadata: &meta,
	})
}

func (s *Store) getByID(ctx context.Context, uploadID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_id, user_id, status, progress, current_step, result_url, error, metadata, created_at, updated_at
		FROM job_status WHERE upload_id = ?
	`, uploadID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, werr.Newf(werr.NotFound, "statusstore", "no status row for upload %q", uploadID)
	}
	if err != nil {
		return nil, werr.New(werr.Internal, "statusstore", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*Row, error) {
	var r Row
	var status string
	var metadataJSON string
	var createdAt, updatedAt string

	err := row.Scan(&r.UploadID, &r.UserID, &status, &r.Progress, &r.CurrentStep,
		&r.ResultURL, &r.Error, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = pipeline.Status(status)
	if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
