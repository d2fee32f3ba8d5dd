package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/shohei-video/analyzer-worker/internal/metrics"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	upload_id TEXT PRIMARY KEY,
	current_step TEXT NOT NULL,
	intermediate_video_path TEXT DEFAULT '',
	intermediate_audio_path TEXT DEFAULT '',
	video_duration REAL NOT NULL DEFAULT 0,
	total_audio_chunks INTEGER NOT NULL DEFAULT 0,
	total_scenes INTEGER NOT NULL DEFAULT 0,
	completed_audio_chunks TEXT NOT NULL DEFAULT '[]',
	transcription_segments TEXT NOT NULL DEFAULT '[]',
	scene_cuts TEXT NOT NULL DEFAULT '[]',
	completed_ocr_scenes TEXT NOT NULL DEFAULT '[]',
	ocr_results TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_expires_at ON checkpoints(expires_at);
`

// Store persists checkpoint rows in a SQLite database, one row per upload.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite-backed checkpoint store at dbPath, in
// WAL mode, matching the pack's SQLite store construction discipline.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, werr.New(werr.Internal, "checkpoint.Open", fmt.Errorf("create db directory: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, werr.New(werr.Internal, "checkpoint.Open", fmt.Errorf("open database: %w", err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, werr.New(werr.Internal, "checkpoint.Open", fmt.Errorf("create schema: %w", err))
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		db.Close()
		return nil, werr.New(werr.Internal, "checkpoint.Open", fmt.Errorf("insert schema version: %w", err))
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the checkpoint for uploadID, or NotFound if none exists.
// An expired row is still returned (with its expiry intact); the caller
// decides whether to treat it as absent.
func (s *Store) Load(ctx context.Context, uploadID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_id, current_step, intermediate_video_path, intermediate_audio_path,
			video_duration, total_audio_chunks, total_scenes,
			completed_audio_chunks, transcription_segments, scene_cuts,
			completed_ocr_scenes, ocr_results,
			created_at, updated_at, expires_at, retry_count, version
		FROM checkpoints WHERE upload_id = ?
	`, uploadID)

	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, werr.Newf(werr.NotFound, "checkpoint.Load", "no checkpoint for upload %q", uploadID)
	}
	if err != nil {
		return nil, werr.New(werr.Internal, "checkpoint.Load", err)
	}
	return st, nil
}

// Save writes a full snapshot of st. If opts.IncrementVersion is set, the
// write is a CAS against the row's existing version; a version mismatch
// returns an Internal error and leaves the row unchanged rather than
// clobbering newer state. Save does not reload or retry, and its callers
// handle the error like any other save failure.
func (s *Store) Save(ctx context.Context, st *State, opts SaveOptions) error {
	saveStart := time.Now()
	defer func() { metrics.CheckpointSaveDurationSeconds.Observe(time.Since(saveStart).Seconds()) }()

	now := time.Now()
	cp := st.Clone()
	cp.UpdatedAt = now
	if opts.IncrementRetry {
		cp.RetryCount++
	}

	expectedVersion := cp.Version
	if opts.IncrementVersion {
		cp.Version++
	}

	chunksJSON, err := json.Marshal(cp.CompletedAudioChunkIndices())
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}
	segmentsJSON, err := json.Marshal(cp.TranscriptionSegments)
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}
	cutsJSON, err := json.Marshal(cp.SceneCuts)
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}
	ocrScenesJSON, err := json.Marshal(cp.CompletedOcrSceneIndices())
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}
	ocrResultsJSON, err := json.Marshal(cp.OcrResults)
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	var result sql.Result
	if opts.IncrementVersion {
		result, err = s.db.ExecContext(ctx, `
			UPDATE checkpoints SET
				current_step = ?, intermediate_video_path = ?, intermediate_audio_path = ?,
				video_duration = ?, total_audio_chunks = ?, total_scenes = ?,
				completed_audio_chunks = ?, transcription_segments = ?, scene_cuts = ?,
				completed_ocr_scenes = ?, ocr_results = ?,
				updated_at = ?, expires_at = ?, retry_count = ?, version = ?
			WHERE upload_id = ? AND version = ?
		`,
			string(cp.CurrentStep), cp.IntermediateVideoPath, cp.IntermediateAudioPath,
			cp.VideoDuration, cp.TotalAudioChunks, cp.TotalScenes,
			string(chunksJSON), string(segmentsJSON), string(cutsJSON),
			string(ocrScenesJSON), string(ocrResultsJSON),
			formatTime(cp.UpdatedAt), formatTime(cp.ExpiresAt), cp.RetryCount, cp.Version,
			cp.UploadID, expectedVersion,
		)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE checkpoints SET
				current_step = ?, intermediate_video_path = ?, intermediate_audio_path = ?,
				video_duration = ?, total_audio_chunks = ?, total_scenes = ?,
				completed_audio_chunks = ?, transcription_segments = ?, scene_cuts = ?,
				completed_ocr_scenes = ?, ocr_results = ?,
				updated_at = ?, expires_at = ?, retry_count = ?, version = ?
			WHERE upload_id = ?
		`,
			string(cp.CurrentStep), cp.IntermediateVideoPath, cp.IntermediateAudioPath,
			cp.VideoDuration, cp.TotalAudioChunks, cp.TotalScenes,
			string(chunksJSON), string(segmentsJSON), string(cutsJSON),
			string(ocrScenesJSON), string(ocrResultsJSON),
			formatTime(cp.UpdatedAt), formatTime(cp.ExpiresAt), cp.RetryCount, cp.Version,
			cp.UploadID,
		)
	}
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return werr.New(werr.Internal, "checkpoint.Save", err)
	}
	if affected == 0 {
		// Either the row doesn't exist yet (first save) or the CAS failed.
		inserted, insErr := s.tryInsert(ctx, cp, chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON)
		if insErr != nil {
			return insErr
		}
		if !inserted {
			return werr.Newf(werr.Internal, "checkpoint.Save", "version conflict saving checkpoint %q: expected version %d", cp.UploadID, expectedVersion)
		}
	}

	*st = *cp
	return nil
}

func (s *Store) tryInsert(ctx context.Context, cp *State, chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoints (
			upload_id, current_step, intermediate_video_path, intermediate_audio_path,
			video_duration, total_audio_chunks, total_scenes,
			completed_audio_chunks, transcription_segments, scene_cuts,
			completed_ocr_scenes, ocr_results,
			created_at, updated_at, expires_at, retry_count, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cp.UploadID, string(cp.CurrentStep), cp.IntermediateVideoPath, cp.IntermediateAudioPath,
		cp.VideoDuration, cp.TotalAudioChunks, cp.TotalScenes,
		string(chunksJSON), string(segmentsJSON), string(cutsJSON),
		string(ocrScenesJSON), string(ocrResultsJSON),
		formatTime(cp.CreatedAt), formatTime(cp.UpdatedAt), formatTime(cp.ExpiresAt), cp.RetryCount, cp.Version,
	)
	if err != nil {
		return false, werr.New(werr.Internal, "checkpoint.Save", err)
	}

	// An ignored insert means the row already exists, so the UPDATE above
	// missed because of a version mismatch.
	n, err := result.RowsAffected()
	if err != nil {
		return false, werr.New(werr.Internal, "checkpoint.Save", err)
	}
	return n > 0, nil
}

// Delete removes the checkpoint row for uploadID (called on job completion).
func (s *Store) Delete(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE upload_id = ?", uploadID); err != nil {
		return werr.New(werr.Internal, "checkpoint.Delete", err)
	}
	return nil
}

// Sweep removes all checkpoint rows whose expiry has passed at `now`,
// returning the number of rows deleted.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE expires_at < ?", formatTime(now))
	if err != nil {
		return 0, werr.New(werr.Internal, "checkpoint.Sweep", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, werr.New(werr.Internal, "checkpoint.Sweep", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var st State
	var currentStep string
	var chunksJSON, segmentsJSON, cutsJSON, ocrScenesJSON, ocrResultsJSON string
	var createdAt, updatedAt, expiresAt string

	err := row.Scan(
		&st.UploadID, &currentStep, &st.IntermediateVideoPath, &st.IntermediateAudioPath,
		&st.VideoDuration, &st.TotalAudioChunks, &st.TotalScenes,
		&chunksJSON, &segmentsJSON, &cutsJSON,
		&ocrScenesJSON, &ocrResultsJSON,
		&createdAt, &updatedAt, &expiresAt, &st.RetryCount, &st.Version,
	)
	if err != nil {
		return nil, err
	}

	st.CurrentStep = Step(currentStep)

	var chunks []int
	if err := json.Unmarshal([]byte(chunksJSON), &chunks); err != nil {
		return nil, err
	}
	st.CompletedAudioChunks = make(map[int]struct{}, len(chunks))
	for _, c := range chunks {
		st.CompletedAudioChunks[c] = struct{}{}
	}

	if err := json.Unmarshal([]byte(segmentsJSON), &st.TranscriptionSegments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cutsJSON), &st.SceneCuts); err != nil {
		return nil, err
	}

	var ocrScenes []int
	if err := json.Unmarshal([]byte(ocrScenesJSON), &ocrScenes); err != nil {
		return nil, err
	}
	st.CompletedOcrScenes = make(map[int]struct{}, len(ocrScenes))
	for _, c := range ocrScenes {
		st.CompletedOcrScenes[c] = struct{}{}
	}

	if err := json.Unmarshal([]byte(ocrResultsJSON), &st.OcrResults); err != nil {
		return nil, err
	}

	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	st.ExpiresAt = parseTime(expiresAt)

	return &st, nil
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
