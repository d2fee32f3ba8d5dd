package statusstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shohei-video/analyzer-worker/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitThenGetReturnsPendingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Init(ctx, "upload_1", "user_1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	row, err := s.Get(ctx, "upload_1", "user_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != pipeline.StatusPending || row.Progress != 0 || row.UserID != "user_1" {
		t.Errorf("unexpected row: %+v", row)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Init(ctx, "upload_1", "user_1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	progress := 42
	status := pipeline.StatusProcessing
	if err := s.Update(ctx, "upload_1", Update{Progress: &progress, Status: &status}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// A second Init must not clobber progress already made.
	if err := s.Init(ctx, "upload_1", "user_1"); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	row, _ := s.Get(ctx, "upload_1", "user_1")
	if row.Progress != 42 {
		t.Errorf("expected Init to be insert-or-ignore, progress reset to %d", row.Progress)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "upload_1", "user_1")

	completed := pipeline.StatusCompleted
	processing := pipeline.StatusProcessing
	if err := s.Update(ctx, "upload_1", Update{Status: &completed}); err != nil {
		t.Fatalf("Update to completed: %v", err)
	}
	if err := s.Update(ctx, "upload_1", Update{Status: &processing}); err != nil {
		t.Fatalf("Update attempting downgrade: %v", err)
	}

	row, _ := s.Get(ctx, "upload_1", "user_1")
	if row.Status != pipeline.StatusCompleted {
		t.Errorf("expected terminal status to stick, got %q", row.Status)
	}
}

func TestProgressMonotonicWithinRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "upload_1", "user_1")

	for _, p := range []int{10, 25, 50, 80} {
		progress := p
		if err := s.Update(ctx, "upload_1", Update{Progress: &progress}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		row, _ := s.Get(ctx, "upload_1", "user_1")
		if row.Progress != p {
			t.Errorf("expected progress %d, got %d", p, row.Progress)
		}
	}
}

func TestCompleteSetsTerminalRowAndProgress100(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "upload_1", "user_1")

	if err := s.Complete(ctx, "upload_1", "results/user_1/upload_1/report.xlsx", pipeline.StatusMetadata{TotalScenes: intPtr(3)}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	row, err := s.Get(ctx, "upload_1", "user_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != pipeline.StatusCompleted || row.Progress != 100 {
		t.Errorf("unexpected row after Complete: %+v", row)
	}
	if row.Metadata.TotalScenes == nil || *row.Metadata.TotalScenes != 3 {
		t.Errorf("expected metadata.totalScenes=3, got %+v", row.Metadata)
	}
}

func TestFailSetsErrorAndCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "upload_1", "user_1")

	if err := s.Fail(ctx, "upload_1", "Processing was interrupted. Please try uploading again.", "SERVER_SHUTDOWN", nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	row, _ := s.Get(ctx, "upload_1", "user_1")
	if row.Status != pipeline.StatusError {
		t.Errorf("expected error status, got %q", row.Status)
	}
	if row.Metadata.ErrorCode == nil || *row.Metadata.ErrorCode != "SERVER_SHUTDOWN" {
		t.Errorf("expected errorCode SERVER_SHUTDOWN, got %+v", row.Metadata)
	}
}

func TestFailWithInterruptSetsSignalAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "upload_1", "user_1")

	interrupt := &Interrupt{Signal: "SIGTERM", InterruptedAt: "2026-07-31T00:00:00Z"}
	if err := s.Fail(ctx, "upload_1", "Processing was interrupted. Please try uploading again.", "SERVER_SHUTDOWN", interrupt); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	row, _ := s.Get(ctx, "upload_1", "user_1")
	if row.Metadata.Signal == nil || *row.Metadata.Signal != "SIGTERM" {
		t.Errorf("expected signal SIGTERM, got %+v", row.Metadata)
	}
	if row.Metadata.InterruptedAt == nil || *row.Metadata.InterruptedAt != "2026-07-31T00:00:00Z" {
		t.Errorf("expected interruptedAt set, got %+v", row.Metadata)
	}
}

func intPtr(i int) *int { return &i }
