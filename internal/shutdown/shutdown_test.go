package shutdown

import (
	"context"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

func newTestStores(t *testing.T) (*checkpoint.Store, *statusstore.Store) {
	t.Helper()
	dir := t.TempDir()
	cps, err := checkpoint.Open(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { cps.Close() })

	sts, err := statusstore.Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("statusstore.Open: %v", err)
	}
	t.Cleanup(func() { sts.Close() })
	return cps, sts
}

func TestFlushPersistsInFlightScenesAndMarksErrored(t *testing.T) {
	ctx := context.Background()
	cps, sts := newTestStores(t)

	cp := checkpoint.New("upload_1", time.Hour)
	if err := cps.Save(ctx, cp, checkpoint.SaveOptions{}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	if err := sts.Init(ctx, "upload_1", "user_1"); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	registry := ocr.NewInFlightRegistry()
	registry.Register(ocr.InFlightState{
		UploadID:       "upload_1",
		CompletedScene: map[int]struct{}{1: {}, 2: {}},
		Results:        map[int]ocr.Result{1: {Text: "hello"}, 2: {Text: "world"}},
	})

	coord := New(registry, cps, sts, 50*time.Millisecond)
	coord.Flush(ctx, "SIGTERM")

	got, err := cps.Load(ctx, "upload_1")
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if len(got.CompletedOcrSceneIndices()) != 2 {
		t.Errorf("expected 2 completed scenes persisted, got %v", got.CompletedOcrSceneIndices())
	}
	if got.OcrResults[1] != "hello" || got.OcrResults[2] != "world" {
		t.Errorf("unexpected persisted OCR results: %+v", got.OcrResults)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected RetryCount bumped to 1, got %d", got.RetryCount)
	}

	row, err := sts.Get(ctx, "upload_1", "user_1")
	if err != nil {
		t.Fatalf("Get status: %v", err)
	}
	if row.Status != "error" {
		t.Errorf("expected errored status, got %q", row.Status)
	}
	if row.Metadata.ErrorCode == nil || *row.Metadata.ErrorCode != "SERVER_SHUTDOWN" {
		t.Errorf("expected SERVER_SHUTDOWN error code, got %+v", row.Metadata.ErrorCode)
	}
	if row.Error != "Processing was interrupted. Please try uploading again." {
		t.Errorf("unexpected interrupted-status message: %q", row.Error)
	}
	if row.Metadata.Signal == nil || *row.Metadata.Signal != "SIGTERM" {
		t.Errorf("expected signal SIGTERM in metadata, got %+v", row.Metadata)
	}
	if row.Metadata.InterruptedAt == nil || *row.Metadata.InterruptedAt == "" {
		t.Errorf("expected interruptedAt set in metadata, got %+v", row.Metadata)
	}

	if _, ok := registry.Snapshot("upload_1"); ok {
		t.Error("expected registry entry cleared after flush")
	}
}

func TestFlushSkipsUnknownUpload(t *testing.T) {
	ctx := context.Background()
	cps, sts := newTestStores(t)
	registry := ocr.NewInFlightRegistry()
	registry.Register(ocr.InFlightState{UploadID: "ghost"})

	coord := New(registry, cps, sts, time.Second)
	coord.Flush(ctx, "SIGINT")

	if _, err := cps.Load(ctx, "ghost"); !werr.Is(err, werr.NotFound) {
		t.Errorf("expected no checkpoint row created for an upload the checkpoint store never saw, got %v", err)
	}
}

func TestDrainReturnsTrueWhenWorkFinishesInTime(t *testing.T) {
	cps, sts := newTestStores(t)
	coord := New(ocr.NewInFlightRegistry(), cps, sts, 200*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
	}()

	if !coord.Drain(&wg) {
		t.Error("expected Drain to report clean completion")
	}
}

func TestDrainReturnsFalseWhenGracePeriodElapses(t *testing.T) {
	cps, sts := newTestStores(t)
	coord := New(ocr.NewInFlightRegistry(), cps, sts, 20*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Done() // release the goroutine after the test observes the timeout

	if coord.Drain(&wg) {
		t.Error("expected Drain to report the grace period elapsed")
	}
}

func TestWatchSignalGoroutineExitsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cps, sts := newTestStores(t)
	coord := New(ocr.NewInFlightRegistry(), cps, sts, time.Second)

	ctx := coord.Watch(context.Background())
	coord.sigChan <- syscall.SIGTERM
	<-ctx.Done()
	coord.Stop()

	if !coord.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be true after a signal was delivered")
	}
}
