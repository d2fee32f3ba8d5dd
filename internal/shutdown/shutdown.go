// Package shutdown implements the signal-triggered drain-and-flush
// coordinator shared by every long-running job. A signal stops new work,
// gives in-flight jobs a grace window to reach their own checkpoint, then
// force-flushes whatever the OCR in-flight registry still holds before the
// process exits.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
)

// Coordinator watches for SIGINT/SIGTERM (and, via RecoverPanic, uncaught
// panics in a single job's goroutine) and flushes whatever work was
// in-flight at the time, using the same signal.Notify-driven shutdown
// goroutine idiom as the rest of the pack, generalized with an in-flight
// registry flush and a bounded drain wait in place of an unconditional exit.
type Coordinator struct {
	registry    *ocr.InFlightRegistry
	checkpoints *checkpoint.Store
	statuses    *statusstore.Store
	gracePeriod time.Duration

	shuttingDown atomic.Bool
	sigChan      chan os.Signal
}

// New constructs a Coordinator from its wired dependencies.
func New(registry *ocr.InFlightRegistry, checkpoints *checkpoint.Store, statuses *statusstore.Store, gracePeriod time.Duration) *Coordinator {
	if gracePeriod <= 0 {
		gracePeriod = 3 * time.Second
	}
	return &Coordinator{
		registry:    registry,
		checkpoints: checkpoints,
		statuses:    statuses,
		gracePeriod: gracePeriod,
		sigChan:     make(chan os.Signal, 1),
	}
}

// IsShuttingDown reports whether a termination signal has been received.
// The orchestrator's stage loop can poll this alongside ctx.Err() to stop
// starting new stages promptly.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Watch installs the OS signal handler and returns a context derived from
// parent that is cancelled the instant SIGINT or SIGTERM arrives. Callers
// (the HTTP server, the job-accept loop) should stop taking new work as
// soon as this context is done, then call Drain to wait for in-flight jobs
// and Flush to persist whatever is still unfinished.
func (c *Coordinator) Watch(parent context.Context) context.Context {
	signal.Notify(c.sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(parent)
	go func() {
		sig, ok := <-c.sigChan
		if !ok {
			return
		}
		c.shuttingDown.Store(true)
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()
	return ctx
}

// Stop undoes Watch, for tests that construct a Coordinator without ever
// wanting it to touch process-wide signal state again.
func (c *Coordinator) Stop() {
	signal.Stop(c.sigChan)
}

// Drain waits for wg to finish, up to the configured grace period. It
// returns true if every job drained cleanly and false if the grace period
// elapsed with work still outstanding (the caller should proceed straight
// to Flush and exit).
func (c *Coordinator) Drain(wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(c.gracePeriod):
		logger.Warn("shutdown grace period elapsed with jobs still in flight", "gracePeriod", c.gracePeriod)
		return false
	}
}

// Flush force-persists every upload still registered in the in-flight OCR
// registry as an interrupted, resumable checkpoint: its completed-scene set
// and partial results are saved (with the resume retry counter bumped) and
// its status row is marked errored with a SERVER_SHUTDOWN code so the next
// invocation's resume-budget check sees it.
func (c *Coordinator) Flush(ctx context.Context, signalName string) {
	interrupt := &statusstore.Interrupt{Signal: signalName, InterruptedAt: time.Now().UTC().Format(time.RFC3339)}
	message := "Processing was interrupted. Please try uploading again."
	for _, s := range c.registry.SnapshotAll() {
		c.flushOne(ctx, s.UploadID, s.CompletedScene, s.Results, message, interrupt, "SERVER_SHUTDOWN")
	}
}

// RecoverPanic is deferred around a single job's processing goroutine. An
// uncaught panic is flushed the same way a shutdown signal would be,
// tagged UNCAUGHT_EXCEPTION, but does not set shuttingDown: the process
// keeps accepting other uploads.
func (c *Coordinator) RecoverPanic(uploadID string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("uncaught panic in job", "uploadId", uploadID, "panic", r)
	completed, results := map[int]struct{}{}, map[int]ocr.Result{}
	if s, ok := c.registry.Snapshot(uploadID); ok {
		completed, results = s.CompletedScene, s.Results
	}
	message := fmt.Sprintf("interrupted by uncaught panic: %v", r)
	c.flushOne(backgroundContext(), uploadID, completed, results, message, nil, "UNCAUGHT_EXCEPTION")
}

func (c *Coordinator) flushOne(ctx context.Context, uploadID string, completed map[int]struct{}, results map[int]ocr.Result, message string, interrupt *statusstore.Interrupt, errorCode string) {
	cp, err := c.checkpoints.Load(ctx, uploadID)
	if err == nil {
		if len(completed) > 0 {
			cp.CompletedOcrScenes = completed
		}
		if len(results) > 0 {
			cp.OcrResults = make(map[int]string, len(results))
			for idx, r := range results {
				cp.OcrResults[idx] = r.Text
			}
		}
		if saveErr := c.checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementVersion: true, IncrementRetry: true}); saveErr != nil {
			logger.Error("shutdown checkpoint flush failed", "uploadId", uploadID, "error", saveErr)
		}
	}

	if err := c.statuses.Fail(ctx, uploadID, message, errorCode, interrupt); err != nil {
		logger.Error("shutdown status flush failed", "uploadId", uploadID, "error", err)
	}

	c.registry.Clear(uploadID)
}

// backgroundContext gives the panic-recovery path a fresh context, since
// the job's own context may already be cancelled or gone out of scope by
// the time recover() runs.
func backgroundContext() context.Context {
	return context.Background()
}
