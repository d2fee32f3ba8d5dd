// Package orchestrator implements the stage sequencer that drives a
// video through download, probing, audio extraction, transcription, scene
// detection, frame extraction, OCR, report assembly, and result upload,
// resuming from a checkpoint on every call.
package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/media"
	"github.com/shohei-video/analyzer-worker/internal/metrics"
	"github.com/shohei-video/analyzer-worker/internal/objectstore"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/report"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
	"github.com/shohei-video/analyzer-worker/internal/transcribe"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// stageAttempts gives the per-stage retry budget: 2 attempts for stages 1,
// 3, 5, 6, 9; 1 attempt for stages 2 and 8. Stage 4 (transcription) and 7
// (OCR) manage their own internal retry via the rate limiter and are not retried again at
// the stage level.
var stageAttempts = map[pipeline.Phase]int{
	pipeline.PhaseDownload:        2,
	pipeline.PhaseProbe:           1,
	pipeline.PhaseExtractAudio:    2,
	pipeline.PhaseTranscription:   1,
	pipeline.PhaseSceneDetection:  2,
	pipeline.PhaseFrameExtraction: 2,
	pipeline.PhaseOCR:             1,
	pipeline.PhaseReportAssembly:  1,
	pipeline.PhaseUpload:          2,
}

// Options bundles every tunable the orchestrator needs from configuration.
type Options struct {
	TempRoot               string
	MaxResumeRetries       int
	CheckpointTTL          time.Duration
	SceneCutThresholds     []float64
	MinSceneInterval       float64
	MinSceneDuration       float64
	ChunkDuration          time.Duration
	OverlapDuration        time.Duration
	MinDurationForChunking time.Duration
	VAD                    transcribe.VADOptions
	WhisperCheckpointEvery int
	OCR                    ocr.RunOptions
	FrameConcurrency       int
	DownloadChunkSize      int64
	DownloadConcurrency    int
	ProbeTimeout           time.Duration
	ExtractAudioTimeout    time.Duration
	SceneDetectTimeout     time.Duration
	FrameTimeout           time.Duration
}

// Orchestrator is the single-threaded stage sequencer.
type Orchestrator struct {
	objects     *objectstore.Client
	media       *media.Adapter
	transcriber *transcribe.Transcriber
	ocrEngine   *ocr.Engine
	registry    *ocr.InFlightRegistry
	checkpoints *checkpoint.Store
	statuses    *statusstore.Store
	opts        Options
}

// New constructs an Orchestrator from its wired dependencies.
func New(objects *objectstore.Client, mediaAdapter *media.Adapter, transcriber *transcribe.Transcriber, ocrEngine *ocr.Engine, registry *ocr.InFlightRegistry, checkpoints *checkpoint.Store, statuses *statusstore.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		objects:     objects,
		media:       mediaAdapter,
		transcriber: transcriber,
		ocrEngine:   ocrEngine,
		registry:    registry,
		checkpoints: checkpoints,
		statuses:    statuses,
		opts:        opts,
	}
}

// jobRun carries the mutable state threaded through one Run call's stages.
type jobRun struct {
	uploadID string
	userID   string
	runID    string
	input    pipeline.InputDescriptor
	tempDir  string

	cp *checkpoint.State

	videoPath  string
	audioPath  string
	probe      *media.Probe
	cuts       []pipeline.SceneCut
	scenes     []pipeline.Scene
	transcript []pipeline.TranscriptionSegment
	ocrResults map[int]ocr.Result
	reportData []byte
	warnings   []string
}

// withStageTimeout derives a bounded context for phase from the configured
// per-stage timeouts; stages with no configured bound (or that manage their
// own fan-out budget internally, like OCR and transcription) run under ctx
// unmodified.
func (o *Orchestrator) withStageTimeout(ctx context.Context, phase pipeline.Phase) (context.Context, context.CancelFunc) {
	var d time.Duration
	switch phase {
	case pipeline.PhaseProbe:
		d = o.opts.ProbeTimeout
	case pipeline.PhaseExtractAudio:
		d = o.opts.ExtractAudioTimeout
	case pipeline.PhaseSceneDetection:
		d = o.opts.SceneDetectTimeout
	}
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// bandProgress scales fraction (0..1) into phase's coarse progress band.
func bandProgress(phase pipeline.Phase, fraction float64) int {
	lower, upper := phase.Band()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return lower + int(fraction*float64(upper-lower))
}

// Run processes uploadID end to end, resuming from any existing checkpoint.
// A nil error always means pipeline.StatusCompleted was written. A stage
// failure goes through fail, which makes one attempt to write a terminal
// error status and ignores that write's own error. An error from the
// completion step (ctx ending before the completed status is written, or
// the checkpoint delete failing after it) writes no error status.
func (o *Orchestrator) Run(ctx context.Context, uploadID, userID string, input pipeline.InputDescriptor) error {
	run := &jobRun{
		uploadID: uploadID,
		userID:   userID,
		runID:    uuid.New().String(),
		input:    input,
		tempDir:  pipeline.JobTempDir(o.opts.TempRoot, uploadID),
	}

	if err := os.MkdirAll(run.tempDir, 0o755); err != nil {
		return o.fail(ctx, run, werr.New(werr.Internal, "orchestrator.Run", err), "INTERNAL_ERROR")
	}
	defer os.RemoveAll(run.tempDir)

	cp, err := o.loadOrCreateCheckpoint(ctx, run)
	if err != nil {
		return o.fail(ctx, run, err, "RESUME_BUDGET_EXHAUSTED")
	}
	run.cp = cp

	run.ocrResults = make(map[int]ocr.Result, len(cp.OcrResults))
	for idx, text := range cp.OcrResults {
		run.ocrResults[idx] = ocr.Result{Text: text}
	}
	for _, seg := range cp.TranscriptionSegments {
		run.transcript = append(run.transcript, pipeline.TranscriptionSegment{Start: seg.Start, Duration: seg.Duration, Text: seg.Text, Confidence: seg.Confidence})
	}
	for _, c := range cp.SceneCuts {
		run.cuts = append(run.cuts, pipeline.SceneCut{Timestamp: c.Timestamp, Confidence: c.Confidence})
	}
	if len(run.cuts) > 0 {
		run.scenes = pipeline.BuildScenesWithOptions(run.cuts, cp.VideoDuration, o.opts.MinSceneInterval, o.opts.MinSceneDuration)
	}

	stages := []struct {
		phase pipeline.Phase
		run   func(context.Context, *jobRun) error
	}{
		{pipeline.PhaseDownload, o.stageDownload},
		{pipeline.PhaseProbe, o.stageProbe},
		{pipeline.PhaseExtractAudio, o.stageExtractAudio},
		{pipeline.PhaseTranscription, o.stageTranscription},
		{pipeline.PhaseSceneDetection, o.stageSceneDetection},
		{pipeline.PhaseFrameExtraction, o.stageFrameExtraction},
		{pipeline.PhaseOCR, o.stageOCR},
		{pipeline.PhaseReportAssembly, o.stageReportAssembly},
		{pipeline.PhaseUpload, o.stageUpload},
	}

	for _, stage := range stages {
		if !o.shouldRunStage(run, stage.phase) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, run, werr.New(werr.Cancelled, "orchestrator.Run", err), "SERVER_SHUTDOWN")
		}

		lower, _ := stage.phase.Band()
		o.writeProgress(ctx, run, stage.phase, lower, "starting "+stage.phase.String())

		attempts := stageAttempts[stage.phase]
		if attempts <= 0 {
			attempts = 1
		}
		var stageErr error
		for attempt := 0; attempt < attempts; attempt++ {
			stageCtx, cancel := o.withStageTimeout(ctx, stage.phase)
			attemptStart := time.Now()
			stageErr = stage.run(stageCtx, run)
			metrics.StageDurationSeconds.WithLabelValues(stage.phase.String()).Observe(time.Since(attemptStart).Seconds())
			cancel()
			if stageErr == nil {
				break
			}
			if !werr.Retryable(stageErr) {
				break
			}
			logger.Warn("pipeline stage retrying", "uploadId", uploadID, "runId", run.runID, "stage", stage.phase.String(), "attempt", attempt+1, "error", stageErr)
		}
		if stageErr != nil {
			return o.fail(ctx, run, stageErr, string(werr.KindOf(stageErr)))
		}

		_, upper := stage.phase.Band()
		o.writeProgress(ctx, run, stage.phase, upper, "completed "+stage.phase.String())
	}

	return o.complete(ctx, run)
}

// loadOrCreateCheckpoint implements the resume algorithm: an absent or
// expired checkpoint starts fresh, a budget-exhausted checkpoint fails the
// job outright, otherwise the retry count is bumped and the row reused.
func (o *Orchestrator) loadOrCreateCheckpoint(ctx context.Context, run *jobRun) (*checkpoint.State, error) {
	cp, err := o.checkpoints.Load(ctx, run.uploadID)
	if err != nil {
		if werr.Is(err, werr.NotFound) {
			return checkpoint.New(run.uploadID, o.opts.CheckpointTTL), nil
		}
		return nil, err
	}

	if cp.Expired(time.Now()) {
		return checkpoint.New(run.uploadID, o.opts.CheckpointTTL), nil
	}

	if cp.RetryCount >= o.opts.MaxResumeRetries {
		return nil, werr.Newf(werr.ResumeBudgetExhausted, "orchestrator.loadOrCreateCheckpoint", "upload %s exceeded %d resume attempts", run.uploadID, o.opts.MaxResumeRetries)
	}

	if err := o.checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementRetry: true}); err != nil {
		return nil, err
	}
	return cp, nil
}

// shouldRunStage skips stages whose checkpointed output already covers them.
func (o *Orchestrator) shouldRunStage(run *jobRun, phase pipeline.Phase) bool {
	switch phase {
	case pipeline.PhaseDownload:
		return !run.cp.CurrentStep.AtLeast(checkpoint.StepDownloading) || run.cp.IntermediateVideoPath == ""
	case pipeline.PhaseProbe:
		return run.probe == nil
	case pipeline.PhaseExtractAudio:
		return !run.cp.CurrentStep.AtLeast(checkpoint.StepAudioExtraction) || run.cp.IntermediateAudioPath == ""
	case pipeline.PhaseTranscription:
		return !run.cp.CurrentStep.AtLeast(checkpoint.StepTranscription) || len(run.transcript) == 0
	case pipeline.PhaseSceneDetection:
		return !run.cp.CurrentStep.AtLeast(checkpoint.StepSceneDetection) || len(run.cuts) == 0
	default:
		return true
	}
}

func (o *Orchestrator) writeProgress(ctx context.Context, run *jobRun, phase pipeline.Phase, progress int, subTask string) {
	meta := pipeline.StatusMetadata{Phase: int(phase), PhaseProgress: progress, SubTask: subTask}
	status := pipeline.StatusProcessing
	_ = o.statuses.Update(ctx, run.uploadID, statusstore.Update{
		Status:      &status,
		Progress:    intPtr(progress),
		CurrentStep: &subTask,
		Metadata:    &meta,
	})
}

func (o *Orchestrator) complete(ctx context.Context, run *jobRun) error {
	meta := pipeline.StatusMetadata{
		Phase:               int(pipeline.PhaseUpload),
		PhaseProgress:       100,
		Duration:            floatPtr(run.probe.Duration.Seconds()),
		SegmentCount:        intPtr(len(run.transcript)),
		OCRResultCount:      intPtr(len(run.ocrResults)),
		TotalScenes:         intPtr(len(run.scenes)),
		ScenesWithOCR:       intPtr(countScenesWithOCR(run.ocrResults)),
		ScenesWithNarration: intPtr(report.CountScenesWithNarration(run.scenes, run.transcript)),
		DetectionMode:       strPtr(string(run.input.DetectionMode)),
		Warnings:            run.warnings,
	}
	reportKey := objectstore.GenerateReportKey(run.userID, run.uploadID)
	for {
		err := o.statuses.Complete(ctx, run.uploadID, reportKey, meta)
		if err == nil {
			break
		}
		logger.Warn("completed status write failed, retrying", "uploadId", run.uploadID, "runId", run.runID, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Second):
		}
	}
	if o.registry != nil {
		o.registry.Clear(run.uploadID)
	}
	metrics.JobsTotal.WithLabelValues("completed", "").Inc()
	return o.checkpoints.Delete(ctx, run.uploadID)
}

func (o *Orchestrator) fail(ctx context.Context, run *jobRun, err error, errorCode string) error {
	logger.Error("pipeline job failed", "uploadId", run.uploadID, "runId", run.runID, "error", err, "errorCode", errorCode)
	_ = o.statuses.Fail(ctx, run.uploadID, err.Error(), errorCode, nil)
	if run.cp != nil {
		_ = o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
	}
	if o.registry != nil {
		o.registry.Clear(run.uploadID)
	}
	metrics.JobsTotal.WithLabelValues("error", errorCode).Inc()
	return err
}

func countScenesWithOCR(results map[int]ocr.Result) int {
	count := 0
	for _, r := range results {
		if r.Text != "" {
			count++
		}
	}
	return count
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }
