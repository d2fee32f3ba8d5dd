package orchestrator

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/media"
	"github.com/shohei-video/analyzer-worker/internal/objectstore"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/report"
	"github.com/shohei-video/analyzer-worker/internal/transcribe"
)

// stageDownload is stage 1: pulls the source video into the job's temp dir.
func (o *Orchestrator) stageDownload(ctx context.Context, run *jobRun) error {
	videoPath := filepath.Join(run.tempDir, "source")
	var lastEmit time.Time
	err := o.objects.DownloadRanged(ctx, run.input.StorageKey, videoPath, objectstore.DownloadOptions{
		ChunkSize:   o.opts.DownloadChunkSize,
		Concurrency: o.opts.DownloadConcurrency,
		OnProgress: func(p objectstore.DownloadProgress) {
			if p.TotalBytes <= 0 {
				return
			}
			now := time.Now()
			fraction := float64(p.BytesReceived) / float64(p.TotalBytes)
			final := p.BytesReceived >= p.TotalBytes
			if !final && now.Sub(lastEmit) < 500*time.Millisecond {
				return
			}
			lastEmit = now
			o.writeProgress(ctx, run, pipeline.PhaseDownload, bandProgress(pipeline.PhaseDownload, fraction), "Downloading source video")
		},
	})
	if err != nil {
		return err
	}

	run.videoPath = videoPath
	run.cp.IntermediateVideoPath = videoPath
	run.cp.CurrentStep = checkpoint.StepDownloading
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageProbe is stage 2: reads duration/codec/dimension metadata.
func (o *Orchestrator) stageProbe(ctx context.Context, run *jobRun) error {
	p, err := o.media.ProbeFile(ctx, run.videoPath)
	if err != nil {
		return err
	}
	run.probe = p
	run.cp.VideoDuration = p.Duration.Seconds()
	return nil
}

// stageExtractAudio is stage 3: pulls the full audio track for transcription.
func (o *Orchestrator) stageExtractAudio(ctx context.Context, run *jobRun) error {
	audioPath := filepath.Join(run.tempDir, "audio.mp3")
	err := o.media.ExtractAudioForASR(ctx, run.videoPath, audioPath, media.AudioExtractOptions{
		SampleRate:        16000,
		Mono:              true,
		Denoise:           true,
		LoudnessNormalize: true,
	}, func(p media.ExtractProgress) {
		if run.probe == nil || run.probe.Duration <= 0 {
			return
		}
		fraction := float64(p.Time) / float64(run.probe.Duration)
		o.writeProgress(ctx, run, pipeline.PhaseExtractAudio, bandProgress(pipeline.PhaseExtractAudio, fraction), "Extracting audio")
	})
	if err != nil {
		return err
	}

	run.audioPath = audioPath
	run.cp.IntermediateAudioPath = audioPath
	run.cp.CurrentStep = checkpoint.StepAudioExtraction
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageTranscription is stage 4: VAD + ASR over the extracted audio track,
// resuming from whichever audio chunks the checkpoint already covers.
func (o *Orchestrator) stageTranscription(ctx context.Context, run *jobRun) error {
	chunksSinceCheckpoint := 0
	checkpointEvery := o.opts.WhisperCheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 10
	}

	opts := transcribe.Options{
		VAD:                    o.opts.VAD,
		ChunkDuration:          o.opts.ChunkDuration,
		OverlapDuration:        o.opts.OverlapDuration,
		MinDurationForChunking: o.opts.MinDurationForChunking,
		CheckpointInterval:     checkpointEvery,
	}
	run.cp.TotalAudioChunks = len(media.SplitAudioIntoChunks(run.probe.Duration, media.SplitAudioOptions{
		ChunkDuration:          opts.ChunkDuration,
		OverlapDuration:        opts.OverlapDuration,
		MinDurationForChunking: opts.MinDurationForChunking,
	}))

	segments, err := o.transcriber.Transcribe(ctx, run.audioPath, run.probe.Duration, opts,
		run.cp.CompletedAudioChunks, run.transcript,
		func(chunkIndex int, segmentsSoFar []pipeline.TranscriptionSegment) {
			run.transcript = segmentsSoFar
			run.cp.CompletedAudioChunks[chunkIndex] = struct{}{}
			run.cp.TranscriptionSegments = toCheckpointSegments(segmentsSoFar)

			chunksSinceCheckpoint++
			fraction := float64(len(run.cp.CompletedAudioChunks)) / float64(maxOne(run.cp.TotalAudioChunks))
			o.writeProgress(ctx, run, pipeline.PhaseTranscription, bandProgress(pipeline.PhaseTranscription, fraction), "Transcribing audio")

			if chunksSinceCheckpoint >= checkpointEvery {
				chunksSinceCheckpoint = 0
				if saveErr := o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true}); saveErr != nil {
					logger.Warn("checkpoint save failed mid-transcription", "uploadId", run.uploadID, "error", saveErr)
				}
			}
		})
	run.transcript = segments
	if err != nil {
		return err
	}

	run.cp.TranscriptionSegments = toCheckpointSegments(segments)
	run.cp.CurrentStep = checkpoint.StepTranscription
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageSceneDetection is stage 5: multi-pass scene-cut detection, optionally
// augmented with supplementary detectors in enhanced mode.
func (o *Orchestrator) stageSceneDetection(ctx context.Context, run *jobRun) error {
	cuts, err := o.media.DetectSceneCuts(ctx, run.videoPath, media.SceneCutOptions{
		Thresholds:  o.opts.SceneCutThresholds,
		MinInterval: time.Duration(o.opts.MinSceneInterval * float64(time.Second)),
		BaseTimeout: o.opts.SceneDetectTimeout,
	}, func(p media.ExtractProgress) {
		if run.probe == nil || run.probe.Duration <= 0 {
			return
		}
		fraction := float64(p.Time) / float64(run.probe.Duration)
		o.writeProgress(ctx, run, pipeline.PhaseSceneDetection, bandProgress(pipeline.PhaseSceneDetection, fraction), "Detecting scenes")
	})
	if err != nil {
		return err
	}

	if run.input.DetectionMode == pipeline.DetectionEnhanced {
		var supplementary []pipeline.SceneCut
		if black, blackErr := o.media.ProbeBlackSections(ctx, run.videoPath); blackErr == nil {
			supplementary = append(supplementary, black...)
		} else {
			run.warnings = append(run.warnings, "black-section detection unavailable")
		}
		if freeze, freezeErr := o.media.ProbeConstantLuminance(ctx, run.videoPath); freezeErr == nil {
			supplementary = append(supplementary, freeze...)
		} else {
			run.warnings = append(run.warnings, "constant-luminance detection unavailable")
		}
		if motion, motionErr := o.media.ProbeMotionSections(ctx, run.videoPath); motionErr == nil {
			supplementary = append(supplementary, motion...)
		} else {
			run.warnings = append(run.warnings, "motion detection unavailable")
		}
		cuts = media.MergeSupplementaryCuts(cuts, supplementary)
	}

	run.cuts = cuts
	run.scenes = pipeline.BuildScenesWithOptions(cuts, run.probe.Duration.Seconds(), o.opts.MinSceneInterval, o.opts.MinSceneDuration)
	run.cp.SceneCuts = toCheckpointCuts(cuts)
	run.cp.TotalScenes = len(run.scenes)
	run.cp.CurrentStep = checkpoint.StepSceneDetection
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageFrameExtraction is stage 6: pulls one still frame per scene at its
// midpoint, with bounded concurrency. A single scene's extraction failure
// does not fail the job; it is left without a screenshot and skipped by
// the OCR stage, with a warning logged.
func (o *Orchestrator) stageFrameExtraction(ctx context.Context, run *jobRun) error {
	concurrency := o.opts.FrameConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	var completed atomic.Int64
	for i := range run.scenes {
		scene := &run.scenes[i]
		if _, done := run.cp.CompletedOcrScenes[scene.SceneNumber]; done {
			continue
		}
		g.Go(func() error {
			out := filepath.Join(run.tempDir, "frame_"+strconv.Itoa(scene.SceneNumber)+".jpg")
			timestamp := time.Duration(scene.MidTime * float64(time.Second))

			frameCtx := gctx
			if o.opts.FrameTimeout > 0 {
				var cancel context.CancelFunc
				frameCtx, cancel = context.WithTimeout(gctx, o.opts.FrameTimeout)
				defer cancel()
			}
			if err := o.media.ExtractFrame(frameCtx, run.videoPath, timestamp, out, media.FrameExtractOptions{}); err != nil {
				logger.Warn("frame extraction failed for scene", "uploadId", run.uploadID, "scene", scene.SceneNumber, "error", err)
				return nil
			}
			scene.ScreenshotPath = out
			done := completed.Add(1)
			o.writeProgress(ctx, run, pipeline.PhaseFrameExtraction, bandProgress(pipeline.PhaseFrameExtraction, float64(done)/float64(maxOne(len(run.scenes)))), "Extracting frames")
			return nil
		})
	}
	return g.Wait()
}

// stageOCR is stage 7: runs the OCR engine over every scene with a screenshot, resuming
// from whatever scenes the checkpoint already covers.
func (o *Orchestrator) stageOCR(ctx context.Context, run *jobRun) error {
	var images []ocr.Image
	for _, s := range run.scenes {
		if s.ScreenshotPath == "" {
			continue
		}
		images = append(images, ocr.Image{SceneIndex: s.SceneNumber, Path: s.ScreenshotPath})
	}

	persist := func(completed map[int]struct{}, results map[int]ocr.Result) {
		run.cp.CompletedOcrScenes = completed
		run.cp.OcrResults = toCheckpointOcrResults(results)
		if err := o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true}); err != nil {
			logger.Warn("checkpoint save failed mid-OCR", "uploadId", run.uploadID, "error", err)
		}
		o.writeProgress(ctx, run, pipeline.PhaseOCR, bandProgress(pipeline.PhaseOCR, float64(len(completed))/float64(maxOne(len(images)))), "Running OCR")
	}

	runOpts := o.opts.OCR
	if runOpts.BatchSize == 0 {
		runOpts = ocr.DefaultRunOptions()
	}

	results, warnings, err := o.ocrEngine.Run(ctx, run.uploadID, images, run.cp.CompletedOcrScenes, run.ocrResults, runOpts, persist, persist)
	if err != nil {
		return err
	}

	run.ocrResults = results
	run.warnings = append(run.warnings, warnings...)
	for i := range run.scenes {
		if r, ok := results[run.scenes[i].SceneNumber]; ok {
			run.scenes[i].OCRText = r.Text
			run.scenes[i].OCRConfidence = r.Confidence
		}
	}

	run.cp.CompletedOcrScenes = snapshotCompleted(results)
	run.cp.OcrResults = toCheckpointOcrResults(results)
	run.cp.CurrentStep = checkpoint.StepOCR
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageReportAssembly is stage 8: post-processes OCR text and serializes the
// final report document.
func (o *Orchestrator) stageReportAssembly(ctx context.Context, run *jobRun) error {
	sceneTexts := make([]ocr.SceneText, len(run.scenes))
	for i, s := range run.scenes {
		sceneTexts[i] = ocr.SceneText{SceneIndex: s.SceneNumber, Text: s.OCRText, Duration: s.EndTime - s.StartTime}
	}
	processed := ocr.PostProcess(sceneTexts, ocr.DefaultPostProcessOptions())
	for i := range run.scenes {
		run.scenes[i].OCRText = processed[i].Text
	}

	data, err := report.Build(run.uploadID, run.input.FileName, run.probe.Duration.Seconds(), string(run.input.DetectionMode), run.scenes, run.transcript, run.warnings)
	if err != nil {
		return err
	}

	run.reportData = data
	run.cp.CurrentStep = checkpoint.StepExcelGeneration
	return o.checkpoints.Save(ctx, run.cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// stageUpload is stage 9: writes the assembled report to the object store.
func (o *Orchestrator) stageUpload(ctx context.Context, run *jobRun) error {
	key := objectstore.GenerateReportKey(run.userID, run.uploadID)
	return o.objects.Upload(ctx, key, bytes.NewReader(run.reportData), report.ContentType)
}

func toCheckpointSegments(segs []pipeline.TranscriptionSegment) []checkpoint.TranscriptionSegment {
	out := make([]checkpoint.TranscriptionSegment, len(segs))
	for i, s := range segs {
		out[i] = checkpoint.TranscriptionSegment{Start: s.Start, Duration: s.Duration, Text: s.Text, Confidence: s.Confidence}
	}
	return out
}

func toCheckpointCuts(cuts []pipeline.SceneCut) []checkpoint.SceneCut {
	out := make([]checkpoint.SceneCut, len(cuts))
	for i, c := range cuts {
		out[i] = checkpoint.SceneCut{Timestamp: c.Timestamp, Confidence: c.Confidence}
	}
	return out
}

func toCheckpointOcrResults(results map[int]ocr.Result) map[int]string {
	out := make(map[int]string, len(results))
	for k, v := range results {
		out[k] = v.Text
	}
	return out
}

func snapshotCompleted(results map[int]ocr.Result) map[int]struct{} {
	out := make(map[int]struct{}, len(results))
	for k := range results {
		out[k] = struct{}{}
	}
	return out
}

func maxOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
