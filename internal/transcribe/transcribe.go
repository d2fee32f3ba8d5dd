// Package transcribe implements VAD segmentation followed by per-segment
// ASR dispatch, merged back into one ordered transcription.
package transcribe

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/media"
	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// VADSegment is a speech interval local to the chunk it was detected in.
type VADSegment struct {
	Start time.Duration
	End   time.Duration
}

// VADOptions parameterizes voice-activity detection.
type VADOptions struct {
	Sensitivity       float64
	MinSpeechDuration time.Duration
	MaxChunkDuration  time.Duration
}

// DefaultVADOptions returns the default VAD parameters.
func DefaultVADOptions() VADOptions {
	return VADOptions{Sensitivity: 0.3, MinSpeechDuration: 100 * time.Millisecond, MaxChunkDuration: 10 * time.Second}
}

// VADDetector partitions one audio chunk into speech segments. It is a
// pluggable capability, not a concrete vendor binding, since the specific
// VAD engine is out of scope here.
type VADDetector interface {
	DetectSpeech(ctx context.Context, audioChunkPath string, opts VADOptions) ([]VADSegment, error)
}

// ASRProvider transcribes a single bounded audio slice.
type ASRProvider interface {
	Transcribe(ctx context.Context, audioSlicePath string) (text string, confidence float64, err error)
}

// Options configures a Transcribe run.
type Options struct {
	VAD                    VADOptions
	ChunkDuration          time.Duration
	OverlapDuration        time.Duration
	MinDurationForChunking time.Duration
	// CheckpointInterval is WHISPER_CHECKPOINT_INTERVAL: after this many
	// completed chunks, OnChunkComplete's accumulated segments should be
	// persisted by the caller.
	CheckpointInterval int
}

// DefaultOptions returns the default transcription options.
func DefaultOptions() Options {
	return Options{
		VAD:                    DefaultVADOptions(),
		ChunkDuration:          300 * time.Second,
		OverlapDuration:        1 * time.Second,
		MinDurationForChunking: 600 * time.Second,
		CheckpointInterval:     10,
	}
}

// OnChunkComplete is invoked after each audio chunk finishes, with the
// chunk's index and the full merged-so-far segment list. The orchestrator
// decides when to actually persist (every CheckpointInterval chunks).
type OnChunkComplete func(chunkIndex int, segmentsSoFar []pipeline.TranscriptionSegment)

// Transcriber wires the media adapter, a VAD detector, an ASR provider, and
// a rate limiter into one chunk-segment-transcribe pipeline.
type Transcriber struct {
	media   *media.Adapter
	vad     VADDetector
	asr     ASRProvider
	limiter *ratelimit.Limiter
	tempDir string
}

// New constructs a Transcriber.
func New(m *media.Adapter, vad VADDetector, asr ASRProvider, limiter *ratelimit.Limiter, tempDir string) *Transcriber {
	return &Transcriber{media: m, vad: vad, asr: asr, limiter: limiter, tempDir: tempDir}
}

// Transcribe runs the chunk-and-VAD pipeline against audioPath, resuming
// from alreadyCompleted (a set of chunk indices the caller has already
// persisted results for) and skipping those chunks entirely.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string, totalDuration time.Duration, opts Options, alreadyCompleted map[int]struct{}, priorSegments []pipeline.TranscriptionSegment, onChunkComplete OnChunkComplete) ([]pipeline.TranscriptionSegment, error) {
	plans := media.SplitAudioIntoChunks(totalDuration, media.SplitAudioOptions{
		ChunkDuration:          opts.ChunkDuration,
		OverlapDuration:        opts.OverlapDuration,
		MinDurationForChunking: opts.MinDurationForChunking,
	})

	segments := append([]pipeline.TranscriptionSegment{}, priorSegments...)

	for _, plan := range plans {
		if _, done := alreadyCompleted[plan.Index]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return segments, werr.New(werr.Cancelled, "transcribe.Transcribe", err)
		}

		chunkSegments, err := t.processChunk(ctx, audioPath, plan, opts)
		if err != nil {
			return segments, err
		}
		segments = mergeAdjacent(segments, chunkSegments, opts.OverlapDuration.Seconds())

		if onChunkComplete != nil {
			onChunkComplete(plan.Index, segments)
		}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return segments, nil
}

// processChunk extracts plan's audio slice, runs VAD over it, and submits
// every speech segment to the ASR provider, returning absolute-time segments.
func (t *Transcriber) processChunk(ctx context.Context, audioPath string, plan media.AudioChunkPlan, opts Options) ([]pipeline.TranscriptionSegment, error) {
	chunkPath := filepath.Join(t.tempDir, fmt.Sprintf("chunk_%d.wav", plan.Index))
	if err := t.media.ExtractAudioChunk(ctx, audioPath, chunkPath, plan.Start, plan.Duration); err != nil {
		return nil, err
	}
	defer os.Remove(chunkPath)

	speech, err := t.vad.DetectSpeech(ctx, chunkPath, opts.VAD)
	if err != nil {
		return nil, err
	}

	var out []pipeline.TranscriptionSegment
	for _, seg := range speech {
		slicePath := filepath.Join(t.tempDir, fmt.Sprintf("chunk_%d_slice_%d_%d.wav", plan.Index, seg.Start.Milliseconds(), seg.End.Milliseconds()))
		if err := t.media.ExtractAudioChunk(ctx, chunkPath, slicePath, seg.Start, seg.End-seg.Start); err != nil {
			return nil, err
		}

		text, confidence, err := t.transcribeSlice(ctx, slicePath)
		os.Remove(slicePath)
		if err != nil {
			return nil, err
		}

		out = append(out, pipeline.TranscriptionSegment{
			Start:      (plan.Start + seg.Start).Seconds(),
			Duration:   (seg.End - seg.Start).Seconds(),
			Text:       text,
			Confidence: confidence,
		})
	}
	return out, nil
}

// transcribeSlice paces the ASR call through the shared rate limiter and retries
// retryable failures per the limiter's default policy.
func (t *Transcriber) transcribeSlice(ctx context.Context, slicePath string) (string, float64, error) {
	var text string
	var confidence float64
	err := ratelimit.ExecuteWithRetry(ctx, ratelimit.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := t.limiter.Acquire(ctx); err != nil {
			return err
		}
		var callErr error
		text, confidence, callErr = t.asr.Transcribe(ctx, slicePath)
		return callErr
	}, werr.Retryable)
	if err != nil {
		return "", 0, err
	}
	return text, confidence, nil
}

// mergeAdjacent appends newSegments to existing, merging a trailing
// existing segment into a leading new segment when their text matches
// exactly and the gap between them is smaller than overlapSeconds. This
// dedups speech duplicated across a chunk boundary.
func mergeAdjacent(existing, newSegments []pipeline.TranscriptionSegment, overlapSeconds float64) []pipeline.TranscriptionSegment {
	if len(existing) == 0 {
		return append([]pipeline.TranscriptionSegment{}, newSegments...)
	}
	if len(newSegments) == 0 {
		return existing
	}

	last := existing[len(existing)-1]
	first := newSegments[0]
	gap := first.Start - (last.Start + last.Duration)
	if first.Text == last.Text && math.Abs(gap) < overlapSeconds {
		merged := append([]pipeline.TranscriptionSegment{}, existing[:len(existing)-1]...)
		merged = append(merged, newSegments...)
		return merged
	}
	return append(existing, newSegments...)
}
