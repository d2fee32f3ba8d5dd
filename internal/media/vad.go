package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// VADSegment is a speech interval local to the chunk it was detected in.
// Mirrors transcribe.VADSegment so neither package imports the other for
// the type; Adapter does not implement transcribe.VADDetector itself, and
// cmd/worker adapts between the two with a small shim.
type VADSegment struct {
	Start time.Duration
	End   time.Duration
}

// VADOptions mirrors transcribe.VADOptions for the same reason.
type VADOptions struct {
	Sensitivity       float64
	MinSpeechDuration time.Duration
	MaxChunkDuration  time.Duration
}

var silenceStartRe = regexp.MustCompile(`silence_start:\s*([0-9.]+)`)
var silenceEndRe = regexp.MustCompile(`silence_end:\s*([0-9.]+)`)

// DetectSpeech runs ffmpeg's silencedetect filter over audioChunkPath and
// inverts the reported silence intervals into speech segments, the
// complement of the silence windows the filter actually measures. Sensitivity
// maps to the filter's noise floor (-30dB at 0, -50dB at 1); segments
// shorter than MinSpeechDuration are dropped, and any segment longer than
// MaxChunkDuration is split at that boundary so downstream ASR dispatch
// never receives an unbounded slice.
func (a *Adapter) DetectSpeech(ctx context.Context, audioChunkPath string, opts VADOptions) ([]VADSegment, error) {
	noiseFloor := -30 - int(opts.Sensitivity*20)
	args := []string{
		"-i", audioChunkPath,
		"-af", fmt.Sprintf("silencedetect=noise=%ddB:d=0.2", noiseFloor),
		"-f", "null", "-",
	}
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, classifyRunErr("media.DetectSpeech", ctx, err, stderr.String())
		}
	}

	probe, err := a.ProbeFile(ctx, audioChunkPath)
	if err != nil {
		return nil, werr.New(werr.Internal, "media.DetectSpeech", err)
	}
	total := probe.Duration

	var silences []VADSegment
	var openStart time.Duration
	haveOpen := false
	scanner := bufio.NewScanner(&stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			secs, _ := strconv.ParseFloat(m[1], 64)
			openStart = time.Duration(secs * float64(time.Second))
			haveOpen = true
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && haveOpen {
			secs, _ := strconv.ParseFloat(m[1], 64)
			silences = append(silences, VADSegment{Start: openStart, End: time.Duration(secs * float64(time.Second))})
			haveOpen = false
		}
	}

	speech := invertSilences(silences, total)
	return splitLongSegments(filterShortSegments(speech, opts.MinSpeechDuration), opts.MaxChunkDuration), nil
}

func invertSilences(silences []VADSegment, total time.Duration) []VADSegment {
	var speech []VADSegment
	cursor := time.Duration(0)
	for _, s := range silences {
		if s.Start > cursor {
			speech = append(speech, VADSegment{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < total {
		speech = append(speech, VADSegment{Start: cursor, End: total})
	}
	return speech
}

func filterShortSegments(segments []VADSegment, minDuration time.Duration) []VADSegment {
	out := make([]VADSegment, 0, len(segments))
	for _, s := range segments {
		if s.End-s.Start >= minDuration {
			out = append(out, s)
		}
	}
	return out
}

func splitLongSegments(segments []VADSegment, maxDuration time.Duration) []VADSegment {
	if maxDuration <= 0 {
		return segments
	}
	out := make([]VADSegment, 0, len(segments))
	for _, s := range segments {
		start := s.Start
		for s.End-start > maxDuration {
			out = append(out, VADSegment{Start: start, End: start + maxDuration})
			start += maxDuration
		}
		out = append(out, VADSegment{Start: start, End: s.End})
	}
	return out
}
