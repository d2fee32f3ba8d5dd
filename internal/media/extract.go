package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// AudioExtractOptions configures ExtractAudioForASR.
type AudioExtractOptions struct {
	SampleRate          int
	Mono                bool
	Denoise             bool
	LoudnessNormalize   bool
}

// ExtractProgress reports decode position during a long-running extraction.
type ExtractProgress struct {
	Time time.Duration
}

// ExtractAudioForASR pulls the full audio track out of video into an mp3 at
// out, resampled/denoised/normalized per opts. Bounded by the caller's
// context (20 minute default.6).
func (a *Adapter) ExtractAudioForASR(ctx context.Context, video, out string, opts AudioExtractOptions, onProgress func(ExtractProgress)) error {
	filters := []string{}
	if opts.Denoise {
		filters = append(filters, "afftdn")
	}
	if opts.LoudnessNormalize {
		filters = append(filters, "loudnorm")
	}

	args := []string{"-y", "-i", video, "-vn"}
	if opts.Mono {
		args = append(args, "-ac", "1")
	}
	if opts.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(opts.SampleRate))
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args, "-progress", "pipe:1", "-nostats", out)

	return a.runWithProgress(ctx, "media.ExtractAudioForASR", args, onProgress)
}

// ExtractAudioChunk pulls [start, start+duration) of audio out of audio into
// a new file at out. Bounded by the caller's context (60s default).
func (a *Adapter) ExtractAudioChunk(ctx context.Context, audio, out string, start, duration time.Duration) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-i", audio,
		"-t", formatSeconds(duration),
		"-c", "copy",
		out,
	}
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		removeIfExists(out)
		return classifyRunErr("media.ExtractAudioChunk", ctx, err, stderr.String())
	}
	return nil
}

// FrameExtractOptions configures ExtractFrame.
type FrameExtractOptions struct {
	Width  int
	Height int
}

// ExtractFrame pulls a single still frame at timestamp out of video into a
// jpeg at out. Bounded by the caller's context (~1s default per scene).
func (a *Adapter) ExtractFrame(ctx context.Context, video string, timestamp time.Duration, out string, opts FrameExtractOptions) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(timestamp),
		"-i", video,
		"-frames:v", "1",
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height))
	}
	args = append(args, out)

	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		removeIfExists(out)
		return classifyRunErr("media.ExtractFrame", ctx, err, stderr.String())
	}
	return nil
}

// runWithProgress starts ffmpeg with args, parsing its -progress pipe:1
// stdout stream into ExtractProgress callbacks until it exits.
func (a *Adapter) runWithProgress(ctx context.Context, op string, args []string, onProgress func(ExtractProgress)) error {
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)
	logger.Debug("ffmpeg command", "op", op, "args", strings.Join(args, " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return werr.New(werr.Internal, op, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return werr.New(werr.Internal, op, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			idx := strings.Index(line, "=")
			if idx <= 0 {
				continue
			}
			key, value := line[:idx], line[idx+1:]
			if key == "out_time_us" && value != "N/A" && onProgress != nil {
				us, _ := strconv.ParseInt(value, 10, 64)
				onProgress(ExtractProgress{Time: time.Duration(us) * time.Microsecond})
			}
		}
	}()
	<-done

	if err := cmd.Wait(); err != nil {
		if len(args) > 0 {
			removeIfExists(args[len(args)-1])
		}
		return classifyRunErr(op, ctx, err, stderr.String())
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func classifyRunErr(op string, ctx context.Context, err error, stderr string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return werr.New(werr.Timeout, op, err)
	}
	if ctx.Err() == context.Canceled {
		return werr.New(werr.Cancelled, op, err)
	}
	if stderr != "" {
		lines := strings.Split(strings.TrimSpace(stderr), "\n")
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		return werr.Newf(werr.PermanentExternal, op, "ffmpeg failed: %s", strings.Join(lines, " | "))
	}
	return werr.New(werr.PermanentExternal, op, err)
}

// removeIfExists best-effort deletes a partial output file after a failed run.
func removeIfExists(path string) {
	_ = os.Remove(path)
}
