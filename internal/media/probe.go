// Package media implements the ffprobe/ffmpeg adapter the pipeline uses
// to inspect source video, extract audio, detect scene cuts, and pull still
// frames. Every operation shells out via exec.CommandContext with an
// explicit argv under a bounded timeout; none of it touches codec internals
// directly.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// Probe is the subset of ffprobe output the pipeline needs to plan the
// remaining stages.
type Probe struct {
	Duration time.Duration
	Width    int
	Height   int
	FrameRate float64
	VideoCodec string
	AudioCodec string
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Adapter wraps the ffmpeg/ffprobe binaries for a single worker process.
type Adapter struct {
	ffmpegPath  string
	ffprobePath string
}

// New constructs an Adapter bound to the given binaries.
func New(ffmpegPath, ffprobePath string) *Adapter {
	return &Adapter{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// ProbeFile returns the duration/dimensions/codecs of path, bounded by the
// caller's context (60s default.6).
func (a *Adapter) ProbeFile(ctx context.Context, path string) (*Probe, error) {
	cmd := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, classifyExecErr("media.ProbeFile", ctx, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, werr.New(werr.PermanentExternal, "media.ProbeFile", fmt.Errorf("parse ffprobe output: %w", err))
	}

	result := &Probe{}
	if parsed.Format.Duration != "" {
		secs, _ := strconv.ParseFloat(parsed.Format.Duration, 64)
		result.Duration = time.Duration(secs * float64(time.Second))
	}

	for i := range parsed.Streams {
		s := &parsed.Streams[i]
		switch s.CodecType {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = s.CodecName
				result.Width = s.Width
				result.Height = s.Height
				result.FrameRate = parseFrameRate(s.RFrameRate)
				if result.FrameRate == 0 {
					result.FrameRate = parseFrameRate(s.AvgFrameRate)
				}
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = s.CodecName
			}
		}
	}

	if result.Duration <= 0 {
		return nil, werr.Newf(werr.InvalidArgument, "media.ProbeFile", "could not determine duration for %q", path)
	}
	return result, nil
}

func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}

// classifyExecErr maps an exec.Command failure into a werr.Kind, surfacing
// stderr from *exec.ExitError where present.
func classifyExecErr(op string, ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return werr.New(werr.Timeout, op, err)
	}
	if ctx.Err() == context.Canceled {
		return werr.New(werr.Cancelled, op, err)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return werr.Newf(werr.PermanentExternal, op, "exited %s: %s", exitErr.String(), string(exitErr.Stderr))
	}
	return werr.New(werr.Internal, op, err)
}
