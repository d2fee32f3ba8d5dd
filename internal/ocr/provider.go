// Package ocr implements provider failover, batching, per-batch
// checkpointing, and post-processing (overlay filtering, consecutive-
// duplicate suppression) over a scene list.
package ocr

import (
	"context"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
)

// Prompt is the shared, verbatim OCR instruction every provider receives,
// for cross-provider consistency.
const Prompt = `Extract all readable on-screen text from this video frame. ` +
	`Return JSON of the form {"text": <string, using "\n" for line breaks>, "confidence": <0..1>}. ` +
	`Prioritize subtitles in the bottom 20% of the frame and centered titles. ` +
	`Ignore text shorter than 3% of the screen height, background signage, watermarks, and logos.`

// Image is a single still frame submitted for OCR.
type Image struct {
	SceneIndex int
	Path       string
}

// Result is one provider call's outcome.
type Result struct {
	Text       string
	Confidence float64
	Provider   string
	ElapsedMs  int64
}

// Provider is an external OCR vendor, interchangeable under this contract.
type Provider interface {
	Name() string
	Priority() int
	Enabled() bool
	MaxParallel() int
	Limiter() *ratelimit.Limiter
	PerformOCR(ctx context.Context, image Image) (Result, error)
}

// availability tracks a provider's temporary unavailability window.
type availability struct {
	unavailableUntil time.Time
}

func (a availability) isAvailable(now time.Time) bool {
	return now.After(a.unavailableUntil)
}
