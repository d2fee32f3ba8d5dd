// Package report assembles the final analysis artifact from a job's scenes
// and transcript. The exact spreadsheet layout is explicitly out of scope;
// this package produces a structured, round-trippable serialization of the
// same data using the module's JSON stack rather than inventing a binary
// spreadsheet format with no grounding in the retrieved corpus.
package report

import (
	"github.com/goccy/go-json"

	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// ContentType is the MIME type attached to the assembled artifact.
const ContentType = "application/json"

// Document is the full assembled report body.
type Document struct {
	UploadID      string                        `json:"uploadId"`
	FileName      string                        `json:"fileName"`
	Duration      float64                       `json:"duration"`
	DetectionMode string                        `json:"detectionMode"`
	Scenes        []pipeline.Scene              `json:"scenes"`
	Transcript    []pipeline.TranscriptionSegment `json:"transcript"`
	Warnings      []string                      `json:"warnings,omitempty"`
}

// CountScenesWithNarration reports how many scenes overlap at least one
// transcript segment by start time, for the status metadata's
// scenesWithNarration field.
func CountScenesWithNarration(scenes []pipeline.Scene, transcript []pipeline.TranscriptionSegment) int {
	count := 0
	for _, s := range scenes {
		for _, seg := range transcript {
			if seg.Start >= s.StartTime && seg.Start < s.EndTime {
				count++
				break
			}
		}
	}
	return count
}

// Build assembles the final document from scenes in the order given, using
// the OCR text already set on each scene, then serializes it.
func Build(uploadID, fileName string, duration float64, detectionMode string, scenes []pipeline.Scene, transcript []pipeline.TranscriptionSegment, warnings []string) ([]byte, error) {
	doc := Document{
		UploadID:      uploadID,
		FileName:      fileName,
		Duration:      duration,
		DetectionMode: detectionMode,
		Scenes:        scenes,
		Transcript:    transcript,
		Warnings:      warnings,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, werr.New(werr.Internal, "report.Build", err)
	}
	return data, nil
}
