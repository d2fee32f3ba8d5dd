package report

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/shohei-video/analyzer-worker/internal/pipeline"
)

func TestBuildRoundTrips(t *testing.T) {
	scenes := []pipeline.Scene{{SceneNumber: 1, StartTime: 0, EndTime: 6.25, MidTime: 3.125}}
	transcript := []pipeline.TranscriptionSegment{{Start: 1, Duration: 2, Text: "hi"}}

	data, err := Build("upload_1", "movie.mp4", 30, "standard", scenes, transcript, []string{"warn"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.UploadID != "upload_1" || len(doc.Scenes) != 1 || len(doc.Transcript) != 1 {
		t.Errorf("unexpected round-tripped document: %+v", doc)
	}
}

func TestCountScenesWithNarrationCountsOverlap(t *testing.T) {
	scenes := []pipeline.Scene{
		{SceneNumber: 1, StartTime: 0, EndTime: 10},
		{SceneNumber: 2, StartTime: 10, EndTime: 20},
	}
	transcript := []pipeline.TranscriptionSegment{{Start: 5}}

	if got := CountScenesWithNarration(scenes, transcript); got != 1 {
		t.Errorf("expected 1 scene with narration, got %d", got)
	}
}
