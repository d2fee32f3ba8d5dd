package transcribe

import (
	"testing"

	"github.com/shohei-video/analyzer-worker/internal/pipeline"
)

func TestMergeAdjacentDedupsExactTextWithinOverlap(t *testing.T) {
	existing := []pipeline.TranscriptionSegment{
		{Start: 295.0, Duration: 4.5, Text: "hello there"},
	}
	newSegments := []pipeline.TranscriptionSegment{
		{Start: 299.2, Duration: 4.0, Text: "hello there"},
		{Start: 305.0, Duration: 2.0, Text: "next line"},
	}

	merged := mergeAdjacent(existing, newSegments, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected the duplicated boundary segment to merge away, got %d segments", len(merged))
	}
	if merged[0].Start != 299.2 {
		t.Errorf("expected the merged segment to take the new segment's timing, got start=%v", merged[0].Start)
	}
}

func TestMergeAdjacentKeepsDistinctTextSeparate(t *testing.T) {
	existing := []pipeline.TranscriptionSegment{
		{Start: 295.0, Duration: 4.5, Text: "hello there"},
	}
	newSegments := []pipeline.TranscriptionSegment{
		{Start: 299.2, Duration: 4.0, Text: "goodbye now"},
	}

	merged := mergeAdjacent(existing, newSegments, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected distinct text to remain two segments, got %d", len(merged))
	}
}

func TestMergeAdjacentKeepsSameTextSeparateWhenGapExceedsOverlap(t *testing.T) {
	existing := []pipeline.TranscriptionSegment{
		{Start: 100.0, Duration: 2.0, Text: "repeat"},
	}
	newSegments := []pipeline.TranscriptionSegment{
		{Start: 110.0, Duration: 2.0, Text: "repeat"},
	}

	merged := mergeAdjacent(existing, newSegments, 1.0)
	if len(merged) != 2 {
		t.Fatalf("expected segments separated beyond the overlap window to stay distinct, got %d", len(merged))
	}
}

func TestMergeAdjacentHandlesEmptyExisting(t *testing.T) {
	newSegments := []pipeline.TranscriptionSegment{{Start: 0, Duration: 1, Text: "first"}}
	merged := mergeAdjacent(nil, newSegments, 1.0)
	if len(merged) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(merged))
	}
}
