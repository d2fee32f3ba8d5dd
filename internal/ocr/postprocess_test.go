package ocr

import (
	"strconv"
	"testing"
)

func TestRemovePersistentOverlaysAtThresholdBoundary(t *testing.T) {
	// 10 scenes, 8 contain "(c) Example Corp" plus a unique subtitle line.
	// Threshold for 10 scenes is 80%; 8/10 = 80% meets it.
	scenes := make([]SceneText, 10)
	for i := 0; i < 8; i++ {
		scenes[i] = SceneText{SceneIndex: i, Text: "(c) Example Corp\nsubtitle " + strconv.Itoa(i), Duration: 1}
	}
	scenes[8] = SceneText{SceneIndex: 8, Text: "only subtitle", Duration: 1}
	scenes[9] = SceneText{SceneIndex: 9, Text: "another subtitle", Duration: 1}

	out := removePersistentOverlays(scenes, 3)
	for i := 0; i < 8; i++ {
		if want := "subtitle " + strconv.Itoa(i); out[i].Text != want {
			t.Errorf("scene %d: expected overlay stripped, got %q", i, out[i].Text)
		}
	}
}

func TestRemovePersistentOverlaysSkippedBelowMinScenes(t *testing.T) {
	scenes := []SceneText{
		{SceneIndex: 0, Text: "watermark"},
		{SceneIndex: 1, Text: "watermark"},
	}
	out := removePersistentOverlays(scenes, 3)
	if out[0].Text != "watermark" {
		t.Error("expected filtering to be skipped below minScenes")
	}
}

func TestOverlayThresholdDecaysWithSceneCount(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{10, 0.80},
		{19, 0.80},
		{20, 0.70},
		{49, 0.70},
		{50, 0.60},
		{99, 0.60},
		{100, 0.50},
		{500, 0.50},
	}
	for _, c := range cases {
		if got := overlayThreshold(c.count); got != c.want {
			t.Errorf("overlayThreshold(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestSuppressConsecutiveDuplicatesSuppressesShortRepeat(t *testing.T) {
	scenes := []SceneText{
		{SceneIndex: 0, Text: "hello", Duration: 1},
		{SceneIndex: 1, Text: "hello", Duration: 1},
		{SceneIndex: 2, Text: "hello", Duration: 1},
	}
	out := suppressConsecutiveDuplicates(scenes, 5.0)
	if out[0].Text != "hello" {
		t.Error("expected the first occurrence to always be preserved")
	}
	if out[1].Text != "" || out[2].Text != "" {
		t.Error("expected short repeats (<5s cumulative) to be suppressed")
	}
}

func TestSuppressConsecutiveDuplicatesPreservesLongRepeat(t *testing.T) {
	scenes := []SceneText{
		{SceneIndex: 0, Text: "hello", Duration: 2},
		{SceneIndex: 1, Text: "hello", Duration: 2},
		{SceneIndex: 2, Text: "hello", Duration: 2},
	}
	out := suppressConsecutiveDuplicates(scenes, 5.0)
	if out[2].Text != "hello" {
		t.Error("expected the repeat to be preserved once cumulative duration reaches 5s")
	}
}

func TestSuppressConsecutiveDuplicatesResetsOnDistinctText(t *testing.T) {
	scenes := []SceneText{
		{SceneIndex: 0, Text: "a", Duration: 1},
		{SceneIndex: 1, Text: "b", Duration: 1},
		{SceneIndex: 2, Text: "a", Duration: 1},
	}
	out := suppressConsecutiveDuplicates(scenes, 5.0)
	if out[2].Text != "a" {
		t.Error("expected a non-consecutive repeat to be preserved")
	}
}
