package ocr

import "strings"

// PostProcessOptions configures PostProcess.
type PostProcessOptions struct {
	// MinScenesForOverlayFilter skips overlay filtering entirely below this
	// scene count (default 3).
	MinScenesForOverlayFilter int
	// MinDurationToPreserveRepeat is the cumulative run duration (seconds)
	// at or above which a repeated line is kept rather than suppressed (default 5).
	MinDurationToPreserveRepeat float64
}

// DefaultPostProcessOptions returns the default thresholds.
func DefaultPostProcessOptions() PostProcessOptions {
	return PostProcessOptions{MinScenesForOverlayFilter: 3, MinDurationToPreserveRepeat: 5.0}
}

// SceneText is the minimal shape PostProcess needs: a scene's text plus its
// on-screen duration, in scene order.
type SceneText struct {
	SceneIndex int
	Text       string
	Duration   float64
}

// PostProcess applies persistent-overlay filtering followed by consecutive-
// duplicate suppression, in that order, across the full ordered scene list.
func PostProcess(scenes []SceneText, opts PostProcessOptions) []SceneText {
	if opts.MinScenesForOverlayFilter <= 0 {
		opts.MinScenesForOverlayFilter = 3
	}
	if opts.MinDurationToPreserveRepeat <= 0 {
		opts.MinDurationToPreserveRepeat = 5.0
	}

	filtered := removePersistentOverlays(scenes, opts.MinScenesForOverlayFilter)
	return suppressConsecutiveDuplicates(filtered, opts.MinDurationToPreserveRepeat)
}

// overlayThreshold returns the decaying frequency threshold: 80% below 20
// scenes, 70% below 50, 60% below 100, 50% otherwise.
func overlayThreshold(sceneCount int) float64 {
	switch {
	case sceneCount < 20:
		return 0.80
	case sceneCount < 50:
		return 0.70
	case sceneCount < 100:
		return 0.60
	default:
		return 0.50
	}
}

func removePersistentOverlays(scenes []SceneText, minScenes int) []SceneText {
	if len(scenes) < minScenes {
		return scenes
	}

	lineCounts := make(map[string]int)
	for _, s := range scenes {
		seenInScene := make(map[string]struct{})
		for _, line := range splitLines(s.Text) {
			if line == "" {
				continue
			}
			if _, dup := seenInScene[line]; dup {
				continue
			}
			seenInScene[line] = struct{}{}
			lineCounts[line]++
		}
	}

	threshold := overlayThreshold(len(scenes))
	minCount := int(threshold * float64(len(scenes)))
	overlays := make(map[string]struct{})
	for line, count := range lineCounts {
		if count >= minCount {
			overlays[line] = struct{}{}
		}
	}
	if len(overlays) == 0 {
		return scenes
	}

	out := make([]SceneText, len(scenes))
	for i, s := range scenes {
		var kept []string
		for _, line := range splitLines(s.Text) {
			if _, isOverlay := overlays[line]; isOverlay {
				continue
			}
			kept = append(kept, line)
		}
		out[i] = SceneText{SceneIndex: s.SceneIndex, Text: strings.Join(kept, "\n"), Duration: s.Duration}
	}
	return out
}

func suppressConsecutiveDuplicates(scenes []SceneText, minDurationToPreserve float64) []SceneText {
	out := make([]SceneText, len(scenes))
	if len(scenes) == 0 {
		return out
	}

	out[0] = scenes[0]
	lastEmittedText := scenes[0].Text
	runDuration := scenes[0].Duration

	for i := 1; i < len(scenes); i++ {
		s := scenes[i]
		if s.Text == lastEmittedText {
			runDuration += s.Duration
			if runDuration >= minDurationToPreserve {
				out[i] = s
			} else {
				out[i] = SceneText{SceneIndex: s.SceneIndex, Text: "", Duration: s.Duration}
			}
			continue
		}
		out[i] = s
		lastEmittedText = s.Text
		runDuration = s.Duration
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
