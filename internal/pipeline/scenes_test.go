package pipeline

import "testing"

func TestBuildScenesHappyPath(t *testing.T) {
	cuts := []SceneCut{{Timestamp: 0}, {Timestamp: 12.5}, {Timestamp: 22.0}}
	scenes := BuildScenes(cuts, 30)

	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(scenes))
	}
	wantMid := []float64{6.25, 17.25, 26.0}
	for i, s := range scenes {
		if s.SceneNumber != i+1 {
			t.Errorf("scene %d: expected dense number %d, got %d", i, i+1, s.SceneNumber)
		}
		if s.MidTime != wantMid[i] {
			t.Errorf("scene %d: expected midTime %v, got %v", i, wantMid[i], s.MidTime)
		}
	}
}

func TestBuildScenesDropsShortScenesButStaysDense(t *testing.T) {
	// Cuts at 0, 5, 5.5 (5.5 is within MinSceneCutInterval of 5, so it is
	// filtered out and no [5,5.5) scene is built).
	cuts := []SceneCut{{Timestamp: 0}, {Timestamp: 5}, {Timestamp: 5.5}, {Timestamp: 10}}
	scenes := BuildScenes(cuts, 20)

	for i, s := range scenes {
		if s.SceneNumber != i+1 {
			t.Errorf("expected dense numbering, scene %d has number %d", i, s.SceneNumber)
		}
	}
	for _, s := range scenes {
		if s.EndTime-s.StartTime < MinSceneDuration {
			t.Errorf("scene %+v shorter than MinSceneDuration survived filtering", s)
		}
	}
}

func TestFilterCutsEnforcesMinInterval(t *testing.T) {
	cuts := []SceneCut{{Timestamp: 0}, {Timestamp: 1.0}, {Timestamp: 3.5}}
	got := FilterCuts(cuts)
	if len(got) != 2 {
		t.Fatalf("expected the 1.0s cut to be dropped (too close to 0), got %d cuts: %+v", len(got), got)
	}
	if got[0].Timestamp != 0 || got[1].Timestamp != 3.5 {
		t.Errorf("unexpected surviving cuts: %+v", got)
	}
}

func TestBuildScenesSceneCutAtZeroAccepted(t *testing.T) {
	scenes := BuildScenes([]SceneCut{{Timestamp: 0}}, 10)
	if len(scenes) == 0 || scenes[0].StartTime != 0 {
		t.Fatalf("expected first scene to start at 0, got %+v", scenes)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusProcessing, true}, // resume
		{StatusCompleted, StatusProcessing, false}, // terminal is final
		{StatusError, StatusCompleted, false},
		{StatusPending, StatusError, true},
		{StatusCompleted, StatusError, true}, // error reachable from any state
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
