// Package checkpoint implements durable, resumable pipeline state,
// keyed by upload ID, with optimistic concurrency on a monotonic version
// and a TTL sweep for abandoned rows.
package checkpoint

import "time"

// Step identifies the last pipeline stage whose checkpoint-relevant output
// is durable.
type Step string

const (
	StepDownloading     Step = "downloading"
	StepAudioExtraction Step = "audio_extraction"
	StepTranscription   Step = "transcription"
	StepSceneDetection  Step = "scene_detection"
	StepOCR             Step = "ocr"
	StepExcelGeneration Step = "excel_generation"
)

// stepOrder gives StepAtLeast a total order to check against, mirroring the
// "currentStep only advances when earlier-step invariants hold" rule.
var stepOrder = map[Step]int{
	StepDownloading:     0,
	StepAudioExtraction: 1,
	StepTranscription:   2,
	StepSceneDetection:  3,
	StepOCR:             4,
	StepExcelGeneration: 5,
}

// AtLeast reports whether s has reached or passed target in the step order.
func (s Step) AtLeast(target Step) bool {
	return stepOrder[s] >= stepOrder[target]
}

// TranscriptionSegment is a value type mirroring pipeline.TranscriptionSegment,
// duplicated here rather than imported from internal/pipeline, so the
// checkpoint package does not depend on it.
type TranscriptionSegment struct {
	Start      float64 `json:"start"`
	Duration   float64 `json:"duration"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SceneCut mirrors pipeline.SceneCut.
type SceneCut struct {
	Timestamp  float64 `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

// State is the full persisted checkpoint row for one upload.
type State struct {
	UploadID string `json:"uploadId"`

	CurrentStep           Step                   `json:"currentStep"`
	IntermediateVideoPath string                 `json:"intermediateVideoPath,omitempty"`
	IntermediateAudioPath string                 `json:"intermediateAudioPath,omitempty"`
	VideoDuration         float64                `json:"videoDuration"`
	TotalAudioChunks      int                    `json:"totalAudioChunks"`
	TotalScenes           int                    `json:"totalScenes"`
	CompletedAudioChunks  map[int]struct{}       `json:"-"`
	TranscriptionSegments []TranscriptionSegment `json:"transcriptionSegments"`
	SceneCuts             []SceneCut             `json:"sceneCuts"`
	// CompletedOcrScenes and OcrResults are keyed by pipeline.Scene's
	// 1-based SceneNumber, matching the numbering reported to callers, not
	// a zero-based index.
	CompletedOcrScenes map[int]struct{} `json:"-"`
	OcrResults         map[int]string   `json:"ocrResults"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	RetryCount int `json:"retryCount"`
	Version    int `json:"version"`
}

// New creates a fresh checkpoint for uploadID, created and expiring now+ttl.
func New(uploadID string, ttl time.Duration) *State {
	now := time.Now()
	return &State{
		UploadID:             uploadID,
		CurrentStep:          StepDownloading,
		CompletedAudioChunks: make(map[int]struct{}),
		CompletedOcrScenes:   make(map[int]struct{}),
		OcrResults:           make(map[int]string),
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpiresAt:            now.Add(ttl),
		Version:              1,
	}
}

// Expired reports whether the checkpoint's TTL has passed at `now`.
func (s *State) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// CompletedAudioChunkIndices returns the sorted completed-chunk index set.
func (s *State) CompletedAudioChunkIndices() []int {
	return sortedKeys(s.CompletedAudioChunks)
}

// CompletedOcrSceneIndices returns the sorted completed-scene index set.
func (s *State) CompletedOcrSceneIndices() []int {
	return sortedKeys(s.CompletedOcrScenes)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Small sets (tens of thousands at most); insertion sort is fine and
	// avoids importing sort for its two one-line call sites.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate the result without racing
// the store's internal copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CompletedAudioChunks = cloneSet(s.CompletedAudioChunks)
	cp.CompletedOcrScenes = cloneSet(s.CompletedOcrScenes)
	cp.TranscriptionSegments = append([]TranscriptionSegment(nil), s.TranscriptionSegments...)
	cp.SceneCuts = append([]SceneCut(nil), s.SceneCuts...)
	cp.OcrResults = make(map[int]string, len(s.OcrResults))
	for k, v := range s.OcrResults {
		cp.OcrResults[k] = v
	}
	return &cp
}

func cloneSet(m map[int]struct{}) map[int]struct{} {
	cp := make(map[int]struct{}, len(m))
	for k := range m {
		cp[k] = struct{}{}
	}
	return cp
}

// SaveOptions controls the version/retry bookkeeping Save performs.
type SaveOptions struct {
	IncrementVersion bool
	IncrementRetry   bool
}
