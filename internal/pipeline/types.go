// Package pipeline holds the Job/Phase/Scene types shared by the
// orchestrator (internal/orchestrator, which sequences download, audio
// extraction, transcription, scene detection, frame extraction, OCR, report
// assembly, and result upload) and the status store, plus scene building
// from cut lists and per-job temp-dir helpers.
package pipeline

import "time"

// Status is the externally observable job state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// rank orders statuses for the forward-only transition check; higher never
// regresses to lower except into StatusError, which is handled separately.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusError:      2,
}

// CanTransition reports whether moving from `from` to `to` is a legal Job
// State Machine transition: forward-only, except into StatusError from any
// state, and back to StatusProcessing only as a resume-from-checkpoint.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if from == StatusProcessing && to == StatusProcessing {
		return true // resume-from-checkpoint
	}
	return statusRank[to] >= statusRank[from]
}

// DetectionMode selects whether supplementary scene-cut detectors run.
type DetectionMode string

const (
	DetectionStandard DetectionMode = "standard"
	DetectionEnhanced DetectionMode = "enhanced"
)

// Phase identifies one of the nine ordered pipeline stages.
type Phase int

const (
	PhaseDownload Phase = iota + 1
	PhaseProbe
	PhaseExtractAudio
	PhaseTranscription
	PhaseSceneDetection
	PhaseFrameExtraction
	PhaseOCR
	PhaseReportAssembly
	PhaseUpload
)

// progressBands maps each stage to its coarse overall-progress range.
var progressBands = map[Phase][2]int{
	PhaseDownload:        {0, 10},
	PhaseProbe:           {10, 12},
	PhaseExtractAudio:    {12, 20},
	PhaseTranscription:   {20, 35},
	PhaseSceneDetection:  {35, 50},
	PhaseFrameExtraction: {50, 65},
	PhaseOCR:             {65, 90},
	PhaseReportAssembly:  {90, 97},
	PhaseUpload:          {97, 100},
}

// Band returns the [lower, upper) coarse progress band for p.
func (p Phase) Band() (lower, upper int) {
	b := progressBands[p]
	return b[0], b[1]
}

// String renders the human-facing phase label written alongside the coarse
// progress value.
func (p Phase) String() string {
	switch p {
	case PhaseDownload:
		return "Downloading source video"
	case PhaseProbe:
		return "Probing metadata"
	case PhaseExtractAudio:
		return "Extracting audio"
	case PhaseTranscription:
		return "Transcribing audio"
	case PhaseSceneDetection:
		return "Detecting scenes"
	case PhaseFrameExtraction:
		return "Extracting frames"
	case PhaseOCR:
		return "Running OCR"
	case PhaseReportAssembly:
		return "Assembling report"
	case PhaseUpload:
		return "Uploading result"
	default:
		return "Unknown phase"
	}
}

// InputDescriptor is the immutable part of a Job, fixed at submission.
type InputDescriptor struct {
	StorageKey    string
	FileName      string
	DetectionMode DetectionMode
	DataConsent   bool
}

// Job is the full externally observable state of one analysis run.
type Job struct {
	UploadID string
	UserID   string
	Input    InputDescriptor

	Status       Status
	Phase        Phase
	Progress     int // 0..100, coarse
	SubTask      string
	ResultR2Key  string
	Error        string
	ErrorCode    string
	Metadata     StatusMetadata
	Warnings     []string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Copy returns a deep-enough copy for safe external exposure (the warnings
// slice is cloned so callers can't mutate the job's own backing array).
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Warnings != nil {
		cp.Warnings = append([]string(nil), j.Warnings...)
	}
	return &cp
}

// StatusMetadata is the strongly-typed replacement for the status row's
// JSON metadata blob: a flat struct with optional fields instead of a
// generic map, so the status surface round-trips without losing type
// information.
type StatusMetadata struct {
	Phase                  int      `json:"phase"`
	PhaseProgress          int      `json:"phaseProgress"`
	PhaseStatus            string   `json:"phaseStatus,omitempty"`
	SubTask                string   `json:"subTask,omitempty"`
	EstimatedTimeRemaining *int     `json:"estimatedTimeRemaining,omitempty"`
	ResultR2Key            *string  `json:"resultR2Key,omitempty"`
	FileName               *string  `json:"fileName,omitempty"`
	Duration               *float64 `json:"duration,omitempty"`
	SegmentCount           *int     `json:"segmentCount,omitempty"`
	OCRResultCount         *int     `json:"ocrResultCount,omitempty"`
	TotalScenes            *int     `json:"totalScenes,omitempty"`
	ScenesWithOCR          *int     `json:"scenesWithOCR,omitempty"`
	ScenesWithNarration    *int     `json:"scenesWithNarration,omitempty"`
	DetectionMode          *string  `json:"detectionMode,omitempty"`
	ErrorCode              *string  `json:"errorCode,omitempty"`
	Warnings               []string `json:"warnings,omitempty"`
	Signal                 *string  `json:"signal,omitempty"`
	InterruptedAt          *string  `json:"interruptedAt,omitempty"`
}

// Scene is derived from sceneCuts plus video duration; it is never
// persisted as an independent entity.
type Scene struct {
	SceneNumber    int
	StartTime      float64
	EndTime        float64
	MidTime        float64
	ScreenshotPath string
	OCRText        string
	OCRConfidence  float64
}

// TranscriptionSegment is one ASR result, in absolute audio time.
type TranscriptionSegment struct {
	Start      float64
	Duration   float64
	Text       string
	Confidence float64
}

// SceneCut is one detected visual discontinuity.
type SceneCut struct {
	Timestamp  float64
	Confidence float64
}

// OCRResult is the extracted text for one scene index.
type OCRResult struct {
	Text       string
	Confidence float64
}
