// Package config loads the worker's YAML configuration and applies
// environment overrides, generalizing this worker's Config/DefaultConfig/
// Load/Save shape from a transcode-job config to the analysis pipeline's
// provider, timeout, and threshold settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one OCR or ASR provider's credentials and pacing.
// Every provider is modeled as a generic HTTP endpoint rather than a
// vendor client binding.
type ProviderConfig struct {
	Name              string `yaml:"name"`
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Priority          int    `yaml:"priority"`
	Enabled           bool   `yaml:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxParallel       int    `yaml:"max_parallel"`
}

// Config is the worker process's full configuration.
type Config struct {
	// Port is the HTTP listen port for the internal API surface.
	Port int `yaml:"port"`

	// WorkerSecret authenticates the Bearer-auth HTTP routes. Required at
	// first use; a missing value only warns at startup.
	WorkerSecret string `yaml:"worker_secret"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// DataDir holds the SQLite status/checkpoint database files.
	DataDir string `yaml:"data_dir"`

	// TempRoot is the root under which each job gets a private
	// subdirectory, deleted at job end.
	TempRoot string `yaml:"temp_root"`

	// FFmpegPath / FFprobePath are the external media toolchain binaries.
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	// ObjectStoreBucket is the S3-compatible bucket used for source video,
	// intermediate audio, and result uploads.
	ObjectStoreBucket string `yaml:"object_store_bucket"`
	ObjectStoreRegion string `yaml:"object_store_region"`

	// ObjectStoreAccessKeyID / ObjectStoreSecretAccessKey, when both set,
	// override the standard AWS environment/credential chain with a static
	// credentials provider. Left blank, the worker falls back to that chain
	// (IAM role, env vars, shared config file), which covers EC2/ECS/EKS
	// deployments; the explicit pair exists for S3-compatible endpoints
	// running outside AWS where no such chain is available.
	ObjectStoreAccessKeyID     string `yaml:"object_store_access_key_id"`
	ObjectStoreSecretAccessKey string `yaml:"object_store_secret_access_key"`

	// CheckpointTTL is how long an idle checkpoint row survives before
	// Sweep removes it.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// MaxResumeRetries is the resume budget before a job fails as
	// RESUME_BUDGET_EXHAUSTED.
	MaxResumeRetries int `yaml:"max_resume_retries"`

	// ShutdownGracePeriod bounds how long the shutdown coordinator waits
	// for in-flight persistence before exiting.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	// SceneCutThresholds are the multi-pass thresholds merged by
	// DetectSceneCuts.
	SceneCutThresholds []float64 `yaml:"scene_cut_thresholds"`

	// MinSceneInterval is the minimum spacing between adjacent scene cuts.
	MinSceneInterval float64 `yaml:"min_scene_interval"`

	// MinSceneDuration drops scenes shorter than this after cut filtering.
	MinSceneDuration float64 `yaml:"min_scene_duration"`

	// ChunkDuration / OverlapDuration / MinDurationForChunking govern
	// SplitAudioIntoChunks.
	ChunkDuration          time.Duration `yaml:"chunk_duration"`
	OverlapDuration        time.Duration `yaml:"overlap_duration"`
	MinDurationForChunking time.Duration `yaml:"min_duration_for_chunking"`

	// VADSensitivity / VADMinSpeechDuration / VADMaxChunkDuration
	// parameterize voice-activity segmentation.
	VADSensitivity       float64       `yaml:"vad_sensitivity"`
	VADMinSpeechDuration time.Duration `yaml:"vad_min_speech_duration"`
	VADMaxChunkDuration  time.Duration `yaml:"vad_max_chunk_duration"`

	// WhisperCheckpointInterval is N in "save after every N completed audio
	// chunks".
	WhisperCheckpointInterval int `yaml:"whisper_checkpoint_interval"`

	// OCRBatchSize is B: the per-batch checkpoint granularity for OCR.
	OCRBatchSize int `yaml:"ocr_batch_size"`
	// OCRBatchParallelism is P: bounded concurrency within a batch.
	OCRBatchParallelism int `yaml:"ocr_batch_parallelism"`
	// OCRCheckpointInterval is the safety-save granularity within a batch.
	OCRCheckpointInterval int `yaml:"ocr_checkpoint_interval"`
	// OCRProviderCooldown is how long an unavailable provider is skipped.
	OCRProviderCooldown time.Duration `yaml:"ocr_provider_cooldown"`
	// OCRMinScenesForOverlayFilter is minScenes in the overlay filter.
	OCRMinScenesForOverlayFilter int `yaml:"ocr_min_scenes_for_overlay_filter"`

	// FrameExtractionConcurrency is K frames in flight (default 4).
	FrameExtractionConcurrency int `yaml:"frame_extraction_concurrency"`

	// DownloadChunkSize / DownloadConcurrency / DownloadStallTimeout /
	// DownloadChunkRetries govern the ranged parallel download; the total
	// retry budget was an open design question, resolved in DESIGN.md.
	DownloadChunkSize    int64         `yaml:"download_chunk_size"`
	DownloadConcurrency  int           `yaml:"download_concurrency"`
	DownloadStallTimeout time.Duration `yaml:"download_stall_timeout"`
	DownloadChunkRetries int           `yaml:"download_chunk_retries"`

	// Timeouts for individual media-adapter operations.
	ProbeTimeout            time.Duration `yaml:"probe_timeout"`
	ExtractAudioTimeout     time.Duration `yaml:"extract_audio_timeout"`
	ExtractChunkTimeout     time.Duration `yaml:"extract_chunk_timeout"`
	SceneDetectBaseTimeout  time.Duration `yaml:"scene_detect_base_timeout"`
	FrameExtractionTimeout  time.Duration `yaml:"frame_extraction_timeout"`
	ProviderCallTimeout     time.Duration `yaml:"provider_call_timeout"`

	// OCRProviders / ASRProviders are the configured provider chains, in
	// priority order. Providers are modeled generically behind the Provider
	// interface rather than bound to any one vendor SDK.
	OCRProviders []ProviderConfig `yaml:"ocr_providers"`
	ASRProviders []ProviderConfig `yaml:"asr_providers"`
}

// DefaultConfig returns a config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Port:                         8080,
		LogLevel:                     "info",
		DataDir:                      "/data",
		TempRoot:                     "",
		FFmpegPath:                   "ffmpeg",
		FFprobePath:                  "ffprobe",
		ObjectStoreRegion:            "auto",
		CheckpointTTL:                7 * 24 * time.Hour,
		MaxResumeRetries:             3,
		ShutdownGracePeriod:          3 * time.Second,
		SceneCutThresholds:           []float64{0.02, 0.05, 0.08},
		MinSceneInterval:             2.0,
		MinSceneDuration:             0.8,
		ChunkDuration:                300 * time.Second,
		OverlapDuration:              1 * time.Second,
		MinDurationForChunking:       600 * time.Second,
		VADSensitivity:               0.3,
		VADMinSpeechDuration:         100 * time.Millisecond,
		VADMaxChunkDuration:          10 * time.Second,
		WhisperCheckpointInterval:    10,
		OCRBatchSize:                 100,
		OCRBatchParallelism:          3,
		OCRCheckpointInterval:        10,
		OCRProviderCooldown:          60 * time.Second,
		OCRMinScenesForOverlayFilter: 3,
		FrameExtractionConcurrency:   4,
		DownloadChunkSize:            8 << 20,
		DownloadConcurrency:          4,
		DownloadStallTimeout:         45 * time.Second,
		DownloadChunkRetries:         3,
		ProbeTimeout:                 60 * time.Second,
		ExtractAudioTimeout:          20 * time.Minute,
		ExtractChunkTimeout:          60 * time.Second,
		SceneDetectBaseTimeout:       45 * time.Minute,
		FrameExtractionTimeout:       time.Second,
		ProviderCallTimeout:          60 * time.Second,
	}
}

// Load reads config from a YAML file, applying defaults for missing values
// and then environment overrides for secrets (file-then-env precedence, as
// in cmd/shrinkray/main.go). A missing file is created from the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Printf("Warning: Could not create config file: %v\n", saveErr)
			}
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = d.FFprobePath
	}
	if c.CheckpointTTL == 0 {
		c.CheckpointTTL = d.CheckpointTTL
	}
	if c.MaxResumeRetries == 0 {
		c.MaxResumeRetries = d.MaxResumeRetries
	}
	if c.ShutdownGracePeriod == 0 {
		c.ShutdownGracePeriod = d.ShutdownGracePeriod
	}
	if len(c.SceneCutThresholds) == 0 {
		c.SceneCutThresholds = d.SceneCutThresholds
	}
	if c.MinSceneInterval == 0 {
		c.MinSceneInterval = d.MinSceneInterval
	}
	if c.MinSceneDuration == 0 {
		c.MinSceneDuration = d.MinSceneDuration
	}
	if c.ChunkDuration == 0 {
		c.ChunkDuration = d.ChunkDuration
	}
	if c.OverlapDuration == 0 {
		c.OverlapDuration = d.OverlapDuration
	}
	if c.MinDurationForChunking == 0 {
		c.MinDurationForChunking = d.MinDurationForChunking
	}
	if c.VADMaxChunkDuration == 0 {
		c.VADMaxChunkDuration = d.VADMaxChunkDuration
	}
	if c.WhisperCheckpointInterval == 0 {
		c.WhisperCheckpointInterval = d.WhisperCheckpointInterval
	}
	if c.OCRBatchSize == 0 {
		c.OCRBatchSize = d.OCRBatchSize
	}
	if c.OCRBatchParallelism == 0 {
		c.OCRBatchParallelism = d.OCRBatchParallelism
	}
	if c.OCRCheckpointInterval == 0 {
		c.OCRCheckpointInterval = d.OCRCheckpointInterval
	}
	if c.OCRProviderCooldown == 0 {
		c.OCRProviderCooldown = d.OCRProviderCooldown
	}
	if c.OCRMinScenesForOverlayFilter == 0 {
		c.OCRMinScenesForOverlayFilter = d.OCRMinScenesForOverlayFilter
	}
	if c.FrameExtractionConcurrency == 0 {
		c.FrameExtractionConcurrency = d.FrameExtractionConcurrency
	}
	if c.DownloadChunkSize == 0 {
		c.DownloadChunkSize = d.DownloadChunkSize
	}
	if c.DownloadConcurrency == 0 {
		c.DownloadConcurrency = d.DownloadConcurrency
	}
	if c.DownloadStallTimeout == 0 {
		c.DownloadStallTimeout = d.DownloadStallTimeout
	}
	if c.DownloadChunkRetries == 0 {
		c.DownloadChunkRetries = d.DownloadChunkRetries
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ExtractAudioTimeout == 0 {
		c.ExtractAudioTimeout = d.ExtractAudioTimeout
	}
	if c.ExtractChunkTimeout == 0 {
		c.ExtractChunkTimeout = d.ExtractChunkTimeout
	}
	if c.SceneDetectBaseTimeout == 0 {
		c.SceneDetectBaseTimeout = d.SceneDetectBaseTimeout
	}
	if c.FrameExtractionTimeout == 0 {
		c.FrameExtractionTimeout = d.FrameExtractionTimeout
	}
	if c.ProviderCallTimeout == 0 {
		c.ProviderCallTimeout = d.ProviderCallTimeout
	}
}

// applyEnvOverrides reads secrets from the environment: worker auth token,
// object store bucket, region and credentials. Provider API keys are not
// read from the environment; they come only from the YAML file's
// ocr_providers/asr_providers entries. Missing critical keys only warn
// here; the caller fails at first use.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WORKER_SECRET"); v != "" {
		c.WorkerSecret = v
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		c.ObjectStoreBucket = v
	}
	if v := os.Getenv("OBJECT_STORE_REGION"); v != "" {
		c.ObjectStoreRegion = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY_ID"); v != "" {
		c.ObjectStoreAccessKeyID = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_ACCESS_KEY"); v != "" {
		c.ObjectStoreSecretAccessKey = v
	}
	if c.WorkerSecret == "" {
		fmt.Println("Warning: WORKER_SECRET is not set; the API surface will reject all authenticated requests")
	}
	if c.ObjectStoreBucket == "" {
		fmt.Println("Warning: OBJECT_STORE_BUCKET is not set; object store operations will fail at first use")
	}
	if len(c.OCRProviders) == 0 {
		fmt.Println("Warning: no OCR providers configured; OCR will fail at first use")
	}
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetTempDir returns the root temp directory for a job's private
// subdirectory.
func (c *Config) GetTempDir() string {
	if c.TempRoot != "" {
		return c.TempRoot
	}
	return os.TempDir()
}
