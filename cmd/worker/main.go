package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/shohei-video/analyzer-worker/internal/api"
	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/config"
	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/media"
	"github.com/shohei-video/analyzer-worker/internal/objectstore"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/orchestrator"
	"github.com/shohei-video/analyzer-worker/internal/providers"
	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
	"github.com/shohei-video/analyzer-worker/internal/shutdown"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
	"github.com/shohei-video/analyzer-worker/internal/transcribe"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/worker.yaml)")
	port := flag.Int("port", 0, "Override HTTP listen port from config")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/worker.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config from %s: %v", cfgPath, err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Init(cfg.LogLevel)
	logger.Info("starting worker", "port", cfg.Port, "dataDir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	statuses, err := statusstore.Open(filepath.Join(cfg.DataDir, "status.db"))
	if err != nil {
		log.Fatalf("open status store: %v", err)
	}
	defer statuses.Close()

	checkpoints, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		log.Fatalf("open checkpoint store: %v", err)
	}
	defer checkpoints.Close()

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.ObjectStoreRegion)}
	if cfg.ObjectStoreAccessKeyID != "" && cfg.ObjectStoreSecretAccessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ObjectStoreAccessKeyID, cfg.ObjectStoreSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsOpts...)
	if err != nil {
		log.Fatalf("load AWS config: %v", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)
	objects := objectstore.New(s3Client, s3.NewPresignClient(s3Client), cfg.ObjectStoreBucket,
		objectstore.WithChunkSize(cfg.DownloadChunkSize),
		objectstore.WithConcurrency(cfg.DownloadConcurrency),
		objectstore.WithStallTimeout(cfg.DownloadStallTimeout),
		objectstore.WithChunkRetries(cfg.DownloadChunkRetries),
	)

	mediaAdapter := media.New(cfg.FFmpegPath, cfg.FFprobePath)

	var asrProvider transcribe.ASRProvider
	if len(cfg.ASRProviders) > 0 {
		asrProvider = providers.NewASRProvider(cfg.ASRProviders[0])
	}
	asrLimiter := ratelimit.New(60)
	if len(cfg.ASRProviders) > 0 {
		asrLimiter = ratelimit.New(cfg.ASRProviders[0].RequestsPerMinute)
	}
	transcriber := transcribe.New(mediaAdapter, vadShim{mediaAdapter}, asrProvider, asrLimiter, cfg.GetTempDir())

	ocrProviders := make([]ocr.Provider, 0, len(cfg.OCRProviders))
	for _, pc := range cfg.OCRProviders {
		ocrProviders = append(ocrProviders, providers.NewOCRProvider(pc))
	}
	registry := ocr.NewInFlightRegistry()
	ocrEngine := ocr.New(ocrProviders, registry)

	orch := orchestrator.New(objects, mediaAdapter, transcriber, ocrEngine, registry, checkpoints, statuses, orchestrator.Options{
		TempRoot:               cfg.GetTempDir(),
		MaxResumeRetries:       cfg.MaxResumeRetries,
		CheckpointTTL:          cfg.CheckpointTTL,
		SceneCutThresholds:     cfg.SceneCutThresholds,
		MinSceneInterval:       cfg.MinSceneInterval,
		MinSceneDuration:       cfg.MinSceneDuration,
		ChunkDuration:          cfg.ChunkDuration,
		OverlapDuration:        cfg.OverlapDuration,
		MinDurationForChunking: cfg.MinDurationForChunking,
		VAD: transcribe.VADOptions{
			Sensitivity:       cfg.VADSensitivity,
			MinSpeechDuration: cfg.VADMinSpeechDuration,
			MaxChunkDuration:  cfg.VADMaxChunkDuration,
		},
		WhisperCheckpointEvery: cfg.WhisperCheckpointInterval,
		OCR: ocr.RunOptions{
			BatchSize:              cfg.OCRBatchSize,
			PerProviderParallelism: cfg.OCRBatchParallelism,
			CheckpointInterval:     cfg.OCRCheckpointInterval,
			ProviderCooldown:       cfg.OCRProviderCooldown,
		},
		FrameConcurrency:    cfg.FrameExtractionConcurrency,
		DownloadChunkSize:   cfg.DownloadChunkSize,
		DownloadConcurrency: cfg.DownloadConcurrency,
		ProbeTimeout:        cfg.ProbeTimeout,
		ExtractAudioTimeout: cfg.ExtractAudioTimeout,
		SceneDetectTimeout:  cfg.SceneDetectBaseTimeout,
		FrameTimeout:        cfg.FrameExtractionTimeout,
	})

	coordinator := shutdown.New(registry, checkpoints, statuses, cfg.ShutdownGracePeriod)
	shutdownCtx := coordinator.Watch(context.Background())

	var inFlight sync.WaitGroup
	handler := api.NewHandler(orch, statuses, checkpoints, objects, shutdownCtx)
	router := api.NewRouter(handler, cfg.WorkerSecret)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: trackInFlight(&inFlight, router),
	}

	go func() {
		<-shutdownCtx.Done()
		logger.Info("draining in-flight requests", "gracePeriod", cfg.ShutdownGracePeriod)
		if !coordinator.Drain(&inFlight) {
			coordinator.Flush(context.Background(), "shutdown")
		}
		server.Close()
	}()

	logger.Info("listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("worker stopped")
}

// trackInFlight wraps router so the shutdown coordinator's Drain can wait
// for every request (in practice, every long-held /process call) to finish
// before deciding whether a Flush is needed.
func trackInFlight(wg *sync.WaitGroup, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		next.ServeHTTP(w, r)
	})
}

// vadShim adapts *media.Adapter's VAD types to transcribe.VADDetector's,
// since media cannot import transcribe (transcribe already imports media
// for audio chunking, and the reverse import would close a cycle).
type vadShim struct{ m *media.Adapter }

func (v vadShim) DetectSpeech(ctx context.Context, audioChunkPath string, opts transcribe.VADOptions) ([]transcribe.VADSegment, error) {
	segments, err := v.m.DetectSpeech(ctx, audioChunkPath, media.VADOptions{
		Sensitivity:       opts.Sensitivity,
		MinSpeechDuration: opts.MinSpeechDuration,
		MaxChunkDuration:  opts.MaxChunkDuration,
	})
	if err != nil {
		return nil, err
	}
	out := make([]transcribe.VADSegment, len(segments))
	for i, s := range segments {
		out[i] = transcribe.VADSegment{Start: s.Start, End: s.End}
	}
	return out, nil
}
