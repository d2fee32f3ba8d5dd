package ocr

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// RunOptions configures one Engine.Run call.
type RunOptions struct {
	BatchSize              int           // B, default 100
	PerProviderParallelism int           // P, default 3
	CheckpointInterval     int           // safety-save granularity within a batch, default 10
	ProviderCooldown       time.Duration // default 60s
}

// DefaultRunOptions returns the default run parameters.
func DefaultRunOptions() RunOptions {
	return RunOptions{BatchSize: 100, PerProviderParallelism: 3, CheckpointInterval: 10, ProviderCooldown: 60 * time.Second}
}

// OnBatchComplete persists {completedOcrScenes ∪ batch, ocrResults merged
// with batch} after a batch finishes.
type OnBatchComplete func(completed map[int]struct{}, results map[int]Result)

// OnSafetySave fires every CheckpointInterval scenes within a batch, for the
// same persistence path as OnBatchComplete.
type OnSafetySave func(completed map[int]struct{}, results map[int]Result)

// Engine runs the provider-failover OCR algorithm over a scene list.
type Engine struct {
	providers []Provider
	registry  *InFlightRegistry

	mu             sync.Mutex
	unavailableTil map[string]time.Time
}

// New constructs an Engine from providers in priority order (lower Priority
// first); providers with Enabled()==false are dropped up front.
func New(providers []Provider, registry *InFlightRegistry) *Engine {
	enabled := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Enabled() {
			enabled = append(enabled, p)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Priority() < enabled[j].Priority() })
	return &Engine{providers: enabled, registry: registry, unavailableTil: make(map[string]time.Time)}
}

// Run processes images in batches of opts.BatchSize, skipping any scene
// index already present in alreadyCompleted, and returns the full merged
// result set plus any job-level warnings (e.g. "OCR providers unavailable").
func (e *Engine) Run(ctx context.Context, uploadID string, images []Image, alreadyCompleted map[int]struct{}, priorResults map[int]Result, opts RunOptions, onBatch OnBatchComplete, onSafety OnSafetySave) (map[int]Result, []string, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PerProviderParallelism <= 0 {
		opts.PerProviderParallelism = 3
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10
	}
	if opts.ProviderCooldown <= 0 {
		opts.ProviderCooldown = 60 * time.Second
	}

	completed := make(map[int]struct{}, len(alreadyCompleted))
	for k := range alreadyCompleted {
		completed[k] = struct{}{}
	}
	results := make(map[int]Result, len(priorResults))
	for k, v := range priorResults {
		results[k] = v
	}

	var pending []Image
	for _, img := range images {
		if _, done := completed[img.SceneIndex]; !done {
			pending = append(pending, img)
		}
	}

	allUnavailableWarned := false
	var warnings []string

	for start := 0; start < len(pending); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		sinceLastSafety := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.PerProviderParallelism * maxInt(1, len(e.providers)))
		var mu sync.Mutex

		for _, img := range batch {
			img := img
			g.Go(func() error {
				result, allExhausted := e.processScene(gctx, img, opts)
				mu.Lock()
				results[img.SceneIndex] = result
				completed[img.SceneIndex] = struct{}{}
				if allExhausted && !allUnavailableWarned {
					warnings = append(warnings, "OCR providers unavailable")
					allUnavailableWarned = true
				}
				sinceLastSafety++
				if onSafety != nil && sinceLastSafety >= opts.CheckpointInterval {
					sinceLastSafety = 0
					onSafety(snapshotSet(completed), snapshotResults(results))
				}
				if e.registry != nil {
					e.registry.Register(InFlightState{
						UploadID:       uploadID,
						CompletedScene: snapshotSet(completed),
						Results:        snapshotResults(results),
						LastSavedIndex: img.SceneIndex,
					})
				}
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return results, warnings, err
		}
		if onBatch != nil {
			onBatch(snapshotSet(completed), snapshotResults(results))
		}
	}

	return results, warnings, nil
}

// processScene runs the provider selection/failover algorithm for one
// scene, returning the best result obtained and whether every provider
// was exhausted.
func (e *Engine) processScene(ctx context.Context, img Image, opts RunOptions) (Result, bool) {
	for _, p := range e.providers {
		if !e.isAvailable(p.Name()) {
			continue
		}

		var result Result
		err := ratelimit.ExecuteWithRetry(ctx, ratelimit.DefaultRetryConfig(), func(ctx context.Context) error {
			if err := p.Limiter().Acquire(ctx); err != nil {
				return err
			}
			var callErr error
			result, callErr = p.PerformOCR(ctx, img)
			return callErr
		}, werr.Retryable)

		if err == nil {
			return result, false
		}

		if werr.Is(err, werr.RateLimited) {
			e.markUnavailable(p.Name(), opts.ProviderCooldown)
			continue
		}
		if !werr.Retryable(err) {
			// Non-retryable (auth, bad image): this scene is done, not the
			// provider; record empty and move on without failover.
			return Result{Provider: p.Name()}, false
		}
		// Retry budget exhausted on a transient failure: the provider is
		// presumed degraded, try the next one for this scene.
		e.markUnavailable(p.Name(), opts.ProviderCooldown)
	}
	return Result{}, true
}

func (e *Engine) isAvailable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.unavailableTil[name]
	return !ok || time.Now().After(until)
}

func (e *Engine) markUnavailable(name string, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unavailableTil[name] = time.Now().Add(cooldown)
}

func snapshotSet(m map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func snapshotResults(m map[int]Result) map[int]Result {
	out := make(map[int]Result, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
