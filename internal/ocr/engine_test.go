package ocr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

type fakeProvider struct {
	name        string
	priority    int
	enabled     bool
	limiter     *ratelimit.Limiter
	calls       atomic.Int64
	errKind     werr.Kind // "" means always succeed
}

func (p *fakeProvider) Name() string                    { return p.name }
func (p *fakeProvider) Priority() int                    { return p.priority }
func (p *fakeProvider) Enabled() bool                    { return p.enabled }
func (p *fakeProvider) MaxParallel() int                 { return 3 }
func (p *fakeProvider) Limiter() *ratelimit.Limiter      { return p.limiter }

func (p *fakeProvider) PerformOCR(ctx context.Context, img Image) (Result, error) {
	p.calls.Add(1)
	if p.errKind != "" {
		return Result{}, werr.New(p.errKind, "fakeProvider.PerformOCR", context.DeadlineExceeded)
	}
	return Result{Text: "ok", Confidence: 0.9, Provider: p.name}, nil
}

func newFakeProvider(name string, priority int, errKind werr.Kind) *fakeProvider {
	return &fakeProvider{name: name, priority: priority, enabled: true, limiter: ratelimit.New(1000), errKind: errKind}
}

func TestRunSkipsAlreadyCompletedScenes(t *testing.T) {
	p := newFakeProvider("primary", 1, "")
	e := New([]Provider{p}, NewInFlightRegistry())

	images := []Image{{SceneIndex: 0}, {SceneIndex: 1}, {SceneIndex: 2}}
	already := map[int]struct{}{0: {}, 1: {}}
	prior := map[int]Result{0: {Text: "zero"}, 1: {Text: "one"}}

	results, _, err := e.Run(context.Background(), "upload_1", images, already, prior, DefaultRunOptions(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("expected exactly 1 new OCR call for the one missing scene, got %d", p.calls.Load())
	}
	if results[0].Text != "zero" || results[1].Text != "one" {
		t.Error("expected prior results to survive unchanged")
	}
	if results[2].Text != "ok" {
		t.Error("expected the missing scene to be processed")
	}
}

func TestRunFailsOverToNextProviderOnRetryableExhaustion(t *testing.T) {
	primary := newFakeProvider("primary", 1, werr.Timeout)
	secondary := newFakeProvider("secondary", 2, "")
	e := New([]Provider{primary, secondary}, NewInFlightRegistry())

	images := []Image{{SceneIndex: 0}}
	results, warnings, err := e.Run(context.Background(), "upload_1", images, nil, nil, RunOptions{BatchSize: 100, PerProviderParallelism: 1, CheckpointInterval: 10, ProviderCooldown: time.Minute}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings when a fallback succeeds, got %v", warnings)
	}
	if results[0].Provider != "secondary" {
		t.Errorf("expected secondary provider to serve the scene, got %q", results[0].Provider)
	}
}

func TestRunRecordsEmptyAndWarnsWhenAllProvidersExhausted(t *testing.T) {
	a := newFakeProvider("a", 1, werr.RateLimited)
	b := newFakeProvider("b", 2, werr.RateLimited)
	e := New([]Provider{a, b}, NewInFlightRegistry())

	images := []Image{{SceneIndex: 0}}
	results, warnings, err := e.Run(context.Background(), "upload_1", images, nil, nil, RunOptions{BatchSize: 100, PerProviderParallelism: 1, CheckpointInterval: 10, ProviderCooldown: time.Minute}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Text != "" || results[0].Confidence != 0 {
		t.Error("expected empty text and zero confidence when all providers exhaust")
	}
	if len(warnings) != 1 || warnings[0] != "OCR providers unavailable" {
		t.Errorf("expected a single 'OCR providers unavailable' warning, got %v", warnings)
	}
}

func TestRunSkipsDisabledProviders(t *testing.T) {
	disabled := &fakeProvider{name: "disabled", priority: 1, enabled: false, limiter: ratelimit.New(1000)}
	enabled := newFakeProvider("enabled", 2, "")
	e := New([]Provider{disabled, enabled}, NewInFlightRegistry())

	if len(e.providers) != 1 || e.providers[0].Name() != "enabled" {
		t.Fatalf("expected only the enabled provider to be retained, got %v", e.providers)
	}
}
