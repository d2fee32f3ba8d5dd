package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/objectstore"
	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

type fakeResultS3 struct {
	objectstore.S3API
	data []byte
}

func (f *fakeResultS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.data))}, nil
}

func newTestHandler(t *testing.T) (*Handler, *statusstore.Store, *checkpoint.Store) {
	t.Helper()
	dir := t.TempDir()
	sts, err := statusstore.Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("statusstore.Open: %v", err)
	}
	t.Cleanup(func() { sts.Close() })

	cps, err := checkpoint.Open(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { cps.Close() })

	objects := objectstore.New(&fakeResultS3{data: []byte(`{"uploadId":"upload_1_abc"}`)}, nil, "bucket")

	h := NewHandler(nil, sts, cps, objects, context.Background())
	return h, sts, cps
}

func newRequestWithParam(method, path, param, value string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(param, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHealthIsUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	NewRouter(h, "s3cr3t").ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStatusReturns404ForUnknownUpload(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := newRequestWithParam(http.MethodGet, "/status/ghost", "uploadId", "ghost")
	w := httptest.NewRecorder()
	h.Status(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatusReturnsRowForKnownUpload(t *testing.T) {
	h, sts, _ := newTestHandler(t)
	if err := sts.Init(context.Background(), "upload_1_abc", "user_1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	req := newRequestWithParam(http.MethodGet, "/status/upload_1_abc", "uploadId", "upload_1_abc")
	w := httptest.NewRecorder()
	h.Status(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResultReturns404WhenNotCompleted(t *testing.T) {
	h, sts, _ := newTestHandler(t)
	if err := sts.Init(context.Background(), "upload_1_abc", "user_1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	req := newRequestWithParam(http.MethodGet, "/result/upload_1_abc", "uploadId", "upload_1_abc")
	w := httptest.NewRecorder()
	h.Result(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before completion, got %d", w.Code)
	}
}

func TestResultStreamsReportWhenCompleted(t *testing.T) {
	h, sts, _ := newTestHandler(t)
	ctx := context.Background()
	if err := sts.Init(ctx, "upload_1_abc", "user_1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sts.Complete(ctx, "upload_1_abc", "results/user_1/upload_1_abc/report.xlsx", pipeline.StatusMetadata{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	req := newRequestWithParam(http.MethodGet, "/result/upload_1_abc", "uploadId", "upload_1_abc")
	w := httptest.NewRecorder()
	h.Result(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.Len() == 0 {
		t.Error("expected a non-empty report body")
	}
}

func TestCleanupCheckpointsSweepsExpiredRows(t *testing.T) {
	h, _, cps := newTestHandler(t)
	ctx := context.Background()

	expired := checkpoint.New("upload_old", -time.Hour)
	if err := cps.Save(ctx, expired, checkpoint.SaveOptions{}); err != nil {
		t.Fatalf("seed expired checkpoint: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/cron/cleanup-checkpoints", nil)
	w := httptest.NewRecorder()
	h.CleanupCheckpoints(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, err := cps.Load(ctx, "upload_old"); !werr.Is(err, werr.NotFound) {
		t.Errorf("expected the expired checkpoint to be swept, got %v", err)
	}
}

func TestRequireWorkerSecretRejectsMissingToken(t *testing.T) {
	called := false
	mw := requireWorkerSecret("s3cr3t")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodPost, "/process", nil)
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if called {
		t.Error("expected the protected handler not to run")
	}
}

func TestRequireWorkerSecretAcceptsValidBearer(t *testing.T) {
	called := false
	mw := requireWorkerSecret("s3cr3t")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodPost, "/process", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if !called {
		t.Error("expected the protected handler to run with a valid secret")
	}
}
