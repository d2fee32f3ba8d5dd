package providers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/shohei-video/analyzer-worker/internal/config"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestOCRProviderPerformOCR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "hello world", "confidence": 0.92})
	}))
	defer srv.Close()

	p := NewOCRProvider(config.ProviderConfig{
		Name: "vision-a", BaseURL: srv.URL, APIKey: "secret",
		Priority: 1, Enabled: true, MaxParallel: 2, RequestsPerMinute: 60,
	})

	imgPath := writeTempFile(t, "frame.jpg", []byte("fake-jpeg-bytes"))
	result, err := p.PerformOCR(t.Context(), ocr.Image{SceneIndex: 0, Path: imgPath})
	if err != nil {
		t.Fatalf("PerformOCR: %v", err)
	}
	if result.Text != "hello world" || result.Confidence != 0.92 || result.Provider != "vision-a" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestOCRProviderPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewOCRProvider(config.ProviderConfig{Name: "vision-a", BaseURL: srv.URL, Enabled: true, RequestsPerMinute: 60})
	imgPath := writeTempFile(t, "frame.jpg", []byte("fake-jpeg-bytes"))
	if _, err := p.PerformOCR(t.Context(), ocr.Image{Path: imgPath}); err == nil {
		t.Error("expected an error for a 429 response")
	}
}

func TestASRProviderTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "a transcript", "confidence": 0.87})
	}))
	defer srv.Close()

	p := NewASRProvider(config.ProviderConfig{Name: "asr-a", BaseURL: srv.URL})
	audioPath := writeTempFile(t, "chunk.wav", []byte("fake-wav-bytes"))
	text, confidence, err := p.Transcribe(t.Context(), audioPath)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "a transcript" || confidence != 0.87 {
		t.Errorf("unexpected result: %q %v", text, confidence)
	}
}
