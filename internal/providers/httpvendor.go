// Package providers implements generic HTTP-backed OCR and ASR providers.
// Every provider here speaks a plain JSON/multipart HTTP contract rather
// than binding to any one vendor's client library, in the style of
// ManuGH-xg2g's openwebif.Client: a small struct wrapping *http.Client,
// a base URL, and bearer credentials.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shohei-video/analyzer-worker/internal/config"
	"github.com/shohei-video/analyzer-worker/internal/metrics"
	"github.com/shohei-video/analyzer-worker/internal/ocr"
	"github.com/shohei-video/analyzer-worker/internal/ratelimit"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// httpClient is the shared transport every provider below wraps.
var httpClient = &http.Client{}

func doMultipart(ctx context.Context, baseURL, apiKey, fieldName, filePath string, extra map[string]string) (*http.Response, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, werr.New(werr.Internal, "providers.doMultipart", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(fieldName, filepath.Base(filePath))
	if err != nil {
		return nil, werr.New(werr.Internal, "providers.doMultipart", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, werr.New(werr.Internal, "providers.doMultipart", err)
	}
	for k, v := range extra {
		if err := writer.WriteField(k, v); err != nil {
			return nil, werr.New(werr.Internal, "providers.doMultipart", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, werr.New(werr.Internal, "providers.doMultipart", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, &body)
	if err != nil {
		return nil, werr.New(werr.Internal, "providers.doMultipart", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr("providers.doMultipart", ctx, err)
	}
	return resp, nil
}

func classifyTransportErr(op string, ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return werr.New(werr.Timeout, op, err)
	}
	if ctx.Err() == context.Canceled {
		return werr.New(werr.Cancelled, op, err)
	}
	return werr.New(werr.TransientExternal, op, err)
}

func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return werr.Newf(werr.TransientExternal, op, "provider returned %d: %s", status, truncate(body, 300))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return werr.Newf(werr.PermissionDenied, op, "provider returned %d: %s", status, truncate(body, 300))
	default:
		return werr.Newf(werr.PermanentExternal, op, "provider returned %d: %s", status, truncate(body, 300))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// OCRProvider is a generic HTTP-backed ocr.Provider: it posts an image to
// BaseURL as multipart form data with the shared ocr.Prompt and decodes a
// {"text":, "confidence":} JSON body.
type OCRProvider struct {
	cfg     config.ProviderConfig
	limiter *ratelimit.Limiter
}

// NewOCRProvider constructs an OCRProvider from its configuration.
func NewOCRProvider(cfg config.ProviderConfig) *OCRProvider {
	return &OCRProvider{cfg: cfg, limiter: ratelimit.New(cfg.RequestsPerMinute)}
}

func (p *OCRProvider) Name() string                  { return p.cfg.Name }
func (p *OCRProvider) Priority() int                  { return p.cfg.Priority }
func (p *OCRProvider) Enabled() bool                  { return p.cfg.Enabled }
func (p *OCRProvider) MaxParallel() int               { return p.cfg.MaxParallel }
func (p *OCRProvider) Limiter() *ratelimit.Limiter     { return p.limiter }

type ocrResponseBody struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// PerformOCR submits image to the configured endpoint and parses the result.
func (p *OCRProvider) PerformOCR(ctx context.Context, image ocr.Image) (ocr.Result, error) {
	start := time.Now()
	outcome := "error"
	defer func() { metrics.OCRCallsTotal.WithLabelValues(p.cfg.Name, outcome).Inc() }()

	resp, err := doMultipart(ctx, p.cfg.BaseURL, p.cfg.APIKey, "image", image.Path, map[string]string{
		"prompt": ocr.Prompt,
	})
	if err != nil {
		return ocr.Result{}, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus("providers.PerformOCR", resp.StatusCode, data); err != nil {
		return ocr.Result{}, err
	}

	var parsed ocrResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ocr.Result{}, werr.New(werr.PermanentExternal, "providers.PerformOCR", fmt.Errorf("decode response: %w", err))
	}

	outcome = "success"
	return ocr.Result{
		Text:       parsed.Text,
		Confidence: parsed.Confidence,
		Provider:   p.cfg.Name,
		ElapsedMs:  time.Since(start).Milliseconds(),
	}, nil
}

// ASRProvider is a generic HTTP-backed transcribe.ASRProvider: it posts an
// audio slice to BaseURL as multipart form data and decodes a
// {"text":, "confidence":} JSON body.
type ASRProvider struct {
	cfg config.ProviderConfig
}

// NewASRProvider constructs an ASRProvider from its configuration.
func NewASRProvider(cfg config.ProviderConfig) *ASRProvider {
	return &ASRProvider{cfg: cfg}
}

// Transcribe submits audioSlicePath to the configured endpoint.
func (p *ASRProvider) Transcribe(ctx context.Context, audioSlicePath string) (string, float64, error) {
	resp, err := doMultipart(ctx, p.cfg.BaseURL, p.cfg.APIKey, "audio", audioSlicePath, nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus("providers.Transcribe", resp.StatusCode, data); err != nil {
		return "", 0, err
	}

	var parsed ocrResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", 0, werr.New(werr.PermanentExternal, "providers.Transcribe", fmt.Errorf("decode response: %w", err))
	}
	return parsed.Text, parsed.Confidence, nil
}
