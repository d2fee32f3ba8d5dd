// Package api implements the worker's external HTTP surface:
// job submission, status polling, result retrieval, health, and the
// checkpoint-cleanup cron hook. Routing, request/response shapes beyond
// what's named here, and user-facing auth are out of scope; this is the
// worker-secret-gated collaborator interface only.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shohei-video/analyzer-worker/internal/checkpoint"
	"github.com/shohei-video/analyzer-worker/internal/logger"
	"github.com/shohei-video/analyzer-worker/internal/objectstore"
	"github.com/shohei-video/analyzer-worker/internal/orchestrator"
	"github.com/shohei-video/analyzer-worker/internal/pipeline"
	"github.com/shohei-video/analyzer-worker/internal/report"
	"github.com/shohei-video/analyzer-worker/internal/statusstore"
	"github.com/shohei-video/analyzer-worker/internal/version"
	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// Handler serves the worker's HTTP routes.
type Handler struct {
	orch        *orchestrator.Orchestrator
	statuses    *statusstore.Store
	checkpoints *checkpoint.Store
	objects     *objectstore.Client

	// shutdownCtx is cancelled the instant a termination signal arrives; a
	// job's own context is derived from both the request and this one, so
	// an in-flight /process call is cancelled on shutdown even though its
	// request context alone wouldn't be.
	shutdownCtx context.Context
}

// NewHandler constructs a Handler from its wired dependencies.
func NewHandler(orch *orchestrator.Orchestrator, statuses *statusstore.Store, checkpoints *checkpoint.Store, objects *objectstore.Client, shutdownCtx context.Context) *Handler {
	return &Handler{
		orch:        orch,
		statuses:    statuses,
		checkpoints: checkpoints,
		objects:     objects,
		shutdownCtx: shutdownCtx,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	UploadID      string `json:"uploadId"`
	R2Key         string `json:"r2Key"`
	FileName      string `json:"fileName"`
	UserID        string `json:"userId"`
	DataConsent   bool   `json:"dataConsent"`
	DetectionMode string `json:"detectionMode,omitempty"`
}

// Process handles POST /process. It writes the 202 response early and
// holds the connection open for the job's full duration, so
// a host platform that ties container lifetime to request duration keeps
// this instance alive until the video finishes processing.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UploadID == "" || req.R2Key == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "uploadId, r2Key, and userId are required")
		return
	}

	mode := pipeline.DetectionStandard
	if req.DetectionMode != "" {
		mode = pipeline.DetectionMode(req.DetectionMode)
	}

	if err := h.statuses.Init(r.Context(), req.UploadID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"uploadId":      req.UploadID,
		"status":        "processing",
		"detectionMode": string(mode),
	})
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	jobCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.shutdownCtx.Done():
			cancel()
		case <-jobCtx.Done():
		}
	}()

	input := pipeline.InputDescriptor{
		StorageKey:    req.R2Key,
		FileName:      req.FileName,
		DetectionMode: mode,
		DataConsent:   req.DataConsent,
	}
	if err := h.orch.Run(jobCtx, req.UploadID, req.UserID, input); err != nil {
		logger.Error("process job failed", "uploadId", req.UploadID, "error", err)
	}
}

// Status handles GET /status/{uploadId}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	row, err := h.statuses.GetByID(r.Context(), uploadID)
	if err != nil {
		if werr.Is(err, werr.NotFound) {
			writeError(w, http.StatusNotFound, "unknown upload")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Result handles GET /result/{uploadId}.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	row, err := h.statuses.GetByID(r.Context(), uploadID)
	if err != nil {
		if werr.Is(err, werr.NotFound) {
			writeError(w, http.StatusNotFound, "unknown upload")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row.Status != pipeline.StatusCompleted || row.ResultURL == "" {
		writeError(w, http.StatusNotFound, "result not ready")
		return
	}

	body, err := h.objects.Download(r.Context(), row.ResultURL)
	if err != nil {
		if werr.Is(err, werr.NotFound) {
			writeError(w, http.StatusNotFound, "result not ready")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-report.json"`, uploadID))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logger.Warn("result stream interrupted", "uploadId", uploadID, "error", err)
	}
}

// Health handles GET /health. Unauthenticated,.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"revision":  version.Revision,
		"buildTime": version.BuildTime,
		"commit":    version.Commit,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// CleanupCheckpoints handles POST /cron/cleanup-checkpoints. Scheduling
// this route's invocation is external; this only
// performs one sweep per call.
func (h *Handler) CleanupCheckpoints(w http.ResponseWriter, r *http.Request) {
	n, err := h.checkpoints.Sweep(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deletedCount": n})
}
