package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// APIConfig holds the HTTP surface configuration.
type APIConfig struct {
	// InternalToken guards the endpoints; empty disables the check (local
	// development only).
	InternalToken string
}

// APIHandler serves the two analysis operations consumed by the UI
// collaborator.
type APIHandler struct {
	admission *Admission
	store     JobStore
	staging   *Staging
	cfg       APIConfig
	log       *slog.Logger
}

// NewAPIHandler builds the handler.
func NewAPIHandler(admission *Admission, store JobStore, staging *Staging, cfg APIConfig) *APIHandler {
	return &APIHandler{
		admission: admission,
		store:     store,
		staging:   staging,
		cfg:       cfg,
		log:       slog.With("component", "api"),
	}
}

// ServeHTTP dispatches POST (submit) and GET (status) for /analyze.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logCtx := h.log.With("method", r.Method, "requestId", uuid.New().String())

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "unauthenticated"})
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handleSubmit(logCtx, w, r)
	case http.MethodGet:
		h.handleStatus(logCtx, w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
	}
}

// handleSubmit implements POST /analyze.
func (h *APIHandler) handleSubmit(logCtx *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "could not parse JSON body"})
		return
	}
	if req.RecordingID == "" || req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "recordingId and filePath are required"})
		return
	}
	logCtx = logCtx.With("recordingId", req.RecordingID)

	exists, err := h.store.RecordingExists(r.Context(), req.RecordingID)
	if err != nil {
		logCtx.Error("Recording lookup failed.", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "persistence failure"})
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "unknown recording"})
		return
	}

	sizeBytes := int64(0)
	if req.DurationSeconds <= 0 {
		// Last-resort sizing input; a failed lookup just means one chunk.
		if size, err := h.staging.ObjectSize(r.Context(), req.FilePath); err == nil {
			sizeBytes = size
		} else {
			logCtx.Warn("Could not size recording object.", "error", err)
		}
	}

	result, err := h.admission.Submit(r.Context(), SubmitRequest{
		RecordingID:     req.RecordingID,
		FilePath:        req.FilePath,
		DurationSeconds: req.DurationSeconds,
		SizeBytes:       sizeBytes,
	})
	if errors.Is(err, ErrJobInFlight) {
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "analysis already in flight for this recording"})
		return
	}
	if err != nil {
		logCtx.Error("Submission failed.", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "persistence failure"})
		return
	}

	if result.Started {
		logCtx.Info("Analysis started.", "totalChunks", result.TotalChunks)
		writeJSON(w, http.StatusOK, models.AnalyzeStartedResponse{
			AnalysisID:       result.JobID,
			TotalChunks:      result.TotalChunks,
			EstimatedMinutes: result.EstimatedMinutes,
		})
		return
	}

	logCtx.Info("Analysis queued.", "queuePosition", result.QueuePosition)
	writeJSON(w, http.StatusAccepted, models.AnalyzeQueuedResponse{
		Queued:            true,
		QueuePosition:     result.QueuePosition,
		ActiveCount:       result.ActiveCount,
		MaxConcurrent:     result.MaxConcurrent,
		RetryAfterSeconds: result.RetryAfterSeconds,
	})
}

// handleStatus implements GET /analyze?recordingId=...
func (h *APIHandler) handleStatus(logCtx *slog.Logger, w http.ResponseWriter, r *http.Request) {
	recordingID := r.URL.Query().Get("recordingId")
	if recordingID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "recordingId is required"})
		return
	}

	job, err := h.store.GetJob(r.Context(), recordingID)
	if errors.Is(err, ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "no analysis job for recording"})
		return
	}
	if err != nil {
		logCtx.Error("Status lookup failed.", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "persistence failure"})
		return
	}

	writeJSON(w, http.StatusOK, models.AnalyzeStatusResponse{
		Status:          job.Status,
		Stage:           job.Stage,
		TotalChunks:     job.TotalChunks,
		CompletedChunks: job.CompletedChunks,
		Message:         job.ProgressMessage,
	})
}

// authorized checks the shared internal bearer token.
func (h *APIHandler) authorized(r *http.Request) bool {
	if h.cfg.InternalToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.cfg.InternalToken
}

// writeJSON encodes one response body with its status code.
func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
