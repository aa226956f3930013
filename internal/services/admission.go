package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// AdmissionConfig bounds how much work may run at once on a memory
// constrained host.
type AdmissionConfig struct {
	// MaxConcurrent is the number of worker slots; effectively 1.
	MaxConcurrent int
	// ActiveWindow excludes stuck processing jobs from the active count.
	ActiveWindow time.Duration
	// ChunkDuration is the fixed transcription window size.
	ChunkDuration time.Duration
	// RetryAfter is the delay advised to queued clients.
	RetryAfter time.Duration
	// MinutesPerChunkEstimate sizes the processing-time estimate returned
	// on immediate starts.
	MinutesPerChunkEstimate int
}

// DefaultAdmissionConfig matches the single-slot deployment profile.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxConcurrent:           1,
		ActiveWindow:            30 * time.Minute,
		ChunkDuration:           30 * time.Minute,
		RetryAfter:              60 * time.Second,
		MinutesPerChunkEstimate: 3,
	}
}

// SubmitRequest describes one recording offered for analysis.
type SubmitRequest struct {
	RecordingID string
	FilePath    string
	// DurationSeconds is the known media duration when the collaborator
	// has it; zero means unknown.
	DurationSeconds float64
	// SizeBytes backs the last-resort duration estimate.
	SizeBytes int64
}

// SubmitResult is the admission decision.
type SubmitResult struct {
	Started           bool
	JobID             string
	TotalChunks       int
	EstimatedMinutes  int
	QueuePosition     int
	ActiveCount       int
	MaxConcurrent     int
	RetryAfterSeconds int
}

// Admission decides whether a new job starts immediately or queues behind
// the bounded set of recently active jobs.
type Admission struct {
	store JobStore
	cfg   AdmissionConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewAdmission builds the controller.
func NewAdmission(store JobStore, cfg AdmissionConfig) *Admission {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Admission{
		store: store,
		cfg:   cfg,
		log:   slog.With("component", "admission"),
		now:   time.Now,
	}
}

// Submit admits or queues one recording. A recording with a job already
// pending or processing is rejected with ErrJobInFlight.
func (a *Admission) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	logCtx := a.log.With("recordingId", req.RecordingID)

	cutoff := a.now().Add(-a.cfg.ActiveWindow)
	active, err := a.store.CountActiveSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}

	existing, err := a.store.GetJob(ctx, req.RecordingID)
	if err != nil && err != ErrJobNotFound {
		return nil, err
	}

	totalChunks := a.totalChunks(req)

	if active < a.cfg.MaxConcurrent {
		job := a.newJob(req, totalChunks, models.StatusProcessing, models.StageTranscribing)
		if err := a.store.SaveJob(ctx, job); err != nil {
			return nil, err
		}
		logCtx.Info("Job admitted immediately.", "totalChunks", totalChunks, "activeCount", active)
		return &SubmitResult{
			Started:          true,
			JobID:            job.ID,
			TotalChunks:      totalChunks,
			EstimatedMinutes: totalChunks * a.cfg.MinutesPerChunkEstimate,
			ActiveCount:      active,
			MaxConcurrent:    a.cfg.MaxConcurrent,
		}, nil
	}

	// Slot full. Duplicate submissions for an in-flight recording are
	// rejected rather than re-queued.
	if existing != nil && existing.InFlight() {
		logCtx.Warn("Duplicate submission rejected.", "status", existing.Status)
		return nil, ErrJobInFlight
	}

	pending, err := a.store.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	// The placeholder makes the recording visible in queue-position
	// reporting before any provider call runs.
	job := a.newJob(req, totalChunks, models.StatusPending, models.StagePending)
	if err := a.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	position := active + pending + 1
	logCtx.Info("Job queued.", "queuePosition", position, "activeCount", active)
	return &SubmitResult{
		Started:           false,
		JobID:             job.ID,
		TotalChunks:       totalChunks,
		QueuePosition:     position,
		ActiveCount:       active,
		MaxConcurrent:     a.cfg.MaxConcurrent,
		RetryAfterSeconds: int(a.cfg.RetryAfter / time.Second),
	}, nil
}

// newJob builds a fresh job record for this submission.
func (a *Admission) newJob(req SubmitRequest, totalChunks int, status models.JobStatus, stage models.JobStage) *models.AnalysisJob {
	now := a.now()
	message := "Queued for analysis"
	if status == models.StatusProcessing {
		message = "Starting transcription"
	}
	return &models.AnalysisJob{
		RecordingID:     req.RecordingID,
		Status:          status,
		Stage:           stage,
		TotalChunks:     totalChunks,
		AudioPath:       req.FilePath,
		ProgressMessage: message,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// totalChunks derives the window count from the known media duration, or
// estimates duration from file size at ~1 MB/minute as a last resort.
func (a *Admission) totalChunks(req SubmitRequest) int {
	minutes := req.DurationSeconds / 60
	if minutes <= 0 && req.SizeBytes > 0 {
		minutes = float64(req.SizeBytes) / (1 << 20)
	}
	chunkMinutes := a.cfg.ChunkDuration.Minutes()
	chunks := int(math.Ceil(minutes / chunkMinutes))
	if chunks < 1 {
		chunks = 1
	}
	return chunks
}
