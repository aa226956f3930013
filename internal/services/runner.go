package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// errorMessageLimit bounds the persisted errorMessage field.
const errorMessageLimit = 500

// Runner executes one claimed job end to end and hands the worker slot to
// the next pending job as each one finishes. Every fatal path converges on
// the store's MarkFailed, so a single failing job never blocks the queue.
type Runner struct {
	store   JobStore
	staging *Staging
	engine  *Engine
	synth   *Synthesizer
	log     *slog.Logger
}

// NewRunner wires the pipeline stages together.
func NewRunner(store JobStore, staging *Staging, engine *Engine, synth *Synthesizer) *Runner {
	return &Runner{
		store:   store,
		staging: staging,
		engine:  engine,
		synth:   synth,
		log:     slog.With("component", "runner"),
	}
}

// DrainQueue claims and runs jobs until the queue is empty. FIFO fairness
// across the single slot falls out of claim order (oldest createdAt first).
func (r *Runner) DrainQueue(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := r.store.ClaimNext(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		// A failed job must not stop the drain; the next claim proceeds.
		r.Run(ctx, job)
	}
}

// Run executes the full pipeline for one claimed job.
func (r *Runner) Run(ctx context.Context, job *models.AnalysisJob) {
	logCtx := r.log.With("recordingId", job.RecordingID)
	logCtx.Info("Running analysis job.", "totalChunks", job.TotalChunks, "completedChunks", job.CompletedChunks)

	audio, err := r.staging.Stage(ctx, job.AudioPath)
	if err != nil {
		r.fail(ctx, job, fmt.Errorf("audio staging: %w", err))
		return
	}

	if job.Stage == models.StageTranscribing {
		if err := r.engine.Transcribe(ctx, job, audio); err != nil {
			r.fail(ctx, job, fmt.Errorf("transcription: %w", err))
			return
		}
		job.Stage = models.StageAnalyzing
	}

	// Reload so synthesis sees the checkpointed transcript, not the copy
	// this process accumulated.
	fresh, err := r.store.GetJob(ctx, job.RecordingID)
	if err != nil {
		r.fail(ctx, job, fmt.Errorf("reload after transcription: %w", err))
		return
	}

	report, err := r.synth.Synthesize(ctx, fresh, audio)
	if err != nil {
		r.fail(ctx, job, fmt.Errorf("synthesis: %w", err))
		return
	}

	if err := r.store.FinishJob(ctx, job.RecordingID, report); err != nil {
		r.fail(ctx, job, fmt.Errorf("finalize: %w", err))
		return
	}
	logCtx.Info("Analysis job done.", "totalScore", report.TotalScore)
}

// fail persists the bounded error message and terminal state for the job and
// its owning recording.
func (r *Runner) fail(ctx context.Context, job *models.AnalysisJob, cause error) {
	r.log.Error("Analysis job failed.", "recordingId", job.RecordingID, "error", cause)
	msg := boundMessage(cause.Error(), errorMessageLimit)
	if err := r.store.MarkFailed(ctx, job.RecordingID, msg); err != nil {
		r.log.Error("CRITICAL: failed to persist job failure.", "recordingId", job.RecordingID, "error", err)
	}
}
