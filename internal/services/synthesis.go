package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// SynthesisConfig bounds the final holistic call.
type SynthesisConfig struct {
	// MaxRetries caps retries on rate-limit signals only; all other
	// failures are fatal immediately.
	MaxRetries uint64
	// BackoffBase is the first retry delay; subsequent delays double.
	BackoffBase time.Duration
	// CheckpointEvery is the accumulator's fragment cadence.
	CheckpointEvery int
}

// DefaultSynthesisConfig matches the deployment profile.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		MaxRetries:      3,
		BackoffBase:     10 * time.Second,
		CheckpointEvery: 10,
	}
}

// Synthesizer issues the final scoring request over the accumulated
// transcript. Unlike transcription, synthesis failure is fatal to the job:
// there is no meaningful partial report.
type Synthesizer struct {
	store    JobStore
	provider Provider
	cfg      SynthesisConfig
	log      *slog.Logger
}

// NewSynthesizer builds the stage.
func NewSynthesizer(store JobStore, provider Provider, cfg SynthesisConfig) *Synthesizer {
	return &Synthesizer{
		store:    store,
		provider: provider,
		cfg:      cfg,
		log:      slog.With("component", "synthesis"),
	}
}

// Synthesize produces the structured report, retrying only on rate limits
// with exponential backoff, and defaulting absent report fields on success.
func (s *Synthesizer) Synthesize(ctx context.Context, job *models.AnalysisJob, audio StagedAudio) (*models.CoachingReport, error) {
	logCtx := s.log.With("recordingId", job.RecordingID)
	logCtx.Info("Starting synthesis.", "transcriptChars", len(job.Transcript))

	var report *models.CoachingReport
	operation := func() error {
		r, err := s.attempt(ctx, job, audio)
		if err != nil {
			if IsRateLimit(err) {
				logCtx.Warn("Synthesis rate limited, backing off.", "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		report = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.MaxRetries), ctx)); err != nil {
		return nil, err
	}

	report.Normalize()
	logCtx.Info("Synthesis complete.", "totalScore", report.TotalScore, "rating", report.Rating)
	return report, nil
}

// attempt runs one streaming synthesis call end to end.
func (s *Synthesizer) attempt(ctx context.Context, job *models.AnalysisJob, audio StagedAudio) (*models.CoachingReport, error) {
	stream, err := s.provider.SynthesizeStream(ctx, SynthesisRequest{
		Transcript: job.Transcript,
		AudioURI:   audio.URI,
		MIMEType:   audio.MIMEType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start synthesis stream: %w", err)
	}

	acc := Accumulator{
		CheckpointEvery: s.cfg.CheckpointEvery,
		OnCheckpoint: func(ctx context.Context, chars int) {
			msg := fmt.Sprintf("Scoring call, %d characters received", chars)
			if err := s.store.SetProgress(ctx, job.RecordingID, msg); err != nil {
				s.log.Warn("Failed to checkpoint synthesis progress.", "error", err)
			}
		},
	}
	result, err := acc.Drain(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("synthesis stream failed: %w", err)
	}

	if result.Usage.TotalTokens > 0 {
		if err := s.store.LogUsage(ctx, models.TokenUsageLogEntry{
			JobID:        job.RecordingID,
			RequestType:  models.RequestTypeSynthesis,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			TotalTokens:  result.Usage.TotalTokens,
			ModelUsed:    result.Usage.Model,
		}); err != nil {
			return nil, err
		}
	}

	// An empty result with normal-looking stream completion is a silent
	// provider failure mode, and not a transient one.
	if strings.TrimSpace(result.Text) == "" {
		return nil, ErrEmptyOutput
	}

	if result.Truncated {
		warning := fmt.Sprintf("synthesis stream stopped early: %s", result.FinishReason)
		s.log.Warn("Non-normal stop reason.", "finishReason", result.FinishReason)
		if err := s.store.SetWarning(ctx, job.RecordingID, warning); err != nil {
			s.log.Warn("Failed to persist stop-reason warning.", "error", err)
		}
	}

	var report models.CoachingReport
	if err := ParseStructured(result.Text, &report); err != nil {
		// The raw-output excerpt must survive the failure for operator
		// debugging: log it and carry a bounded copy in the error so it
		// lands in the persisted errorMessage.
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			s.log.Error("Synthesis output unparseable.",
				"recordingId", job.RecordingID, "reason", parseErr.Reason, "diagnostic", parseErr.Diagnostic)
			return nil, fmt.Errorf("%w; output excerpt: %s", err, boundMessage(parseErr.Diagnostic, diagnosticExcerptLimit))
		}
		return nil, err
	}
	return &report, nil
}
