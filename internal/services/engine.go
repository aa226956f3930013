package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// EngineConfig tunes the chunk loop for the provider's per-minute token
// budget. Chunk duration is fixed per deployment profile, balancing context
// window limits against the number of paid round-trips.
type EngineConfig struct {
	ChunkDuration       time.Duration
	InterRequestDelay   time.Duration
	RateLimitCooldown   time.Duration
	MaxRateLimitRetries int
	// ContextSummaryLimit bounds the previous-chunk summary carried into
	// the next request, so prompts do not grow with the transcript.
	ContextSummaryLimit int
}

// DefaultEngineConfig matches the single-slot deployment profile.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ChunkDuration:       30 * time.Minute,
		InterRequestDelay:   20 * time.Second,
		RateLimitCooldown:   45 * time.Second,
		MaxRateLimitRetries: 5,
		ContextSummaryLimit: 600,
	}
}

// Engine partitions a recording into fixed time windows and transcribes them
// strictly in index order, checkpointing each window before the next begins.
type Engine struct {
	store    JobStore
	provider Provider
	cfg      EngineConfig
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine builds the engine.
func NewEngine(store JobStore, provider Provider, cfg EngineConfig) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		cfg:      cfg,
		log:      slog.With("component", "engine"),
		sleep:    sleepCtx,
	}
}

// windowPayload is the structured document each window call returns.
type windowPayload struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// Transcribe runs the chunk loop for one job. It resumes from the job's
// completedChunks counter, so a crashed run loses only its in-flight chunk.
// Rate limiting retries the same index under a bounded cooldown policy; any
// other window failure degrades to a placeholder section so completed jobs
// keep contiguous chunk indices.
func (e *Engine) Transcribe(ctx context.Context, job *models.AnalysisJob, audio StagedAudio) error {
	logCtx := e.log.With("recordingId", job.RecordingID, "totalChunks", job.TotalChunks)
	logCtx.Info("Starting chunked transcription.", "resumeFrom", job.CompletedChunks)

	previousSummary := ""
	calls := 0

	for chunkIndex := job.CompletedChunks; chunkIndex < job.TotalChunks; chunkIndex++ {
		start, end := e.window(chunkIndex, audio.EstimatedDuration)

		section, usage, err := e.transcribeChunk(ctx, job, audio, chunkIndex, start, end, previousSummary, &calls)
		if err != nil {
			return err
		}

		if err := e.store.AppendSection(ctx, job.RecordingID, section); err != nil {
			return err
		}
		if usage.TotalTokens > 0 {
			idx := chunkIndex
			if err := e.store.LogUsage(ctx, models.TokenUsageLogEntry{
				JobID:        job.RecordingID,
				RequestType:  models.RequestTypeChunk,
				ChunkIndex:   &idx,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				TotalTokens:  usage.TotalTokens,
				ModelUsed:    usage.Model,
			}); err != nil {
				return err
			}
		}

		previousSummary = boundMessage(section.Summary, e.cfg.ContextSummaryLimit)
		logCtx.Info("Chunk checkpointed.", "chunk", chunkIndex)
	}

	if err := e.store.CompleteTranscription(ctx, job.RecordingID); err != nil {
		return err
	}
	logCtx.Info("Transcription complete.")
	return nil
}

// transcribeChunk issues one window request, retrying the same index on rate
// limits up to the configured cap.
func (e *Engine) transcribeChunk(
	ctx context.Context,
	job *models.AnalysisJob,
	audio StagedAudio,
	chunkIndex int,
	start, end time.Duration,
	previousSummary string,
	calls *int,
) (models.TranscriptSection, models.TokenUsage, error) {
	logCtx := e.log.With("recordingId", job.RecordingID, "chunk", chunkIndex)

	retries := 0
	for {
		// Fixed inter-request delay before every call except the first,
		// to stay under the provider's per-minute token budget.
		if *calls > 0 {
			if err := e.sleep(ctx, e.cfg.InterRequestDelay); err != nil {
				return models.TranscriptSection{}, models.TokenUsage{}, err
			}
		}
		*calls++

		result, err := e.provider.TranscribeWindow(ctx, WindowRequest{
			AudioURI:        audio.URI,
			MIMEType:        audio.MIMEType,
			ChunkIndex:      chunkIndex,
			StartOffset:     start,
			EndOffset:       end,
			PreviousSummary: previousSummary,
		})
		if err == nil {
			return e.parseSection(logCtx, chunkIndex, start, end, result), result.Usage, nil
		}

		if IsRateLimit(err) {
			retries++
			if retries > e.cfg.MaxRateLimitRetries {
				logCtx.Error("Rate limit retries exhausted.", "retries", retries-1)
				return models.TranscriptSection{}, models.TokenUsage{},
					fmt.Errorf("chunk %d: rate limit retries exhausted: %w", chunkIndex, ErrRateLimited)
			}
			logCtx.Warn("Rate limited, cooling down.", "attempt", retries, "cooldown", e.cfg.RateLimitCooldown)
			if err := e.sleep(ctx, e.cfg.RateLimitCooldown); err != nil {
				return models.TranscriptSection{}, models.TokenUsage{}, err
			}
			continue
		}

		// Any other failure: accept a degraded section and move on rather
		// than aborting the whole job.
		logCtx.Warn("Window transcription failed, recording placeholder.", "error", err)
		return placeholderSection(chunkIndex, start, end), models.TokenUsage{}, nil
	}
}

// parseSection decodes the window payload; undecodable output degrades to a
// placeholder carrying the raw text so nothing transcribed is thrown away.
func (e *Engine) parseSection(logCtx *slog.Logger, chunkIndex int, start, end time.Duration, result WindowResult) models.TranscriptSection {
	var payload windowPayload
	if err := ParseStructured(result.RawJSON, &payload); err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			logCtx.Warn("Window output not parseable, keeping raw text.",
				"reason", parseErr.Reason, "diagnostic", parseErr.Diagnostic)
		} else {
			logCtx.Warn("Window output not parseable, keeping raw text.", "error", err)
		}
		section := placeholderSection(chunkIndex, start, end)
		section.Content = result.RawJSON
		return section
	}
	return models.TranscriptSection{
		ChunkIndex:         chunkIndex,
		StartOffsetSeconds: start.Seconds(),
		EndOffsetSeconds:   end.Seconds(),
		Title:              payload.Title,
		Content:            payload.Content,
		Summary:            payload.Summary,
		Topics:             payload.Topics,
	}
}

// window computes the chunk's time bounds, clamped to the total duration.
func (e *Engine) window(chunkIndex int, total time.Duration) (time.Duration, time.Duration) {
	start := time.Duration(chunkIndex) * e.cfg.ChunkDuration
	end := start + e.cfg.ChunkDuration
	if total > 0 && end > total {
		end = total
	}
	if total > 0 && start > total {
		start = total
	}
	return start, end
}

// placeholderSection keeps chunk indices contiguous when a window is lost.
func placeholderSection(chunkIndex int, start, end time.Duration) models.TranscriptSection {
	return models.TranscriptSection{
		ChunkIndex:         chunkIndex,
		StartOffsetSeconds: start.Seconds(),
		EndOffsetSeconds:   end.Seconds(),
		Title:              fmt.Sprintf("Segment %d (unavailable)", chunkIndex+1),
		Summary:            "This segment could not be transcribed.",
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
