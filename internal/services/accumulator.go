package services

import (
	"context"
	"io"
	"strings"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// AccumulateResult is the drained stream: the full concatenated text, the
// last-seen cumulative usage, and how the provider stopped.
type AccumulateResult struct {
	Text         string
	Usage        models.TokenUsage
	FinishReason string
	// Truncated is set when the stream stopped for a non-normal reason,
	// e.g. an output-length limit. It predicts parse failure downstream
	// and is surfaced as a warning even on otherwise-successful calls.
	Truncated bool
}

// Accumulator consumes an incremental provider stream to completion,
// checkpointing partial progress at a fixed fragment cadence so observers
// polling the job see liveness during a single very long call.
type Accumulator struct {
	// CheckpointEvery is the fragment cadence; zero disables checkpoints.
	CheckpointEvery int
	// OnCheckpoint receives the running accumulated length.
	OnCheckpoint func(ctx context.Context, accumulatedChars int)
}

// Drain consumes the stream in arrival order. An empty stream is not an
// error here: callers must treat empty accumulated text as a distinct
// failure, since some providers complete normally with no output.
func (a *Accumulator) Drain(ctx context.Context, stream ResponseStream) (AccumulateResult, error) {
	var (
		b         strings.Builder
		result    AccumulateResult
		fragments int
	)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, err
		}

		b.WriteString(frag.Text)
		fragments++

		if frag.Usage != nil {
			// Usage totals arrive cumulative, not per-fragment.
			result.Usage = *frag.Usage
		}
		if frag.FinishReason != "" {
			result.FinishReason = frag.FinishReason
		}

		if a.CheckpointEvery > 0 && a.OnCheckpoint != nil && fragments%a.CheckpointEvery == 0 {
			a.OnCheckpoint(ctx, b.Len())
		}
	}

	result.Text = b.String()
	result.Truncated = result.FinishReason != "" && !normalStop(result.FinishReason)
	return result, nil
}

// normalStop recognizes the provider's ordinary end-of-turn signal.
func normalStop(reason string) bool {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return true
	default:
		return false
	}
}
