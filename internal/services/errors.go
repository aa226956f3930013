package services

import (
	"errors"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors shared across pipeline stages.
var (
	// ErrRateLimited marks a provider per-minute quota rejection. Callers
	// recover with a cooldown and retry instead of failing the job.
	ErrRateLimited = errors.New("provider rate limit exceeded")

	// ErrEmptyOutput marks a provider call that completed normally but
	// produced no text. This is not retried: it typically indicates a
	// prompt/input-size mismatch rather than a transient condition.
	ErrEmptyOutput = errors.New("provider returned empty output")

	// ErrJobNotFound is returned by the store when no job exists for a
	// recording.
	ErrJobNotFound = errors.New("analysis job not found")

	// ErrJobInFlight rejects a duplicate submission while a job for the
	// same recording is pending or processing.
	ErrJobInFlight = errors.New("analysis already in flight for this recording")

	// ErrIngestionFailed marks provider-side or storage-side file ingestion
	// that never reached a usable state. Fatal to the job.
	ErrIngestionFailed = errors.New("audio ingestion failed")
)

// IsRateLimit classifies an error as a provider quota rejection, whether it
// is our own sentinel, an HTTP 429 from the REST surface, or a gRPC
// RESOURCE_EXHAUSTED from the Vertex API.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 429 {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}
	return false
}

// boundMessage truncates a message so error fields stay bounded in Firestore.
func boundMessage(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit] + "..."
}
