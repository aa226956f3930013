package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
)

// StagedAudio is everything the provider and the pipeline need to read one
// recording: the gs:// URI Gemini consumes, a time-limited signed URL for
// collaborators, and enough metadata to size the chunk loop.
type StagedAudio struct {
	URI               string
	SignedURL         string
	MIMEType          string
	SizeBytes         int64
	EstimatedDuration time.Duration
}

// StagingConfig bounds the ingestion wait and the signed URL lifetime.
type StagingConfig struct {
	Bucket        string
	SignedURLTTL  time.Duration
	IngestTimeout time.Duration
	PollInterval  time.Duration
}

// DefaultStagingConfig matches the deployment profile.
func DefaultStagingConfig(bucket string) StagingConfig {
	return StagingConfig{
		Bucket:        bucket,
		SignedURLTTL:  time.Hour,
		IngestTimeout: 2 * time.Minute,
		PollInterval:  3 * time.Second,
	}
}

// Staging obtains a readable handle on the source audio and waits for it to
// leave any still-uploading state before the provider touches it.
type Staging struct {
	cfg StagingConfig
	log *slog.Logger

	// Injectable for tests; production wiring uses the storage client.
	attrs   func(ctx context.Context, object string) (*storage.ObjectAttrs, error)
	signURL func(object string, ttl time.Duration) (string, error)
}

// NewStaging wires staging onto a Cloud Storage client.
func NewStaging(client *storage.Client, cfg StagingConfig) *Staging {
	bucket := client.Bucket(cfg.Bucket)
	return &Staging{
		cfg: cfg,
		log: slog.With("component", "staging"),
		attrs: func(ctx context.Context, object string) (*storage.ObjectAttrs, error) {
			return bucket.Object(object).Attrs(ctx)
		},
		signURL: func(object string, ttl time.Duration) (string, error) {
			return gcp.SignedReadURL(bucket, object, ttl)
		},
	}
}

// NewStagingForTests constructs staging with injectable dependencies.
func NewStagingForTests(
	cfg StagingConfig,
	attrs func(ctx context.Context, object string) (*storage.ObjectAttrs, error),
	signURL func(object string, ttl time.Duration) (string, error),
) *Staging {
	return &Staging{
		cfg:     cfg,
		log:     slog.With("component", "staging"),
		attrs:   attrs,
		signURL: signURL,
	}
}

// ObjectSize returns the byte size of a recording object, or zero when the
// object cannot be described. Used for last-resort duration estimates.
func (s *Staging) ObjectSize(ctx context.Context, object string) (int64, error) {
	a, err := s.attrs(ctx, object)
	if err != nil {
		return 0, fmt.Errorf("failed to describe %s: %w", object, err)
	}
	return a.Size, nil
}

// Stage waits for the object to become readable and returns the staged
// handle. Ingestion that never reaches a usable state within the timeout is
// fatal to the job.
func (s *Staging) Stage(ctx context.Context, object string) (StagedAudio, error) {
	logCtx := s.log.With("gcsObject", object)

	var a *storage.ObjectAttrs
	operation := func() error {
		attrs, err := s.attrs(ctx, object)
		if errors.Is(err, storage.ErrObjectNotExist) {
			// Upload may still be finalizing; keep polling.
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		a = attrs
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PollInterval
	bo.MaxElapsedTime = s.cfg.IngestTimeout
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		logCtx.Error("Audio never became readable.", "error", err)
		return StagedAudio{}, fmt.Errorf("%w: %s: %v", ErrIngestionFailed, object, err)
	}

	signedURL, err := s.signURL(object, s.cfg.SignedURLTTL)
	if err != nil {
		// The provider reads the gs:// URI directly; a missing signed URL
		// only degrades collaborator access.
		logCtx.Warn("Failed to sign read URL.", "error", err)
	}

	staged := StagedAudio{
		URI:               gcp.ObjectURI(s.cfg.Bucket, object),
		SignedURL:         signedURL,
		MIMEType:          audioMIMEType(a.ContentType, object),
		SizeBytes:         a.Size,
		EstimatedDuration: estimateDuration(a.Size),
	}
	logCtx.Info("Audio staged.", "sizeBytes", staged.SizeBytes, "mimeType", staged.MIMEType)
	return staged, nil
}

// estimateDuration assumes ~1 MB of compressed audio per minute.
func estimateDuration(sizeBytes int64) time.Duration {
	minutes := float64(sizeBytes) / (1 << 20)
	return time.Duration(minutes * float64(time.Minute))
}

// audioMIMEType prefers the stored content type and falls back on the file
// extension.
func audioMIMEType(contentType, object string) string {
	if strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "video/") {
		return contentType
	}
	switch {
	case strings.HasSuffix(object, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(object, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(object, ".ogg"):
		return "audio/ogg"
	case strings.HasSuffix(object, ".flac"):
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
