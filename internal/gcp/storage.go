package gcp

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// NewStorageClient creates a Cloud Storage client.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return client, nil
}

// SignedReadURL produces a time-limited V4 GET URL for an object, so external
// collaborators can read the recording without bucket-wide access.
func SignedReadURL(bucket *storage.BucketHandle, object string, ttl time.Duration) (string, error) {
	url, err := bucket.SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign read URL for %s: %w", object, err)
	}
	return url, nil
}

// ObjectURI formats the gs:// URI Gemini expects for file inputs.
func ObjectURI(bucketName, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucketName, object)
}
