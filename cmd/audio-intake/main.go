package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
	"github.com/vladdehtiarov/roofcoach/internal/services"
)

// GCSEvent defines the structure for the GCS event data.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

var (
	admissionInstance *services.Admission
	stagingInstance   *services.Staging
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework routes GCS object
	// finalization events here.
	functions.CloudEvent("HandleAudioUpload", handleAudioUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// handleAudioUpload enqueues analysis for every finished recording upload.
func handleAudioUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		admissionInstance, stagingInstance, initErr = newIntake(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	logCtx := slog.With("gcsBucket", gcsEvent.Bucket, "gcsObject", gcsEvent.Name)
	if !isAudioObject(gcsEvent.Name) {
		logCtx.Info("Ignoring non-audio object.")
		return nil
	}
	logCtx.Info("Processing new recording upload.")

	recordingID := recordingIDFromObject(gcsEvent.Name)
	size, err := stagingInstance.ObjectSize(ctx, gcsEvent.Name)
	if err != nil {
		logCtx.Warn("Could not size uploaded object.", "error", err)
	}

	result, err := admissionInstance.Submit(ctx, services.SubmitRequest{
		RecordingID: recordingID,
		FilePath:    gcsEvent.Name,
		SizeBytes:   size,
	})
	if errors.Is(err, services.ErrJobInFlight) {
		// Duplicate finalize events are expected; the job is already queued.
		logCtx.Info("Analysis already in flight. Skipping.")
		return nil
	}
	if err != nil {
		logCtx.Error("Failed to submit analysis", "error", err)
		return err
	}

	logCtx.Info("Analysis enqueued.", "started", result.Started, "totalChunks", result.TotalChunks, "queuePosition", result.QueuePosition)
	return nil
}

// newIntake wires admission onto Firestore and Cloud Storage.
func newIntake(ctx context.Context) (*services.Admission, *services.Staging, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	audioBucket := gcp.GetEnv("AUDIO_BUCKET", "")
	if audioBucket == "" {
		return nil, nil, fmt.Errorf("AUDIO_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, nil, err
	}

	store := services.NewFirestoreStore(firestoreClient, services.PricingFromEnv())
	staging := services.NewStaging(storageClient, services.StagingConfigFromEnv(audioBucket))
	return services.NewAdmission(store, services.AdmissionConfigFromEnv()), staging, nil
}

// isAudioObject filters the bucket down to recording uploads.
func isAudioObject(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp3", ".wav", ".m4a", ".ogg", ".flac", ".aac", ".webm":
		return true
	default:
		return false
	}
}

// recordingIDFromObject derives the recording ID from the object name: the
// upload convention is <recordingId>/<filename> or a bare <recordingId>.<ext>.
func recordingIDFromObject(name string) string {
	if dir := path.Dir(name); dir != "." && dir != "/" {
		return dir
	}
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
