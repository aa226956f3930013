package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
	"github.com/vladdehtiarov/roofcoach/internal/services"
)

var (
	handlerInstance *services.APIHandler
	once            sync.Once
	initErr         error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the HTTP function with the framework.
	// "HandleAnalyze" is the entry point name we'll see in GCP.
	functions.HTTP("HandleAnalyze", handleAnalyze)
}

// main is required by the Go Functions Framework.
func main() {}

// handleAnalyze serves POST /analyze (submit) and GET /analyze (status).
func handleAnalyze(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		handlerInstance, initErr = newHandler(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: API initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	handlerInstance.ServeHTTP(w, r)
}

// newHandler loads configuration and wires the admission controller onto
// Firestore and Cloud Storage.
func newHandler(ctx context.Context) (*services.APIHandler, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	audioBucket := gcp.GetEnv("AUDIO_BUCKET", "")
	if audioBucket == "" {
		return nil, fmt.Errorf("AUDIO_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}

	store := services.NewFirestoreStore(firestoreClient, services.PricingFromEnv())
	staging := services.NewStaging(storageClient, services.StagingConfigFromEnv(audioBucket))
	admission := services.NewAdmission(store, services.AdmissionConfigFromEnv())

	return services.NewAPIHandler(admission, store, staging, services.APIConfig{
		InternalToken: gcp.GetEnv("INTERNAL_API_TOKEN", ""),
	}), nil
}
