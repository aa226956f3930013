package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
	"github.com/vladdehtiarov/roofcoach/internal/services"
)

func main() {
	_ = godotenv.Load() // loads .env for local runs

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := newRunner(ctx)
	if err != nil {
		slog.Error("CRITICAL: worker initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	pollInterval := time.Duration(envIntOr("WORKER_POLL_SECONDS", 10)) * time.Second
	slog.Info("Worker started.", "pollInterval", pollInterval)

	g, gctx := errgroup.WithContext(ctx)

	// The claim loop: drain everything claimable, then wait for the next
	// tick. Completed jobs chain into the next pending claim inside
	// DrainQueue, so the tick only covers externally enqueued work.
	g.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if err := runner.DrainQueue(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Queue drain failed, will retry on next tick.", "error", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	// Liveness endpoint for the host platform.
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "ok")
		})
		srv := &http.Server{Addr: ":" + gcp.GetEnv("PORT", "8081"), Handler: mux}
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped.")
}

// newRunner loads configuration and wires the full pipeline.
func newRunner(ctx context.Context) (*services.Runner, func(), error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	audioBucket := gcp.GetEnv("AUDIO_BUCKET", "")
	if audioBucket == "" {
		return nil, nil, fmt.Errorf("AUDIO_BUCKET environment variable must be set")
	}
	region := gcp.GetEnv("VERTEX_AI_REGION", "us-central1")
	modelName := gcp.GetEnv("GEMINI_MODEL", "gemini-1.5-pro")

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, region, modelName)
	if err != nil {
		return nil, nil, err
	}

	store := services.NewFirestoreStore(firestoreClient, services.PricingFromEnv())
	provider := services.NewGeminiProvider(vertexClient)
	staging := services.NewStaging(storageClient, services.StagingConfigFromEnv(audioBucket))
	engine := services.NewEngine(store, provider, services.EngineConfigFromEnv())
	synth := services.NewSynthesizer(store, provider, services.SynthesisConfigFromEnv())

	cleanup := func() {
		_ = vertexClient.Close()
		_ = storageClient.Close()
		_ = firestoreClient.Close()
	}
	return services.NewRunner(store, staging, engine, synth), cleanup, nil
}

// envIntOr reads an integer environment variable with a fallback.
func envIntOr(key string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(gcp.GetEnv(key, ""), "%d", &v); err != nil {
		return fallback
	}
	return v
}
