package services

import (
	"strconv"
	"time"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
)

// envInt reads an integer environment variable with a fallback.
func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(gcp.GetEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// AdmissionConfigFromEnv loads the admission tuning for this deployment.
func AdmissionConfigFromEnv() AdmissionConfig {
	cfg := DefaultAdmissionConfig()
	cfg.MaxConcurrent = envInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrent)
	cfg.ActiveWindow = time.Duration(envInt("ACTIVE_WINDOW_MINUTES", int(cfg.ActiveWindow.Minutes()))) * time.Minute
	cfg.ChunkDuration = time.Duration(envInt("CHUNK_MINUTES", int(cfg.ChunkDuration.Minutes()))) * time.Minute
	cfg.RetryAfter = time.Duration(envInt("RETRY_AFTER_SECONDS", int(cfg.RetryAfter.Seconds()))) * time.Second
	return cfg
}

// EngineConfigFromEnv loads the chunk loop tuning.
func EngineConfigFromEnv() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.ChunkDuration = time.Duration(envInt("CHUNK_MINUTES", int(cfg.ChunkDuration.Minutes()))) * time.Minute
	cfg.InterRequestDelay = time.Duration(envInt("INTER_REQUEST_DELAY_SECONDS", int(cfg.InterRequestDelay.Seconds()))) * time.Second
	cfg.RateLimitCooldown = time.Duration(envInt("RATE_LIMIT_COOLDOWN_SECONDS", int(cfg.RateLimitCooldown.Seconds()))) * time.Second
	cfg.MaxRateLimitRetries = envInt("MAX_CHUNK_RETRIES", cfg.MaxRateLimitRetries)
	return cfg
}

// SynthesisConfigFromEnv loads the synthesis retry tuning.
func SynthesisConfigFromEnv() SynthesisConfig {
	cfg := DefaultSynthesisConfig()
	cfg.MaxRetries = uint64(envInt("SYNTHESIS_MAX_RETRIES", int(cfg.MaxRetries)))
	cfg.BackoffBase = time.Duration(envInt("SYNTHESIS_BACKOFF_SECONDS", int(cfg.BackoffBase.Seconds()))) * time.Second
	cfg.CheckpointEvery = envInt("STREAM_CHECKPOINT_EVERY", cfg.CheckpointEvery)
	return cfg
}

// StagingConfigFromEnv loads staging tuning for the given bucket.
func StagingConfigFromEnv(bucket string) StagingConfig {
	cfg := DefaultStagingConfig(bucket)
	cfg.IngestTimeout = time.Duration(envInt("INGEST_TIMEOUT_SECONDS", int(cfg.IngestTimeout.Seconds()))) * time.Second
	return cfg
}
