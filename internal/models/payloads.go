package models

// These structs define the JSON payloads for the two HTTP operations exposed
// to the UI collaborator.

// AnalyzeRequest is the input for POST /analyze.
type AnalyzeRequest struct {
	RecordingID     string  `json:"recordingId"`
	FilePath        string  `json:"filePath"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// AnalyzeStartedResponse is returned when the job was admitted immediately.
type AnalyzeStartedResponse struct {
	AnalysisID       string `json:"analysisId"`
	TotalChunks      int    `json:"totalChunks"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
}

// AnalyzeQueuedResponse is returned with 202 when the worker slot is full.
type AnalyzeQueuedResponse struct {
	Queued            bool `json:"queued"`
	QueuePosition     int  `json:"queuePosition"`
	ActiveCount       int  `json:"activeCount"`
	MaxConcurrent     int  `json:"maxConcurrent"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

// AnalyzeStatusResponse is the point-in-time snapshot for GET /analyze.
type AnalyzeStatusResponse struct {
	Status          JobStatus `json:"status"`
	Stage           JobStage  `json:"stage"`
	TotalChunks     int       `json:"totalChunks"`
	CompletedChunks int       `json:"completedChunks"`
	Message         string    `json:"message"`
}

// ErrorResponse is the body for all non-2xx API results.
type ErrorResponse struct {
	Error string `json:"error"`
}
