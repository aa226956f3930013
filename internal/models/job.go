package models

import "time"

// JobStatus is the coarse lifecycle state of an analysis job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
)

// JobStage tracks which half of the pipeline is active. It is finer-grained
// than JobStatus: a processing job is either transcribing or analyzing.
type JobStage string

const (
	StagePending      JobStage = "pending"
	StageTranscribing JobStage = "transcribing"
	StageAnalyzing    JobStage = "analyzing"
	StageDone         JobStage = "done"
	StageError        JobStage = "error"
)

// Terminal reports whether a stage admits no further transitions.
func (s JobStage) Terminal() bool {
	return s == StageDone || s == StageError
}

// ValidStageTransition enforces the forward-only stage machine. Stages move
// pending -> transcribing -> analyzing -> done; error is reachable from any
// non-terminal stage.
func ValidStageTransition(from, to JobStage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageError {
		return true
	}
	switch from {
	case StagePending:
		return to == StageTranscribing
	case StageTranscribing:
		return to == StageAnalyzing
	case StageAnalyzing:
		return to == StageDone
	default:
		return false
	}
}

// AnalysisJob is the persisted record for one end-to-end analysis run of a
// single recording. There is at most one job document per recording; the
// Firestore document ID is the recording ID.
type AnalysisJob struct {
	ID                       string          `firestore:"-"`
	RecordingID              string          `firestore:"recordingId"`
	Status                   JobStatus       `firestore:"status"`
	Stage                    JobStage        `firestore:"stage"`
	TotalChunks              int             `firestore:"totalChunks"`
	CompletedChunks          int             `firestore:"completedChunks"`
	ProgressMessage          string          `firestore:"progressMessage,omitempty"`
	Transcript               string          `firestore:"transcript,omitempty"`
	StructuredReport         *CoachingReport `firestore:"structuredReport,omitempty"`
	Warning                  string          `firestore:"warning,omitempty"`
	ErrorMessage             string          `firestore:"errorMessage,omitempty"`
	AudioPath                string          `firestore:"audioPath,omitempty"`
	InputTokens              int64           `firestore:"inputTokens"`
	OutputTokens             int64           `firestore:"outputTokens"`
	TotalTokens              int64           `firestore:"totalTokens"`
	ModelUsed                string          `firestore:"modelUsed,omitempty"`
	EstimatedCostUSD         float64         `firestore:"estimatedCostUsd"`
	Claimed                  bool            `firestore:"claimed"`
	CreatedAt                time.Time       `firestore:"createdAt"`
	UpdatedAt                time.Time       `firestore:"updatedAt"`
	TranscriptionCompletedAt *time.Time      `firestore:"transcriptionCompletedAt,omitempty"`
	AnalysisCompletedAt      *time.Time      `firestore:"analysisCompletedAt,omitempty"`
}

// InFlight reports whether the job occupies or is waiting for the worker slot.
func (j *AnalysisJob) InFlight() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// TranscriptSection is one transcribed time window of the recording, stored
// in a subcollection of the owning job and keyed by chunk index.
type TranscriptSection struct {
	ChunkIndex         int      `firestore:"chunkIndex"`
	StartOffsetSeconds float64  `firestore:"startOffsetSeconds"`
	EndOffsetSeconds   float64  `firestore:"endOffsetSeconds"`
	Title              string   `firestore:"title,omitempty"`
	Content            string   `firestore:"content,omitempty"`
	Summary            string   `firestore:"summary,omitempty"`
	Topics             []string `firestore:"topics,omitempty"`
}

// RequestType classifies a provider call for the usage audit log.
type RequestType string

const (
	RequestTypeChunk     RequestType = "chunk"
	RequestTypeSynthesis RequestType = "synthesis"
	RequestTypeAuxiliary RequestType = "auxiliary"
)

// TokenUsageLogEntry is an append-only audit record for one provider call.
type TokenUsageLogEntry struct {
	ID           string      `firestore:"-"`
	JobID        string      `firestore:"jobId"`
	RequestType  RequestType `firestore:"requestType"`
	ChunkIndex   *int        `firestore:"chunkIndex,omitempty"`
	InputTokens  int64       `firestore:"inputTokens"`
	OutputTokens int64       `firestore:"outputTokens"`
	TotalTokens  int64       `firestore:"totalTokens"`
	ModelUsed    string      `firestore:"modelUsed,omitempty"`
	CreatedAt    time.Time   `firestore:"createdAt"`
}

// TokenUsage carries provider-reported token counts for a single call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Model        string
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	if other.Model != "" {
		u.Model = other.Model
	}
}
