package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// JobStore is the pipeline's only shared mutable state. Every component
// reads and writes jobs through it; the pipeline is single-writer per job.
type JobStore interface {
	GetJob(ctx context.Context, recordingID string) (*models.AnalysisJob, error)
	SaveJob(ctx context.Context, job *models.AnalysisJob) error
	CountActiveSince(ctx context.Context, cutoff time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
	ClaimNext(ctx context.Context) (*models.AnalysisJob, error)
	SetProgress(ctx context.Context, recordingID, message string) error
	SetWarning(ctx context.Context, recordingID, warning string) error
	AppendSection(ctx context.Context, recordingID string, section models.TranscriptSection) error
	CompleteTranscription(ctx context.Context, recordingID string) error
	FinishJob(ctx context.Context, recordingID string, report *models.CoachingReport) error
	MarkFailed(ctx context.Context, recordingID, message string) error
	LogUsage(ctx context.Context, entry models.TokenUsageLogEntry) error
	RecordingExists(ctx context.Context, recordingID string) (bool, error)
}

// Pricing converts provider token usage into an estimated cost.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost estimates the dollar cost of one usage report.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// FirestoreStore implements JobStore on Firestore. The job document ID is the
// recording ID, which enforces at most one job per recording; sections and
// usage rows live in subcollections of the job document.
type FirestoreStore struct {
	client  *firestore.Client
	pricing Pricing
	now     func() time.Time
}

// NewFirestoreStore wires a store around an existing Firestore client.
func NewFirestoreStore(client *firestore.Client, pricing Pricing) *FirestoreStore {
	return &FirestoreStore{client: client, pricing: pricing, now: time.Now}
}

func (s *FirestoreStore) jobs() *firestore.CollectionRef {
	return s.client.Collection(gcp.JobsCollection)
}

func (s *FirestoreStore) jobDoc(recordingID string) *firestore.DocumentRef {
	return s.jobs().Doc(recordingID)
}

// txJob loads and decodes a job inside a transaction.
func (s *FirestoreStore) txJob(tx *firestore.Transaction, ref *firestore.DocumentRef) (*models.AnalysisJob, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		return nil, err
	}
	var job models.AnalysisJob
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	job.ID = snap.Ref.ID
	return &job, nil
}

// stageUpdateAllowed gates every stage-mutating write against the forward-only
// stage machine. A failure report arriving after the job already reached a
// terminal state is dropped rather than rejected, so late error paths stay
// idempotent; any other invalid transition is a caller bug.
func stageUpdateAllowed(from, to models.JobStage) (bool, error) {
	if models.ValidStageTransition(from, to) {
		return true, nil
	}
	if to == models.StageError {
		return false, nil
	}
	return false, fmt.Errorf("invalid stage transition %s -> %s", from, to)
}

// GetJob loads the job for a recording, or ErrJobNotFound.
func (s *FirestoreStore) GetJob(ctx context.Context, recordingID string) (*models.AnalysisJob, error) {
	snap, err := s.jobDoc(recordingID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job for recording %s: %w", recordingID, err)
	}

	var job models.AnalysisJob
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job for recording %s: %w", recordingID, err)
	}
	job.ID = snap.Ref.ID
	return &job, nil
}

// SaveJob upserts the whole job document.
func (s *FirestoreStore) SaveJob(ctx context.Context, job *models.AnalysisJob) error {
	job.ID = job.RecordingID
	job.UpdatedAt = s.now()
	if _, err := s.jobDoc(job.RecordingID).Set(ctx, job); err != nil {
		return fmt.Errorf("failed to save job for recording %s: %w", job.RecordingID, err)
	}
	return nil
}

// CountActiveSince counts processing jobs created after the cutoff. Older
// processing jobs are treated as stuck and excluded so a crashed worker
// cannot permanently hold the slot.
func (s *FirestoreStore) CountActiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := s.jobs().
		Where("status", "==", string(models.StatusProcessing)).
		Where("createdAt", ">", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return len(docs), nil
}

// CountPending counts queued placeholder jobs.
func (s *FirestoreStore) CountPending(ctx context.Context) (int, error) {
	docs, err := s.jobs().
		Where("status", "==", string(models.StatusPending)).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return len(docs), nil
}

// ClaimNext transactionally claims the job the worker should run: first any
// admitted-but-unclaimed processing job, then the oldest pending job. Returns
// nil when the queue is empty.
func (s *FirestoreStore) ClaimNext(ctx context.Context) (*models.AnalysisJob, error) {
	var claimed *models.AnalysisJob

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = nil

		snap, err := s.nextClaimable(ctx, tx)
		if err != nil || snap == nil {
			return err
		}

		var job models.AnalysisJob
		if err := snap.DataTo(&job); err != nil {
			return fmt.Errorf("failed to decode claimable job: %w", err)
		}
		job.ID = snap.Ref.ID

		updates := []firestore.Update{
			{Path: "claimed", Value: true},
			{Path: "status", Value: string(models.StatusProcessing)},
			{Path: "updatedAt", Value: s.now()},
		}
		if job.Stage == models.StagePending {
			updates = append(updates, firestore.Update{Path: "stage", Value: string(models.StageTranscribing)})
			job.Stage = models.StageTranscribing
		}
		if err := tx.Update(snap.Ref, updates); err != nil {
			return err
		}

		job.Claimed = true
		job.Status = models.StatusProcessing
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	return claimed, nil
}

// nextClaimable finds the snapshot to claim inside the transaction.
func (s *FirestoreStore) nextClaimable(ctx context.Context, tx *firestore.Transaction) (*firestore.DocumentSnapshot, error) {
	started := s.jobs().
		Where("status", "==", string(models.StatusProcessing)).
		Where("claimed", "==", false).
		OrderBy("createdAt", firestore.Asc).
		Limit(1)
	snaps, err := tx.Documents(started).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query started jobs: %w", err)
	}
	if len(snaps) > 0 {
		return snaps[0], nil
	}

	pending := s.jobs().
		Where("status", "==", string(models.StatusPending)).
		OrderBy("createdAt", firestore.Asc).
		Limit(1)
	snaps, err = tx.Documents(pending).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	if len(snaps) > 0 {
		return snaps[0], nil
	}
	return nil, nil
}

// SetProgress records the last-known human-readable state for pollers.
func (s *FirestoreStore) SetProgress(ctx context.Context, recordingID, message string) error {
	_, err := s.jobDoc(recordingID).Update(ctx, []firestore.Update{
		{Path: "progressMessage", Value: message},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to update progress for recording %s: %w", recordingID, err)
	}
	return nil
}

// SetWarning attaches a non-fatal warning to the job.
func (s *FirestoreStore) SetWarning(ctx context.Context, recordingID, warning string) error {
	_, err := s.jobDoc(recordingID).Update(ctx, []firestore.Update{
		{Path: "warning", Value: warning},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to set warning for recording %s: %w", recordingID, err)
	}
	return nil
}

// AppendSection checkpoints one completed chunk: the section document plus
// the job's completedChunks counter and accumulated transcript, all in one
// transaction. A crash after chunk k loses only the in-flight chunk.
func (s *FirestoreStore) AppendSection(ctx context.Context, recordingID string, section models.TranscriptSection) error {
	jobRef := s.jobDoc(recordingID)
	sectionRef := jobRef.Collection(gcp.SectionsCollection).Doc(fmt.Sprintf("%05d", section.ChunkIndex))

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txJob(tx, jobRef)
		if err != nil {
			return err
		}

		transcript := job.Transcript
		if section.Content != "" {
			if transcript != "" {
				transcript += "\n\n"
			}
			transcript += section.Content
		}
		completed := job.CompletedChunks
		if section.ChunkIndex+1 > completed {
			completed = section.ChunkIndex + 1
		}

		if err := tx.Set(sectionRef, section); err != nil {
			return err
		}
		return tx.Update(jobRef, []firestore.Update{
			{Path: "completedChunks", Value: completed},
			{Path: "transcript", Value: transcript},
			{Path: "progressMessage", Value: fmt.Sprintf("Transcribed chunk %d of %d", completed, job.TotalChunks)},
			{Path: "updatedAt", Value: s.now()},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to append section %d for recording %s: %w", section.ChunkIndex, recordingID, err)
	}
	return nil
}

// CompleteTranscription advances the job into the analyzing stage.
func (s *FirestoreStore) CompleteTranscription(ctx context.Context, recordingID string) error {
	ref := s.jobDoc(recordingID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txJob(tx, ref)
		if err != nil {
			return err
		}
		ok, err := stageUpdateAllowed(job.Stage, models.StageAnalyzing)
		if err != nil || !ok {
			return err
		}
		now := s.now()
		return tx.Update(ref, []firestore.Update{
			{Path: "stage", Value: string(models.StageAnalyzing)},
			{Path: "transcriptionCompletedAt", Value: now},
			{Path: "progressMessage", Value: "Transcription complete, scoring call"},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to complete transcription for recording %s: %w", recordingID, err)
	}
	return nil
}

// FinishJob stores the final report and moves the job to its terminal done
// state.
func (s *FirestoreStore) FinishJob(ctx context.Context, recordingID string, report *models.CoachingReport) error {
	ref := s.jobDoc(recordingID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txJob(tx, ref)
		if err != nil {
			return err
		}
		ok, err := stageUpdateAllowed(job.Stage, models.StageDone)
		if err != nil || !ok {
			return err
		}
		now := s.now()
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(models.StatusDone)},
			{Path: "stage", Value: string(models.StageDone)},
			{Path: "structuredReport", Value: report},
			{Path: "analysisCompletedAt", Value: now},
			{Path: "progressMessage", Value: "Analysis complete"},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to finish job for recording %s: %w", recordingID, err)
	}
	return nil
}

// MarkFailed is the single convergence point for fatal errors: it records a
// bounded error message, moves the job to its terminal error state, and
// propagates the error onto the owning recording. A job already terminal is
// left untouched.
func (s *FirestoreStore) MarkFailed(ctx context.Context, recordingID, message string) error {
	ref := s.jobDoc(recordingID)
	applied := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		job, err := s.txJob(tx, ref)
		if err != nil {
			return err
		}
		ok, err := stageUpdateAllowed(job.Stage, models.StageError)
		if err != nil || !ok {
			return err
		}
		applied = true
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(models.StatusError)},
			{Path: "stage", Value: string(models.StageError)},
			{Path: "errorMessage", Value: message},
			{Path: "progressMessage", Value: "Analysis failed"},
			{Path: "updatedAt", Value: s.now()},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to mark job failed for recording %s: %w", recordingID, err)
	}
	if !applied {
		return nil
	}

	// Best effort: the recording document belongs to an external
	// collaborator and may not exist in every environment.
	recRef := s.client.Collection(gcp.RecordingsCollection).Doc(recordingID)
	if _, err := recRef.Set(ctx, map[string]interface{}{
		"status":       string(models.StatusError),
		"errorMessage": message,
		"updatedAt":    s.now(),
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to mark recording %s errored: %w", recordingID, err)
	}
	return nil
}

// LogUsage appends one audit row and folds the same numbers into the job's
// aggregate counters, so the job total always equals the sum of its rows.
func (s *FirestoreStore) LogUsage(ctx context.Context, entry models.TokenUsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	jobRef := s.jobDoc(entry.JobID)
	usageRef := jobRef.Collection(gcp.UsageCollection).Doc(entry.ID)

	batch := s.client.BulkWriter(ctx)
	rowWrite, err := batch.Set(usageRef, entry)
	if err != nil {
		return fmt.Errorf("failed to queue usage row: %w", err)
	}
	aggregateWrite, err := batch.Update(jobRef, []firestore.Update{
		{Path: "inputTokens", Value: firestore.Increment(entry.InputTokens)},
		{Path: "outputTokens", Value: firestore.Increment(entry.OutputTokens)},
		{Path: "totalTokens", Value: firestore.Increment(entry.TotalTokens)},
		{Path: "estimatedCostUsd", Value: firestore.Increment(s.pricing.Cost(entry.InputTokens, entry.OutputTokens))},
		{Path: "modelUsed", Value: entry.ModelUsed},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to queue usage aggregate update: %w", err)
	}
	batch.End()

	// Both writes must land or the job aggregate diverges from the sum of
	// its audit rows.
	if _, err := rowWrite.Results(); err != nil {
		return fmt.Errorf("failed to write usage row: %w", err)
	}
	if _, err := aggregateWrite.Results(); err != nil {
		return fmt.Errorf("failed to update usage aggregates: %w", err)
	}
	return nil
}

// RecordingExists reports whether the recording document is present.
func (s *FirestoreStore) RecordingExists(ctx context.Context, recordingID string) (bool, error) {
	_, err := s.client.Collection(gcp.RecordingsCollection).Doc(recordingID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up recording %s: %w", recordingID, err)
	}
	return true, nil
}

// PricingFromEnv reads per-1K-token pricing used for cost estimates.
func PricingFromEnv() Pricing {
	parse := func(key, fallback string) float64 {
		v, err := strconv.ParseFloat(gcp.GetEnv(key, fallback), 64)
		if err != nil {
			return 0
		}
		return v
	}
	return Pricing{
		InputPer1K:  parse("INPUT_COST_PER_1K_TOKENS", "0.00125"),
		OutputPer1K: parse("OUTPUT_COST_PER_1K_TOKENS", "0.005"),
	}
}
