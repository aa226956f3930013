package services

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// memStore is an in-memory JobStore mirroring the Firestore semantics the
// pipeline relies on.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.AnalysisJob
	sections map[string][]models.TranscriptSection
	usage    []models.TokenUsageLogEntry
	usageErr error
	progress []string
	warnings map[string][]string
	failures map[string]string
	existing map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*models.AnalysisJob{},
		sections: map[string][]models.TranscriptSection{},
		warnings: map[string][]string{},
		failures: map[string]string{},
		existing: map[string]bool{},
	}
}

func (m *memStore) GetJob(_ context.Context, recordingID string) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordingID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) SaveJob(_ context.Context, job *models.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = job.RecordingID
	copied := *job
	m.jobs[job.RecordingID] = &copied
	return nil
}

func (m *memStore) CountActiveSince(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.Status == models.StatusProcessing && job.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.Status == models.StatusPending {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ClaimNext(_ context.Context) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pick := func(match func(*models.AnalysisJob) bool) *models.AnalysisJob {
		var candidates []*models.AnalysisJob
		for _, job := range m.jobs {
			if match(job) {
				candidates = append(candidates, job)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		return candidates[0]
	}

	job := pick(func(j *models.AnalysisJob) bool {
		return j.Status == models.StatusProcessing && !j.Claimed
	})
	if job == nil {
		job = pick(func(j *models.AnalysisJob) bool {
			return j.Status == models.StatusPending
		})
	}
	if job == nil {
		return nil, nil
	}

	job.Claimed = true
	job.Status = models.StatusProcessing
	if job.Stage == models.StagePending {
		job.Stage = models.StageTranscribing
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) SetProgress(_ context.Context, recordingID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, message)
	if job, ok := m.jobs[recordingID]; ok {
		job.ProgressMessage = message
	}
	return nil
}

func (m *memStore) SetWarning(_ context.Context, recordingID, warning string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings[recordingID] = append(m.warnings[recordingID], warning)
	return nil
}

func (m *memStore) AppendSection(_ context.Context, recordingID string, section models.TranscriptSection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordingID]
	if !ok {
		return ErrJobNotFound
	}
	m.sections[recordingID] = append(m.sections[recordingID], section)
	if section.Content != "" {
		if job.Transcript != "" {
			job.Transcript += "\n\n"
		}
		job.Transcript += section.Content
	}
	if section.ChunkIndex+1 > job.CompletedChunks {
		job.CompletedChunks = section.ChunkIndex + 1
	}
	return nil
}

func (m *memStore) CompleteTranscription(_ context.Context, recordingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordingID]
	if !ok {
		return ErrJobNotFound
	}
	if allowed, err := stageUpdateAllowed(job.Stage, models.StageAnalyzing); err != nil || !allowed {
		return err
	}
	job.Stage = models.StageAnalyzing
	now := time.Now()
	job.TranscriptionCompletedAt = &now
	return nil
}

func (m *memStore) FinishJob(_ context.Context, recordingID string, report *models.CoachingReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordingID]
	if !ok {
		return ErrJobNotFound
	}
	if allowed, err := stageUpdateAllowed(job.Stage, models.StageDone); err != nil || !allowed {
		return err
	}
	job.Status = models.StatusDone
	job.Stage = models.StageDone
	job.StructuredReport = report
	now := time.Now()
	job.AnalysisCompletedAt = &now
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, recordingID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[recordingID]
	if !ok {
		return ErrJobNotFound
	}
	if allowed, err := stageUpdateAllowed(job.Stage, models.StageError); err != nil || !allowed {
		return err
	}
	m.failures[recordingID] = message
	job.Status = models.StatusError
	job.Stage = models.StageError
	job.ErrorMessage = message
	return nil
}

func (m *memStore) LogUsage(_ context.Context, entry models.TokenUsageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return m.usageErr
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.usage = append(m.usage, entry)
	if job, ok := m.jobs[entry.JobID]; ok {
		job.InputTokens += entry.InputTokens
		job.OutputTokens += entry.OutputTokens
		job.TotalTokens += entry.TotalTokens
		job.ModelUsed = entry.ModelUsed
	}
	return nil
}

func (m *memStore) RecordingExists(_ context.Context, recordingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[recordingID], nil
}

// usageTotal sums the audit rows for one job.
func (m *memStore) usageTotal(jobID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, entry := range m.usage {
		if entry.JobID == jobID {
			total += entry.TotalTokens
		}
	}
	return total
}

// fakeProvider scripts window and synthesis behavior per call.
type fakeProvider struct {
	mu sync.Mutex

	windowCalls  []WindowRequest
	windowErrs   map[int][]error // per chunk index, consumed in order
	windowResult func(req WindowRequest) WindowResult

	synthCalls   int
	synthErrs    []error // consumed in order before synthStream is used
	synthStreams func() ResponseStream
}

func (p *fakeProvider) TranscribeWindow(_ context.Context, req WindowRequest) (WindowResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowCalls = append(p.windowCalls, req)
	if errs := p.windowErrs[req.ChunkIndex]; len(errs) > 0 {
		err := errs[0]
		p.windowErrs[req.ChunkIndex] = errs[1:]
		return WindowResult{}, err
	}
	if p.windowResult != nil {
		return p.windowResult(req), nil
	}
	return WindowResult{
		RawJSON: fmt.Sprintf(`{"title":"Segment %d","content":"chunk %d text","summary":"summary %d","topics":["roofing"]}`,
			req.ChunkIndex+1, req.ChunkIndex, req.ChunkIndex),
		Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, Model: "fake-model"},
	}, nil
}

func (p *fakeProvider) SynthesizeStream(_ context.Context, _ SynthesisRequest) (ResponseStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthCalls++
	if len(p.synthErrs) > 0 {
		err := p.synthErrs[0]
		p.synthErrs = p.synthErrs[1:]
		return nil, err
	}
	if p.synthStreams != nil {
		return p.synthStreams(), nil
	}
	return newFakeStream([]Fragment{{Text: `{"totalScore": 80, "summary": "solid call"}`, FinishReason: "STOP"}}), nil
}

// fakeStream replays scripted fragments.
type fakeStream struct {
	fragments []Fragment
	pos       int
}

func newFakeStream(fragments []Fragment) *fakeStream {
	return &fakeStream{fragments: fragments}
}

func (s *fakeStream) Next() (Fragment, error) {
	if s.pos >= len(s.fragments) {
		return Fragment{}, io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}
