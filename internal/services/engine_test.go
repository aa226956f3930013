package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// sleepRecorder replaces the engine's sleep so tests run instantly while still
// observing every pause the loop requests.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.sleeps {
		if got == d {
			n++
		}
	}
	return n
}

func newTestEngine(store JobStore, provider Provider) (*Engine, *sleepRecorder) {
	rec := &sleepRecorder{}
	e := NewEngine(store, provider, DefaultEngineConfig())
	e.sleep = rec.sleep
	return e, rec
}

func stagedTestAudio(minutes int) StagedAudio {
	return StagedAudio{
		URI:               "gs://test-bucket/rec-1/call.mp3",
		MIMEType:          "audio/mpeg",
		EstimatedDuration: time.Duration(minutes) * time.Minute,
	}
}

func seedJob(t *testing.T, store *memStore, totalChunks, completedChunks int) *models.AnalysisJob {
	t.Helper()
	job := &models.AnalysisJob{
		RecordingID:     "rec-1",
		Status:          models.StatusProcessing,
		Stage:           models.StageTranscribing,
		TotalChunks:     totalChunks,
		CompletedChunks: completedChunks,
		CreatedAt:       time.Now(),
	}
	saveJob(t, store, job)
	return job
}

func TestTranscribeAllChunks(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{}
	engine, sleeps := newTestEngine(store, provider)
	job := seedJob(t, store, 3, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(90)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	sections := store.sections["rec-1"]
	if len(sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(sections))
	}
	for i, section := range sections {
		if section.ChunkIndex != i {
			t.Errorf("section %d has ChunkIndex %d", i, section.ChunkIndex)
		}
	}
	if sections[1].StartOffsetSeconds != 1800 || sections[1].EndOffsetSeconds != 3600 {
		t.Errorf("section 1 window = [%v, %v], want [1800, 3600]",
			sections[1].StartOffsetSeconds, sections[1].EndOffsetSeconds)
	}

	saved, err := store.GetJob(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if saved.CompletedChunks != 3 {
		t.Errorf("CompletedChunks = %d, want 3", saved.CompletedChunks)
	}
	if saved.Stage != models.StageAnalyzing {
		t.Errorf("Stage = %s, want analyzing", saved.Stage)
	}
	if saved.Transcript == "" {
		t.Error("transcript not accumulated")
	}

	// One usage audit row per chunk, each tagged with its index.
	if len(store.usage) != 3 {
		t.Fatalf("usage rows = %d, want 3", len(store.usage))
	}
	for i, entry := range store.usage {
		if entry.RequestType != models.RequestTypeChunk {
			t.Errorf("usage %d type = %s", i, entry.RequestType)
		}
		if entry.ChunkIndex == nil || *entry.ChunkIndex != i {
			t.Errorf("usage %d chunk index = %v", i, entry.ChunkIndex)
		}
	}

	// Fixed pacing delay before every call except the first.
	if got := sleeps.count(DefaultEngineConfig().InterRequestDelay); got != 2 {
		t.Errorf("inter-request delays = %d, want 2", got)
	}
}

func TestTranscribeCarriesPreviousSummary(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{}
	engine, _ := newTestEngine(store, provider)
	job := seedJob(t, store, 2, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(60)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if provider.windowCalls[0].PreviousSummary != "" {
		t.Errorf("first call carried summary %q", provider.windowCalls[0].PreviousSummary)
	}
	if provider.windowCalls[1].PreviousSummary != "summary 0" {
		t.Errorf("second call summary = %q, want %q", provider.windowCalls[1].PreviousSummary, "summary 0")
	}
}

func TestTranscribeResumesFromCheckpoint(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{}
	engine, _ := newTestEngine(store, provider)
	job := seedJob(t, store, 4, 2)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(120)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if len(provider.windowCalls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(provider.windowCalls))
	}
	if provider.windowCalls[0].ChunkIndex != 2 || provider.windowCalls[1].ChunkIndex != 3 {
		t.Errorf("resumed at chunks %d, %d; want 2, 3",
			provider.windowCalls[0].ChunkIndex, provider.windowCalls[1].ChunkIndex)
	}
}

func TestTranscribeRateLimitCoolsDownAndRetries(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		windowErrs: map[int][]error{2: {ErrRateLimited}},
	}
	engine, sleeps := newTestEngine(store, provider)
	job := seedJob(t, store, 5, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(150)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	saved, _ := store.GetJob(context.Background(), "rec-1")
	if saved.CompletedChunks != 5 {
		t.Errorf("CompletedChunks = %d, want 5", saved.CompletedChunks)
	}
	if got := sleeps.count(DefaultEngineConfig().RateLimitCooldown); got != 1 {
		t.Errorf("cooldowns = %d, want exactly 1", got)
	}
	// 6 provider calls: 5 windows plus 1 retry of chunk 2.
	if len(provider.windowCalls) != 6 {
		t.Errorf("provider calls = %d, want 6", len(provider.windowCalls))
	}
}

func TestTranscribeRateLimitRetriesExhausted(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		windowErrs: map[int][]error{
			0: {ErrRateLimited, ErrRateLimited, ErrRateLimited},
		},
	}
	cfg := DefaultEngineConfig()
	cfg.MaxRateLimitRetries = 2
	rec := &sleepRecorder{}
	engine := NewEngine(store, provider, cfg)
	engine.sleep = rec.sleep
	job := seedJob(t, store, 3, 0)

	err := engine.Transcribe(context.Background(), job, stagedTestAudio(90))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Nothing checkpointed, transcription not completed.
	saved, _ := store.GetJob(context.Background(), "rec-1")
	if saved.CompletedChunks != 0 {
		t.Errorf("CompletedChunks = %d, want 0", saved.CompletedChunks)
	}
	if saved.Stage != models.StageTranscribing {
		t.Errorf("Stage = %s, want transcribing", saved.Stage)
	}
}

func TestTranscribePlaceholderOnWindowFailure(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		windowErrs: map[int][]error{1: {errors.New("model refused the request")}},
	}
	engine, _ := newTestEngine(store, provider)
	job := seedJob(t, store, 3, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(90)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	sections := store.sections["rec-1"]
	if len(sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(sections))
	}
	if sections[1].Title != "Segment 2 (unavailable)" {
		t.Errorf("placeholder title = %q", sections[1].Title)
	}
	if sections[1].Content != "" {
		t.Errorf("placeholder carried content %q", sections[1].Content)
	}
	// The lost window contributes no usage row.
	if len(store.usage) != 2 {
		t.Errorf("usage rows = %d, want 2", len(store.usage))
	}
	saved, _ := store.GetJob(context.Background(), "rec-1")
	if saved.CompletedChunks != 3 {
		t.Errorf("CompletedChunks = %d, want 3", saved.CompletedChunks)
	}
}

func TestTranscribeKeepsRawTextOnParseFailure(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		windowResult: func(req WindowRequest) WindowResult {
			return WindowResult{RawJSON: "plain prose transcript with no structure"}
		},
	}
	engine, _ := newTestEngine(store, provider)
	job := seedJob(t, store, 1, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(30)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	sections := store.sections["rec-1"]
	if len(sections) != 1 {
		t.Fatalf("sections = %d, want 1", len(sections))
	}
	if sections[0].Content != "plain prose transcript with no structure" {
		t.Errorf("raw text not preserved: %q", sections[0].Content)
	}
}

func TestTranscribeFailsWhenUsageWriteFails(t *testing.T) {
	store := newMemStore()
	store.usageErr = errors.New("firestore: deadline exceeded")
	engine, _ := newTestEngine(store, &fakeProvider{})
	job := seedJob(t, store, 2, 0)

	if err := engine.Transcribe(context.Background(), job, stagedTestAudio(60)); err == nil {
		t.Fatal("usage write failure was swallowed")
	}
}

func TestWindowClampsToTotalDuration(t *testing.T) {
	engine, _ := newTestEngine(newMemStore(), &fakeProvider{})

	start, end := engine.window(1, 45*time.Minute)
	if start != 30*time.Minute || end != 45*time.Minute {
		t.Errorf("window = [%v, %v], want [30m, 45m]", start, end)
	}

	// Unknown total: the window keeps its nominal bounds.
	start, end = engine.window(2, 0)
	if start != 60*time.Minute || end != 90*time.Minute {
		t.Errorf("window = [%v, %v], want [60m, 90m]", start, end)
	}
}
