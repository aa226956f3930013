package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"

	"github.com/vladdehtiarov/roofcoach/internal/gcp"
	"github.com/vladdehtiarov/roofcoach/internal/models"
)

// WindowRequest asks the provider to transcribe one time window of the
// recording, carrying a bounded summary of the previous window as context.
type WindowRequest struct {
	AudioURI        string
	MIMEType        string
	ChunkIndex      int
	StartOffset     time.Duration
	EndOffset       time.Duration
	PreviousSummary string
}

// WindowResult is the raw structured document and usage for one window call.
type WindowResult struct {
	RawJSON string
	Usage   models.TokenUsage
}

// SynthesisRequest asks the provider for the final holistic scoring call.
// AudioURI re-supplies the source audio for tone and pacing signals; the
// transcript remains the source of truth for content.
type SynthesisRequest struct {
	Transcript string
	AudioURI   string
	MIMEType   string
}

// Fragment is one increment of a streamed provider response. Usage, when
// present, carries cumulative totals; FinishReason is set on the fragment
// that terminates a candidate.
type Fragment struct {
	Text         string
	Usage        *models.TokenUsage
	FinishReason string
}

// ResponseStream yields fragments in arrival order and io.EOF at the end.
type ResponseStream interface {
	Next() (Fragment, error)
}

// Provider is the pipeline's view of the generative AI service: submit audio
// plus instructions, receive text or a JSON document, consume usage metadata.
type Provider interface {
	TranscribeWindow(ctx context.Context, req WindowRequest) (WindowResult, error)
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (ResponseStream, error)
}

// GeminiProvider implements Provider on top of the pre-configured Vertex AI
// models.
type GeminiProvider struct {
	client *gcp.VertexClient
}

// NewGeminiProvider wraps a VertexClient.
func NewGeminiProvider(client *gcp.VertexClient) *GeminiProvider {
	return &GeminiProvider{client: client}
}

// TranscribeWindow issues a single blocking transcription request scoped to
// the window in req.
func (p *GeminiProvider) TranscribeWindow(ctx context.Context, req WindowRequest) (WindowResult, error) {
	prompt := genai.Text(fmt.Sprintf(
		gcp.TranscriberUserPromptTemplate,
		formatOffset(req.StartOffset),
		formatOffset(req.EndOffset),
		req.PreviousSummary,
	))
	filePart := genai.FileData{
		MIMEType: req.MIMEType,
		FileURI:  req.AudioURI,
	}

	resp, err := p.client.TranscriberModel.GenerateContent(ctx, filePart, prompt)
	if err != nil {
		return WindowResult{}, fmt.Errorf("window %d transcription call failed: %w", req.ChunkIndex, err)
	}

	return WindowResult{
		RawJSON: extractText(resp),
		Usage:   usageFrom(resp.UsageMetadata, p.client.ModelName),
	}, nil
}

// SynthesizeStream starts the streaming rubric request and returns the stream
// for the accumulator to drain.
func (p *GeminiProvider) SynthesizeStream(ctx context.Context, req SynthesisRequest) (ResponseStream, error) {
	parts := []genai.Part{genai.Text(fmt.Sprintf(gcp.SynthesisUserPromptTemplate, req.Transcript))}
	if req.AudioURI != "" {
		parts = append([]genai.Part{genai.FileData{MIMEType: req.MIMEType, FileURI: req.AudioURI}}, parts...)
	}

	iter := p.client.SynthesisModel.GenerateContentStream(ctx, parts...)
	return &geminiStream{iter: iter, model: p.client.ModelName}, nil
}

// geminiStream adapts the genai response iterator to ResponseStream.
type geminiStream struct {
	iter  *genai.GenerateContentResponseIterator
	model string
}

func (s *geminiStream) Next() (Fragment, error) {
	resp, err := s.iter.Next()
	if err == iterator.Done {
		return Fragment{}, io.EOF
	}
	if err != nil {
		return Fragment{}, err
	}

	frag := Fragment{Text: extractText(resp)}
	if resp.UsageMetadata != nil {
		usage := usageFrom(resp.UsageMetadata, s.model)
		frag.Usage = &usage
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
		frag.FinishReason = resp.Candidates[0].FinishReason.String()
	}
	return frag, nil
}

// extractText concatenates all text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// usageFrom converts provider usage metadata into the persisted shape.
func usageFrom(meta *genai.UsageMetadata, model string) models.TokenUsage {
	if meta == nil {
		return models.TokenUsage{Model: model}
	}
	return models.TokenUsage{
		InputTokens:  int64(meta.PromptTokenCount),
		OutputTokens: int64(meta.CandidatesTokenCount),
		TotalTokens:  int64(meta.TotalTokenCount),
		Model:        model,
	}
}

// formatOffset renders a window boundary as HH:MM:SS for the prompt.
func formatOffset(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
