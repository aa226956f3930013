package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Transcriber Model Prompts ---
const TranscriberSystemPrompt = "You are a precise call transcription engine. You transcribe exactly one time window of a long sales call recording and describe it. You must output your response as a single valid JSON object."
const TranscriberUserPromptTemplate = `Transcribe the audio between %s and %s. Ignore everything outside that window.

Context from the previous window (may be empty):
%s

Return ONLY a single JSON object with exactly these keys:
- "title": a short heading for what happens in this window.
- "content": the full verbatim transcript of the window, with speaker labels "Rep:" and "Customer:".
- "summary": 2-3 sentences summarizing this window, written so the next window can be transcribed with this as its only context.
- "topics": an array of short topic strings discussed in this window.

Do not include any text before or after the JSON object.`

// --- Synthesis Model Prompts ---
const SynthesisSystemPrompt = "You are an expert sales-call coach. You score a complete call transcript against a fixed multi-phase weighted rubric and justify every score. You must output your response as a single valid JSON object."
const SynthesisUserPromptTemplate = `Score the following sales call against the rubric phases: Opening (weight 15), Discovery (weight 25), Presentation (weight 25), Objection Handling (weight 20), Close (weight 15). Each phase contains checkpoints scored out of their max; phase scores roll up into a 0-100 total.

Use the supplied audio, when present, only for tone and pacing signals. The transcript is the source of truth for content.

Return ONLY a single JSON object with exactly these keys:
- "phases": array of {"name", "weight", "score", "checkpoints": [{"name", "score", "maxScore", "justification"}]}.
- "totalScore": number from 0 to 100.
- "rating": one of "excellent", "strong", "competent", "developing", "needs improvement".
- "strengths": array of short strings.
- "improvements": array of short strings.
- "summary": one paragraph of overall coaching feedback.

Transcript:
"""
%s
"""`

// VertexClient holds the pre-configured generative models for the pipeline.
type VertexClient struct {
	TranscriberModel *genai.GenerativeModel
	SynthesisModel   *genai.GenerativeModel
	ModelName        string
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding both pipeline models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the transcriber model ---
	transcriberModel := baseClient.GenerativeModel(modelName)
	transcriberModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranscriberSystemPrompt)},
	}
	transcriberModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. Window results feed a structured parser.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	transcriberModel.SafetySettings = permissiveSafetySettings()

	// --- Configure the synthesis model ---
	synthesisModel := baseClient.GenerativeModel(modelName)
	synthesisModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SynthesisSystemPrompt)},
	}
	synthesisModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}
	synthesisModel.SafetySettings = permissiveSafetySettings()

	return &VertexClient{
		TranscriberModel: transcriberModel,
		SynthesisModel:   synthesisModel,
		ModelName:        modelName,
		baseClient:       baseClient,
	}, nil
}

// permissiveSafetySettings disables category blocking. Sales calls routinely
// trip over-eager filters (pricing disputes read as "harassment").
func permissiveSafetySettings() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
