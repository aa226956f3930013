package models

// CoachingReport is the structured document produced by the synthesis stage:
// a multi-phase weighted rubric with per-checkpoint scores and a final rating
// banded from the 0-100 total.
type CoachingReport struct {
	Phases       []PhaseScore `json:"phases" firestore:"phases"`
	TotalScore   float64      `json:"totalScore" firestore:"totalScore"`
	Rating       string       `json:"rating" firestore:"rating"`
	Strengths    []string     `json:"strengths" firestore:"strengths"`
	Improvements []string     `json:"improvements" firestore:"improvements"`
	Summary      string       `json:"summary" firestore:"summary"`
}

// PhaseScore scores one phase of the call against its rubric weight.
type PhaseScore struct {
	Name        string            `json:"name" firestore:"name"`
	Weight      float64           `json:"weight" firestore:"weight"`
	Score       float64           `json:"score" firestore:"score"`
	Checkpoints []CheckpointScore `json:"checkpoints" firestore:"checkpoints"`
}

// CheckpointScore is a single rubric line item with its justification.
type CheckpointScore struct {
	Name          string  `json:"name" firestore:"name"`
	Score         float64 `json:"score" firestore:"score"`
	MaxScore      float64 `json:"maxScore" firestore:"maxScore"`
	Justification string  `json:"justification,omitempty" firestore:"justification,omitempty"`
}

// Normalize defaults every expected top-level field so a parseable but
// partially incomplete document still yields a usable report. The model may
// omit sections; absence must not be a hard failure.
func (r *CoachingReport) Normalize() {
	if r.Phases == nil {
		r.Phases = []PhaseScore{}
	}
	for i := range r.Phases {
		if r.Phases[i].Checkpoints == nil {
			r.Phases[i].Checkpoints = []CheckpointScore{}
		}
	}
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.Improvements == nil {
		r.Improvements = []string{}
	}
	if r.TotalScore < 0 {
		r.TotalScore = 0
	}
	if r.TotalScore > 100 {
		r.TotalScore = 100
	}
	if r.Rating == "" {
		r.Rating = RatingForScore(r.TotalScore)
	}
}

// RatingForScore bands a 0-100 total into the rubric's rating labels.
func RatingForScore(total float64) string {
	switch {
	case total >= 90:
		return "excellent"
	case total >= 75:
		return "strong"
	case total >= 60:
		return "competent"
	case total >= 40:
		return "developing"
	default:
		return "needs improvement"
	}
}
