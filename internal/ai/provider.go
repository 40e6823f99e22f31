package ai

import (
	"context"
	"encoding/json"
)

// PoseImage is one face image tagged with the angle it was taken from.
type PoseImage struct {
	Pose string // "front", "left" or "right"
	URL  string // fetchable (presigned or public) image URL
}

// SkinAnalysisInput is the full model input for one analysis run.
type SkinAnalysisInput struct {
	Images         []PoseImage
	Keypoints      json.RawMessage // facial landmark payload, passed through verbatim
	ProfileSummary string          // rendered intake answers, may be empty
}

// ProgressInput feeds the dedicated progress-comparison call.
type ProgressInput struct {
	Keypoints      json.RawMessage
	BaselineReport *Report
	BaselineScore  int
	CarePlan       []CarePlanWeek
	DaysElapsed    int
	WeekIndex      int
	CurrentWeek    CarePlanWeek
}

// Analyzer is the vision-language model behind the pipeline. Implementations
// must return degraded (Raw) payloads rather than errors when the model
// answers with unparseable text; errors are reserved for transport and API
// failures.
type Analyzer interface {
	Name() string
	AnalyzeSkin(ctx context.Context, input *SkinAnalysisInput) (*Report, error)
	CompareProgress(ctx context.Context, input *ProgressInput) (*ProgressDelta, error)
}
