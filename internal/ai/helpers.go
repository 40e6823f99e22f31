package ai

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed prompts/skin_analysis.txt
var skinAnalysisPrompt string

//go:embed prompts/progress_comparison.txt
var progressComparisonPrompt string

// buildAnalysisUserText builds the text portion of the analysis request.
// Image parts are appended separately by each provider.
func buildAnalysisUserText(input *SkinAnalysisInput) string {
	var b strings.Builder
	b.WriteString("Analyze the skin in the attached face photographs.\n")

	poses := make([]string, 0, len(input.Images))
	for _, img := range input.Images {
		poses = append(poses, img.Pose)
	}
	fmt.Fprintf(&b, "Poses provided, in order: %s\n", strings.Join(poses, ", "))

	if input.ProfileSummary != "" {
		b.WriteString("\nUser profile:\n")
		b.WriteString(input.ProfileSummary)
		b.WriteString("\n")
	}

	if len(input.Keypoints) > 0 {
		b.WriteString("\nFacial landmark keypoints:\n")
		b.Write(input.Keypoints)
		b.WriteString("\n")
	}

	return b.String()
}

// buildProgressUserText serializes the comparison context for the model.
func buildProgressUserText(input *ProgressInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Days elapsed since baseline: %d\n", input.DaysElapsed)
	fmt.Fprintf(&b, "Current care-plan week (zero-indexed): %d\n", input.WeekIndex)
	if input.CurrentWeek.Preview != "" {
		fmt.Fprintf(&b, "This week's plan: %s\n", input.CurrentWeek.Preview)
	}
	fmt.Fprintf(&b, "Baseline score: %d\n", input.BaselineScore)

	if input.BaselineReport != nil {
		baseline, err := json.Marshal(input.BaselineReport)
		if err == nil {
			b.WriteString("\nBaseline report:\n")
			b.Write(baseline)
			b.WriteString("\n")
		}
	}

	if len(input.CarePlan) > 0 {
		plan, err := json.Marshal(input.CarePlan)
		if err == nil {
			b.WriteString("\nFull care plan:\n")
			b.Write(plan)
			b.WriteString("\n")
		}
	}

	if len(input.Keypoints) > 0 {
		b.WriteString("\nCurrent facial landmark keypoints:\n")
		b.Write(input.Keypoints)
		b.WriteString("\n")
	}

	return b.String()
}

// poseLabel capitalizes a pose tag for use in the prompt ("front" -> "Front").
func poseLabel(pose string) string {
	if pose == "" {
		return "Unknown"
	}
	return strings.ToUpper(pose[:1]) + pose[1:]
}
