package ai

import (
	"encoding/json"
	"strings"
)

// Issue is a single detected skin condition anchored to a face region.
type Issue struct {
	Type         string   `json:"type"`
	Region       string   `json:"region"`
	Severity     string   `json:"severity"`
	VisibleIn    []string `json:"visible_in,omitempty"`
	KeypointRefs []int    `json:"keypoint_refs,omitempty"`
}

// CarePlanWeek is one entry of the 4-week improvement roadmap.
type CarePlanWeek struct {
	Week                   int     `json:"week"`
	Preview                string  `json:"preview"`
	ExpectedImprovementPct float64 `json:"expected_improvement_pct"`
}

// Report is the structured skin analysis produced by the vision model.
// When the model response cannot be decoded as JSON, Raw holds the verbatim
// response text and every other field is zero; such degraded reports are
// persisted anyway and flagged for manual review downstream.
type Report struct {
	Issues            []Issue        `json:"issues"`
	OverallAssessment string         `json:"overall_assessment,omitempty"`
	Score             int            `json:"score"`
	CarePlan          []CarePlanWeek `json:"care_plan,omitempty"`
	Raw               string         `json:"raw,omitempty"`
}

// Degraded reports parsed as raw text and need manual review.
func (r *Report) Degraded() bool {
	return r.Raw != ""
}

// PlanAdherence summarizes how well the user followed the care plan so far.
type PlanAdherence struct {
	WeeksCompleted        int      `json:"weeks_completed"`
	AdherenceScore        float64  `json:"adherence_score"`
	MissedRecommendations []string `json:"missed_recommendations,omitempty"`
}

// ProgressDelta is the structured comparison between a progress submission
// and its baseline. ScoreChange is reconciled by the pipeline against the two
// reports' scores regardless of what the model returned.
type ProgressDelta struct {
	ScoreChange            int            `json:"score_change"`
	IssuesImproved         []string       `json:"issues_improved,omitempty"`
	PlanAdherence          PlanAdherence  `json:"plan_adherence"`
	VisualImprovements     []string       `json:"visual_improvements,omitempty"`
	AreasNeedingAttention  []string       `json:"areas_needing_attention,omitempty"`
	UpdatedRecommendations []string       `json:"updated_recommendations,omitempty"`
	RemainingIssues        []string       `json:"remaining_issues,omitempty"`
	UpdatedCarePlan        []CarePlanWeek `json:"updated_care_plan,omitempty"`
	Raw                    string         `json:"raw,omitempty"`
}

// ParseReport decodes a model response into a Report. A response that is not
// valid JSON, or that carries a score outside 0-100, yields a degraded report
// holding the raw text instead of an error: a corrupt-but-present report is
// preferred over losing the response.
func ParseReport(content string) *Report {
	trimmed := strings.TrimSpace(stripCodeFence(content))

	var report Report
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil {
		return &Report{Raw: content}
	}
	if report.Score < 0 || report.Score > 100 {
		return &Report{Raw: content}
	}
	if report.Issues == nil {
		report.Issues = []Issue{}
	}
	return &report
}

// ParseProgressDelta decodes a comparison response, falling back to a raw
// delta on malformed JSON like ParseReport does for reports.
func ParseProgressDelta(content string) *ProgressDelta {
	trimmed := strings.TrimSpace(stripCodeFence(content))

	var delta ProgressDelta
	if err := json.Unmarshal([]byte(trimmed), &delta); err != nil {
		return &ProgressDelta{Raw: content}
	}
	return &delta
}

// stripCodeFence removes a leading/trailing markdown code fence. Some models
// wrap JSON output in ```json fences even when asked for a bare object.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return t
}
