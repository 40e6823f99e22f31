package analysis

import (
	"strings"

	"github.com/mirelabs/dermatrack/internal/ai"
)

// Plan-change thresholds. Regenerating the daily task list touches an owned
// task table and is comparatively expensive, so it only happens on real
// strategy shifts, not when the model rephrases the same guidance.
const (
	weekMatchThreshold  = 0.70 // token overlap for one week to count as matching
	planChangeThreshold = 0.75 // fraction of matching weeks below which the plan changed
	minTokenLength      = 3    // tokens must be longer than this to count
)

// HasSignificantChange reports whether a freshly produced care plan differs
// enough from the baseline plan to warrant regenerating the daily task list.
func HasSignificantChange(oldPlan, newPlan []ai.CarePlanWeek) bool {
	if len(oldPlan) != len(newPlan) {
		return true
	}
	if len(oldPlan) == 0 {
		return false
	}

	matching := 0
	for i := range oldPlan {
		if weekOverlap(oldPlan[i].Preview, newPlan[i].Preview) >= weekMatchThreshold {
			matching++
		}
	}

	return float64(matching)/float64(len(oldPlan)) < planChangeThreshold
}

// weekOverlap computes the token overlap between two week previews:
// matched tokens over the larger token set. Weeks with no meaningful tokens
// on either side count as fully matching.
func weekOverlap(oldPreview, newPreview string) float64 {
	oldTokens := tokenize(oldPreview)
	newTokens := tokenize(newPreview)

	if len(oldTokens) == 0 && len(newTokens) == 0 {
		return 1
	}

	matched := 0
	for token := range oldTokens {
		if newTokens[token] {
			matched++
		}
	}

	denom := max(len(oldTokens), len(newTokens), 1)
	return float64(matched) / float64(denom)
}

// tokenize lower-cases and splits a preview into its meaningful words.
func tokenize(preview string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(strings.TrimSpace(preview))) {
		if len(word) > minTokenLength {
			tokens[word] = true
		}
	}
	return tokens
}
