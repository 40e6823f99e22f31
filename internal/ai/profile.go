package ai

import (
	"sort"
	"strings"
)

// profileFields is the render order for known intake answer keys. Unknown
// keys are appended alphabetically after these.
var profileFields = []string{
	"ethnicity",
	"age",
	"gender",
	"skin_type",
	"skin_sensitivity",
	"concerns",
	"goals",
	"sun_exposure",
	"climate",
	"medical_conditions",
	"hormonal_factors",
}

// ProfileSummary renders intake answers into the free-text profile block fed
// to the analysis model. Keys are snake_case answer identifiers; each line is
// "Title Case Label: value". Absent or blank answers are skipped entirely.
func ProfileSummary(answers map[string]string) string {
	if len(answers) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(answers))
	var lines []string

	appendLine := func(key string) {
		value := strings.TrimSpace(answers[key])
		if value == "" {
			return
		}
		lines = append(lines, FormatLabel(key)+": "+value)
		seen[key] = true
	}

	for _, key := range profileFields {
		appendLine(key)
	}

	var extras []string
	for key := range answers {
		if !seen[key] {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		appendLine(key)
	}

	return strings.Join(lines, "\n")
}

// FormatLabel turns a snake_case answer key into a Title Case label,
// e.g. "sun_exposure" becomes "Sun Exposure".
func FormatLabel(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
