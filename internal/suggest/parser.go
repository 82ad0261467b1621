// Package suggest builds generation prompts and parses the templated answer
// into a recommendation plus example replies.
package suggest

import (
	"regexp"
	"strings"

	"askbotgo/internal/models"
)

// Markers of the answer template. The persisted message format depends on
// these exact literals, so they are not configurable.
const (
	recommendationMarker = "РЕКОМЕНДАЦИЯ:"
	examplesMarker       = "ПРИМЕРЫ ОТВЕТОВ:"
	examplesBoundary     = "ПРИМЕРЫ"

	// noRecommendation is the model's placeholder for "nothing to say";
	// it counts as an absent recommendation.
	noRecommendation = "нет рекомендации"
)

var (
	recommendationRe = regexp.MustCompile(`(?s)РЕКОМЕНДАЦИЯ:\**\s*(.*?)\s*(?:\**ПРИМЕРЫ|$)`)
	exampleLineRe    = regexp.MustCompile(`(?m)^\s*\d+\.\s*(.+?)\s*$`)
)

// Parse extracts a structured suggestion from the raw model answer. An
// answer with neither recommendation nor examples yields an empty
// suggestion, which callers must suppress rather than deliver.
func Parse(raw string) models.Suggestion {
	var s models.Suggestion

	if m := recommendationRe.FindStringSubmatch(raw); m != nil {
		rec := strings.Trim(strings.TrimSpace(m[1]), "*")
		rec = strings.TrimSpace(rec)
		if !strings.EqualFold(rec, noRecommendation) {
			s.Recommendation = rec
		}
	}

	if idx := strings.Index(raw, examplesMarker); idx >= 0 {
		section := raw[idx+len(examplesMarker):]
		for _, m := range exampleLineRe.FindAllStringSubmatch(section, -1) {
			if text := strings.TrimSpace(m[1]); text != "" {
				s.Examples = append(s.Examples, text)
			}
		}
	}

	return s
}
