package service

import (
	"fmt"
	"strings"
	"time"

	"healthai/internal/model"
)

var rubrics = map[model.AnalysisKind]string{
	model.KindTrends: "You are a health data trend analyst. Identify patterns and changes over time in the user's " +
		"measurements. Describe the direction, size and consistency of each change and call out notable periods.",
	model.KindInsights: "You are a health insights specialist. Explain what the user's measurements say about their " +
		"current health, relate metrics to each other and highlight what is going well and what deserves attention.",
	model.KindRecommendations: "You are a health advisor. Give practical, specific lifestyle recommendations grounded in " +
		"the user's measurements, ordered by expected impact. Suggest consulting a clinician where appropriate.",
	model.KindAnomalies: "You are a health monitoring specialist. Look for unusual readings, outliers and values outside " +
		"typical ranges. For each anomaly state the reading, why it is unusual and how urgent it looks.",
	model.KindCustom: "You are a helpful assistant for personal health data. Answer the user's request using their " +
		"measurements.",
}

const disclaimer = "This is not a medical diagnosis. Recommend professional care for concerning findings."

// customPromptMarkers switch the prompt into custom mode when the
// additional context starts with one of them
var customPromptMarkers = []string{"nutrition", "quick question"}

func isCustomPrompt(additional string) bool {
	lower := strings.ToLower(strings.TrimSpace(additional))
	for _, m := range customPromptMarkers {
		if strings.HasPrefix(lower, m) {
			return true
		}
	}
	return false
}

// BuildPrompt freezes the request prompt of an analysis. The timezone
// disclosure is appended by the worker.
func BuildPrompt(kind model.AnalysisKind, additional, contextProfile string) string {
	additional = strings.TrimSpace(additional)

	var b strings.Builder
	if isCustomPrompt(additional) {
		b.WriteString(additional)
	} else {
		rubric, ok := rubrics[kind]
		if !ok {
			rubric = rubrics[model.KindCustom]
		}
		b.WriteString(rubric)
		b.WriteString(" ")
		b.WriteString(disclaimer)
	}

	if p := strings.TrimSpace(contextProfile); p != "" {
		b.WriteString("\n\nAbout the user:\n")
		b.WriteString(p)
	}
	if additional != "" && !isCustomPrompt(additional) {
		b.WriteString("\n\nAdditional context from the user:\n")
		b.WriteString(additional)
	}
	return b.String()
}

func timezoneDisclosure(loc *time.Location) string {
	return fmt.Sprintf("\n\nAll timestamps are in the user's local timezone (%s) and are formatted as "+
		"\"Weekday, Month DD, YYYY at HH:MM AM/PM\".", loc.String())
}

func loadLocation(name, fallback string) *time.Location {
	for _, n := range []string{name, fallback} {
		if n == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}
