package provider

import (
	"strconv"
	"strings"
	"time"
)

// LocalTimeLayout renders measurement timestamps in prompts
const LocalTimeLayout = "Monday, January 02, 2006 at 03:04 PM"

// SystemMessage is the system role sent to chat-style APIs
const SystemMessage = "You are a careful assistant that analyzes personal health measurements. You do not diagnose."

// FormatLocalTime renders t in loc using LocalTimeLayout
func FormatLocalTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LocalTimeLayout)
}

// FormatData renders one block per data point joined by "\n---\n"
func FormatData(data []DataPoint) string {
	blocks := make([]string, 0, len(data))
	for _, d := range data {
		var b strings.Builder
		b.WriteString("Date: " + d.LocalTime + "\n")
		b.WriteString("Type: " + d.Metric + "\n")
		b.WriteString("Value: " + formatNumber(d.Value))
		if d.Unit != "" {
			b.WriteString(" " + d.Unit)
		}
		if d.Systolic != nil && d.Diastolic != nil {
			b.WriteString("\nBlood Pressure: " + formatNumber(*d.Systolic) + "/" + formatNumber(*d.Diastolic))
		}
		if d.Note != "" {
			b.WriteString("\nNotes: " + d.Note)
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n---\n")
}

// BuildUserPrompt appends the data section, or asks for a contextual answer when there is none
func BuildUserPrompt(prompt string, data []DataPoint) string {
	if len(data) == 0 {
		return prompt + "\n\nNo health measurements were provided. Answer based on the context above."
	}
	return prompt + "\n\nPlease analyze the following health data:\n\n" + FormatData(data)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
