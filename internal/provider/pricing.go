package provider

import "strings"

// rate is USD per 1k tokens
type rate struct {
	input  float64
	output float64
}

// Longest matching prefix wins.
var rates = map[string]rate{
	"gpt-3.5-turbo":     {0.0005, 0.0015},
	"gpt-4":             {0.03, 0.06},
	"gpt-4-turbo":       {0.01, 0.03},
	"gpt-4o":            {0.005, 0.015},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"claude-3-haiku":    {0.00025, 0.00125},
	"claude-3-5-haiku":  {0.0008, 0.004},
	"claude-3-sonnet":   {0.003, 0.015},
	"claude-3-5-sonnet": {0.003, 0.015},
	"claude-3-opus":     {0.015, 0.075},
	"gemini-1.5-flash":  {0.000075, 0.0003},
	"gemini-1.5-pro":    {0.00125, 0.005},
	"gemini-2.0-flash":  {0.0001, 0.0004},
}

func lookupRate(modelID string) (rate, bool) {
	modelID = strings.ToLower(modelID)
	best := ""
	for prefix := range rates {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return rate{}, false
	}
	return rates[best], true
}

// Cost prices a call; unknown models cost zero
func Cost(modelID string, promptTokens, completionTokens int) float64 {
	r, ok := lookupRate(modelID)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*r.input + float64(completionTokens)/1000*r.output
}

// EstimateTokens approximates tokens as one per four characters
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func estimate(modelID, prompt string, data []DataPoint, maxTokens int) float64 {
	return Cost(modelID, EstimateTokens(BuildUserPrompt(prompt, data)), maxTokens)
}
