package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	defaultGoogleEndpoint = "https://generativelanguage.googleapis.com"
	defaultGoogleModel    = "gemini-1.5-flash"

	truncatedNote = "\n\n[Note: this response was cut short because it reached the maximum length.]"
	filteredNote  = "\n\n[Note: part of this response was withheld by the provider's safety filters.]"
)

type googleAdapter struct {
	cfg      Config
	endpoint string
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents         []googleContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type googleModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

func newGoogle(cfg Config) *googleAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultGoogleEndpoint
	}
	return &googleAdapter{cfg: cfg, endpoint: endpoint}
}

func (a *googleAdapter) DefaultModel() string {
	if a.cfg.Model != "" {
		return a.cfg.Model
	}
	return defaultGoogleModel
}

func (a *googleAdapter) Generate(ctx context.Context, prompt string, data []DataPoint, p Params) (*Result, error) {
	modelID := pickModel(p, a.cfg, a.DefaultModel())
	start := time.Now()

	var req googleRequest
	req.Contents = []googleContent{{Parts: []googlePart{{Text: BuildUserPrompt(prompt, data)}}}}
	req.GenerationConfig.Temperature = pickTemperature(p, a.cfg)
	req.GenerationConfig.MaxOutputTokens = pickMaxTokens(p, a.cfg)

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		a.endpoint, url.PathEscape(modelID), url.QueryEscape(a.cfg.APIKey))

	var out googleResponse
	if err := doJSON(ctx, a.cfg.HTTPClient, a.cfg.Kind, http.MethodPost, endpoint, nil, req, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		body := "response contained no candidates"
		if out.PromptFeedback.BlockReason != "" {
			body = "prompt blocked: " + out.PromptFeedback.BlockReason
		}
		return nil, &Failure{Provider: a.cfg.Kind, Status: http.StatusOK, Body: body}
	}

	cand := out.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	content := text.String()
	switch cand.FinishReason {
	case "MAX_TOKENS":
		content += truncatedNote
	case "SAFETY":
		content += filteredNote
	}

	res := &Result{
		Content:          content,
		Model:            modelID,
		PromptTokens:     out.UsageMetadata.PromptTokenCount,
		CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      out.UsageMetadata.TotalTokenCount,
		Duration:         time.Since(start),
		Metadata:         map[string]interface{}{"finish_reason": cand.FinishReason},
	}
	res.Cost = Cost(modelID, res.PromptTokens, res.CompletionTokens)
	return res, nil
}

func (a *googleAdapter) ListModels(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s", a.endpoint, url.QueryEscape(a.cfg.APIKey))
	var out googleModelList
	if err := doJSON(ctx, a.cfg.HTTPClient, a.cfg.Kind, http.MethodGet, endpoint, nil, nil, &out); err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range out.Models {
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *googleAdapter) TestConnection(ctx context.Context) TestResult {
	start := time.Now()
	models, err := a.ListModels(ctx)
	if err != nil {
		return TestResult{OK: false, Message: err.Error(), Latency: time.Since(start)}
	}
	return TestResult{OK: true, Message: "connection successful", Models: models, Latency: time.Since(start)}
}

func (a *googleAdapter) EstimateCost(prompt string, data []DataPoint) float64 {
	return estimate(a.DefaultModel(), prompt, data, pickMaxTokens(Params{}, a.cfg))
}
