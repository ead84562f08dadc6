package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	defaultAnthropicModel    = "claude-3-5-sonnet-20241022"
	anthropicVersion         = "2023-06-01"
)

var anthropicModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-haiku-20240307",
}

type anthropicAdapter struct {
	cfg      Config
	endpoint string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func newAnthropic(cfg Config) *anthropicAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}
	return &anthropicAdapter{cfg: cfg, endpoint: endpoint}
}

func (a *anthropicAdapter) DefaultModel() string {
	if a.cfg.Model != "" {
		return a.cfg.Model
	}
	return defaultAnthropicModel
}

func (a *anthropicAdapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (a *anthropicAdapter) send(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	var out anthropicResponse
	if err := doJSON(ctx, a.cfg.HTTPClient, a.cfg.Kind, http.MethodPost, a.endpoint+"/v1/messages", a.headers(), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *anthropicAdapter) Generate(ctx context.Context, prompt string, data []DataPoint, p Params) (*Result, error) {
	modelID := pickModel(p, a.cfg, a.DefaultModel())
	start := time.Now()

	out, err := a.send(ctx, anthropicRequest{
		Model:       modelID,
		MaxTokens:   pickMaxTokens(p, a.cfg),
		Temperature: pickTemperature(p, a.cfg),
		Messages:    []anthropicMessage{{Role: "user", Content: BuildUserPrompt(prompt, data)}},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, &Failure{Provider: a.cfg.Kind, Status: http.StatusOK, Body: "response contained no content"}
	}

	used := out.Model
	if used == "" {
		used = modelID
	}
	res := &Result{
		Content:          out.Content[0].Text,
		Model:            used,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		Duration:         time.Since(start),
		Metadata: map[string]interface{}{
			"stop_reason": out.StopReason,
			"response_id": out.ID,
		},
	}
	res.Cost = Cost(used, res.PromptTokens, res.CompletionTokens)
	return res, nil
}

// ListModels returns the known catalog; the messages API needs no discovery
func (a *anthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	return append([]string(nil), anthropicModels...), nil
}

func (a *anthropicAdapter) TestConnection(ctx context.Context) TestResult {
	start := time.Now()
	_, err := a.send(ctx, anthropicRequest{
		Model:     a.DefaultModel(),
		MaxTokens: 5,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		return TestResult{OK: false, Message: err.Error(), Latency: time.Since(start)}
	}
	models, _ := a.ListModels(ctx)
	return TestResult{OK: true, Message: "connection successful", Models: models, Latency: time.Since(start)}
}

func (a *anthropicAdapter) EstimateCost(prompt string, data []DataPoint) float64 {
	return estimate(a.DefaultModel(), prompt, data, pickMaxTokens(Params{}, a.cfg))
}
