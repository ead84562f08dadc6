package provider

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"healthai/internal/model"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// openAIAdapter serves both the OpenAI and Custom variants
type openAIAdapter struct {
	cfg    Config
	client *openai.Client
}

func newOpenAI(cfg Config) *openAIAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = endpoint
	oc.HTTPClient = cfg.HTTPClient
	return &openAIAdapter{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (a *openAIAdapter) DefaultModel() string {
	if a.cfg.Model != "" {
		return a.cfg.Model
	}
	if a.cfg.Kind == model.ProviderCustom {
		return "default"
	}
	return defaultOpenAIModel
}

func (a *openAIAdapter) Generate(ctx context.Context, prompt string, data []DataPoint, p Params) (*Result, error) {
	modelID := pickModel(p, a.cfg, a.DefaultModel())
	start := time.Now()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(prompt, data)},
		},
		Temperature: float32(pickTemperature(p, a.cfg)),
		MaxTokens:   pickMaxTokens(p, a.cfg),
	})
	if err != nil {
		return nil, a.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Failure{Provider: a.cfg.Kind, Status: 200, Body: "response contained no choices"}
	}

	used := resp.Model
	if used == "" {
		used = modelID
	}
	res := &Result{
		Content:          resp.Choices[0].Message.Content,
		Model:            used,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Duration:         time.Since(start),
		Metadata: map[string]interface{}{
			"finish_reason": string(resp.Choices[0].FinishReason),
			"response_id":   resp.ID,
		},
	}
	res.Cost = Cost(used, res.PromptTokens, res.CompletionTokens)
	return res, nil
}

func (a *openAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, a.wrap(err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if a.cfg.Kind == model.ProviderOpenAI && !strings.HasPrefix(m.ID, "gpt-") && !strings.HasPrefix(m.ID, "o") {
			continue
		}
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *openAIAdapter) TestConnection(ctx context.Context) TestResult {
	start := time.Now()
	models, err := a.ListModels(ctx)
	if err != nil {
		return TestResult{OK: false, Message: err.Error(), Latency: time.Since(start)}
	}
	return TestResult{OK: true, Message: "connection successful", Models: models, Latency: time.Since(start)}
}

func (a *openAIAdapter) EstimateCost(prompt string, data []DataPoint) float64 {
	return estimate(a.DefaultModel(), prompt, data, pickMaxTokens(Params{}, a.cfg))
}

func (a *openAIAdapter) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Failure{Provider: a.cfg.Kind, Status: apiErr.HTTPStatusCode, Body: excerpt(apiErr.Message), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Failure{Provider: a.cfg.Kind, Status: reqErr.HTTPStatusCode, Body: excerpt(reqErr.Error()), Err: err}
	}
	return &Failure{Provider: a.cfg.Kind, Err: err}
}
