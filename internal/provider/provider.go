// Package provider holds the uniform client contract for external LLM
// services and its OpenAI-compatible, Anthropic, Google and Custom variants.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"healthai/internal/model"
)

// NoKeySentinel is sent as the bearer token to custom endpoints without auth
const NoKeySentinel = "not-required"

const bodyExcerptLen = 500

// Config is everything an adapter needs; APIKey is already decrypted
type Config struct {
	Kind        model.ProviderKind
	APIKey      string
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Params overrides per-call tuning
type Params struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// DataPoint is a measurement with its timestamp already localized
type DataPoint struct {
	Metric    string
	Value     float64
	Systolic  *float64
	Diastolic *float64
	Unit      string
	LocalTime string
	Note      string
}

// Result of one generate call
type Result struct {
	Content          string                 `json:"content"`
	Model            string                 `json:"model"`
	PromptTokens     int                    `json:"promptTokens"`
	CompletionTokens int                    `json:"completionTokens"`
	TotalTokens      int                    `json:"totalTokens"`
	Duration         time.Duration          `json:"duration"`
	Cost             float64                `json:"cost"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// TokenUsage returns the usage dictionary persisted on the analysis
func (r *Result) TokenUsage() map[string]int {
	return map[string]int{
		"prompt_tokens":     r.PromptTokens,
		"completion_tokens": r.CompletionTokens,
		"total_tokens":      r.TotalTokens,
	}
}

// TestResult of a connection check
type TestResult struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	Models  []string      `json:"models,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Adapter is the uniform contract every provider variant implements
type Adapter interface {
	TestConnection(ctx context.Context) TestResult
	Generate(ctx context.Context, prompt string, data []DataPoint, p Params) (*Result, error)
	ListModels(ctx context.Context) ([]string, error)
	DefaultModel() string
	EstimateCost(prompt string, data []DataPoint) float64
}

// Factory builds an adapter from a config
type Factory func(cfg Config) (Adapter, error)

// New builds the adapter for cfg.Kind
func New(cfg Config) (Adapter, error) {
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	switch cfg.Kind {
	case model.ProviderOpenAI:
		return newOpenAI(cfg), nil
	case model.ProviderCustom:
		if cfg.Endpoint == "" {
			return nil, errors.New("custom provider requires an endpoint")
		}
		if cfg.APIKey == "" {
			cfg.APIKey = NoKeySentinel
		}
		return newOpenAI(cfg), nil
	case model.ProviderAnthropic:
		return newAnthropic(cfg), nil
	case model.ProviderGoogle:
		return newGoogle(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}

// Failure is a provider HTTP or transport error.
// Status is zero when no response was received.
type Failure struct {
	Provider model.ProviderKind
	Status   int
	Body     string
	Err      error
}

func (f *Failure) Error() string {
	if f.Status == 0 {
		return fmt.Sprintf("%s request failed: %v", f.Provider, f.Err)
	}
	if f.Body != "" {
		return fmt.Sprintf("%s returned HTTP %d: %s", f.Provider, f.Status, f.Body)
	}
	return fmt.Sprintf("%s returned HTTP %d", f.Provider, f.Status)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether retrying may help: transport errors,
// timeouts, 408, 429 and 5xx. Other statuses are permanent.
func (f *Failure) Transient() bool {
	if f.Status == 0 {
		return !errors.Is(f.Err, context.Canceled)
	}
	return f.Status == http.StatusRequestTimeout || f.Status == http.StatusTooManyRequests || f.Status >= 500
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= bodyExcerptLen {
		return body
	}
	cut := bodyExcerptLen
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

func pickModel(p Params, cfg Config, fallback string) string {
	if p.Model != "" {
		return p.Model
	}
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}

func pickTemperature(p Params, cfg Config) float64 {
	if p.Temperature != nil {
		return *p.Temperature
	}
	if cfg.Temperature > 0 {
		return cfg.Temperature
	}
	return 0.7
}

func pickMaxTokens(p Params, cfg Config) int {
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		return *p.MaxTokens
	}
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return 1000
}
