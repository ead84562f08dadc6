package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SelectorAuto picks the best enabled provider of the user
const SelectorAuto = "auto"

var fallbackOrder = []model.ProviderKind{model.ProviderOpenAI, model.ProviderAnthropic, model.ProviderGoogle}

type ProviderService struct {
	d Deps
}

func NewProviderService(d Deps) *ProviderService {
	d.defaults()
	return &ProviderService{d: d}
}

type CreateProviderInput struct {
	Name         string             `json:"name" validate:"required,max=100"`
	Kind         model.ProviderKind `json:"kind" validate:"required"`
	Endpoint     string             `json:"endpoint,omitempty" validate:"omitempty,url"`
	APIKey       string             `json:"apiKey,omitempty"`
	DefaultModel string             `json:"defaultModel,omitempty"`
	Temperature  float64            `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens    int                `json:"maxTokens,omitempty" validate:"gte=0,lte=200000"`
	Enabled      *bool              `json:"enabled,omitempty"`
	Priority     int                `json:"priority,omitempty"`
}

type UpdateProviderInput struct {
	Name         *string  `json:"name,omitempty" validate:"omitempty,max=100"`
	Endpoint     *string  `json:"endpoint,omitempty"`
	APIKey       *string  `json:"apiKey,omitempty"`
	DefaultModel *string  `json:"defaultModel,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"maxTokens,omitempty" validate:"omitempty,gte=0,lte=200000"`
	Enabled      *bool    `json:"enabled,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
}

func validateEndpoint(kind model.ProviderKind, endpoint string) error {
	if endpoint == "" {
		if kind == model.ProviderCustom {
			return apperr.Validation("endpoint", "custom providers require an endpoint")
		}
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return apperr.Validation("endpoint", "endpoint must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
	}
	return apperr.Validation("endpoint", "endpoint must use https")
}

func (s *ProviderService) Create(ctx context.Context, userID string, in CreateProviderInput) (*model.ProviderConfig, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("name", "name is required")
	}
	if !in.Kind.Valid() {
		return nil, apperr.Validation("kind", fmt.Sprintf("unsupported provider kind %q", in.Kind))
	}
	if err := validateEndpoint(in.Kind, in.Endpoint); err != nil {
		return nil, err
	}
	if existing, err := s.d.Store.GetProviderByName(ctx, userID, in.Name); err == nil && existing != nil {
		return nil, apperr.Validation("name", "a provider with this name already exists")
	}

	secret, err := s.d.Vault.Encrypt(in.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := s.d.Now()
	p := &model.ProviderConfig{
		ID:              uuid.NewString(),
		UserID:          userID,
		Name:            in.Name,
		Kind:            in.Kind,
		Endpoint:        in.Endpoint,
		EncryptedSecret: secret,
		Models:          []string{},
		DefaultModel:    in.DefaultModel,
		Temperature:     in.Temperature,
		MaxTokens:       in.MaxTokens,
		Enabled:         in.Enabled == nil || *in.Enabled,
		Priority:        in.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.d.Store.CreateProvider(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	s.d.Log.Info("Provider created",
		zap.String("provider_id", p.ID),
		zap.String("user_id", userID),
		zap.String("kind", string(p.Kind)),
	)
	return p, nil
}

// Get returns the provider if userID owns it
func (s *ProviderService) Get(ctx context.Context, userID, id string) (*model.ProviderConfig, error) {
	p, err := s.d.Store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.NotFound("provider", id)
	}
	return p, nil
}

func (s *ProviderService) List(ctx context.Context, userID string) ([]*model.ProviderConfig, error) {
	return s.d.Store.ListProviders(ctx, userID)
}

func (s *ProviderService) Update(ctx context.Context, userID, id string, in UpdateProviderInput) (*model.ProviderConfig, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.Validation("name", "name is required")
		}
		p.Name = *in.Name
	}
	if in.Endpoint != nil {
		if err := validateEndpoint(p.Kind, *in.Endpoint); err != nil {
			return nil, err
		}
		p.Endpoint = *in.Endpoint
	}
	if in.APIKey != nil {
		secret, err := s.d.Vault.Encrypt(*in.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
		p.EncryptedSecret = secret
	}
	if in.DefaultModel != nil {
		p.DefaultModel = *in.DefaultModel
	}
	if in.Temperature != nil {
		p.Temperature = *in.Temperature
	}
	if in.MaxTokens != nil {
		p.MaxTokens = *in.MaxTokens
	}
	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}
	if in.Priority != nil {
		p.Priority = *in.Priority
	}
	p.UpdatedAt = s.d.Now()

	if err := s.d.Store.UpdateProvider(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update provider: %w", err)
	}
	return p, nil
}

func (s *ProviderService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.d.Store.DeleteProvider(ctx, id)
}

// Test runs a connection check and refreshes the stored model list on success
func (s *ProviderService) Test(ctx context.Context, userID, id string) (*provider.TestResult, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	adapter, err := s.Adapter(p)
	if err != nil {
		return nil, err
	}

	res := adapter.TestConnection(ctx)
	if res.OK && len(res.Models) > 0 {
		p.Models = res.Models
		p.UpdatedAt = s.d.Now()
		if err := s.d.Store.UpdateProvider(ctx, p); err != nil {
			s.d.Log.Warn("Failed to refresh provider models", zap.String("provider_id", p.ID), zap.Error(err))
		}
	}
	return &res, nil
}

// Adapter decrypts the credential of p and builds its client
func (s *ProviderService) Adapter(p *model.ProviderConfig) (provider.Adapter, error) {
	key := s.d.Vault.Decrypt(p.EncryptedSecret)
	if key == "" && p.Kind != model.ProviderCustom {
		return nil, apperr.Configuration("credential_unusable",
			"provider credential is missing or could not be decrypted, configure it again").
			WithDetail("provider_id", p.ID)
	}
	adapter, err := s.d.Adapters(provider.Config{
		Kind:        p.Kind,
		APIKey:      key,
		Endpoint:    p.Endpoint,
		Model:       p.DefaultModel,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Timeout:     s.d.Settings.ProviderTimeout,
	})
	if err != nil {
		return nil, apperr.Configuration("provider_misconfigured", err.Error())
	}
	return adapter, nil
}

// Resolve maps a selector (id, name or "auto") to a provider of userID.
// It returns nil when nothing can serve the user; the analysis then fails
// at execution time.
func (s *ProviderService) Resolve(ctx context.Context, userID, selector string) (*model.ProviderConfig, error) {
	selector = strings.TrimSpace(selector)

	if selector != "" && selector != SelectorAuto {
		if _, err := uuid.Parse(selector); err == nil {
			p, err := s.d.Store.GetProvider(ctx, selector)
			if err == nil && p.UserID == userID {
				return p, nil
			}
			if err != nil && !apperr.Is(err, apperr.KindNotFound) {
				return nil, err
			}
		}
		p, err := s.d.Store.GetProviderByName(ctx, userID, selector)
		if err == nil {
			return p, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		s.d.Log.Debug("Provider selector unresolved, selecting automatically",
			zap.String("user_id", userID),
			zap.String("selector", selector),
		)
	}

	return s.selectBest(ctx, userID)
}

func (s *ProviderService) selectBest(ctx context.Context, userID string) (*model.ProviderConfig, error) {
	all, err := s.d.Store.ListProviders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	enabled := make([]*model.ProviderConfig, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	if len(enabled) > 0 {
		sort.SliceStable(enabled, func(i, j int) bool {
			a, b := enabled[i], enabled[j]
			if a.HasSecret() != b.HasSecret() {
				return a.HasSecret()
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreatedAt.After(b.CreatedAt)
		})
		return enabled[0], nil
	}

	return s.provisionFallback(ctx, userID)
}

// provisionFallback persists a provider built from process-level credentials
func (s *ProviderService) provisionFallback(ctx context.Context, userID string) (*model.ProviderConfig, error) {
	if !s.d.Settings.AutoProvision {
		return nil, nil
	}
	for _, kind := range fallbackOrder {
		key := s.d.Settings.FallbackKeys[kind]
		if key == "" {
			continue
		}
		secret, err := s.d.Vault.Encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt fallback credential: %w", err)
		}
		now := s.d.Now()
		p := &model.ProviderConfig{
			ID:              uuid.NewString(),
			UserID:          userID,
			Name:            "Default " + string(kind),
			Kind:            kind,
			EncryptedSecret: secret,
			Models:          []string{},
			Enabled:         true,
			Priority:        100,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.d.Store.CreateProvider(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to provision fallback provider: %w", err)
		}
		s.d.Log.Info("Provisioned provider from fallback credentials",
			zap.String("user_id", userID),
			zap.String("provider_id", p.ID),
			zap.String("kind", string(kind)),
		)
		return p, nil
	}
	return nil, nil
}
