package db

import (
	"context"

	"healthai/internal/apperr"
	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const providerColumns = `id, user_id, name, kind, endpoint, encrypted_secret, models, default_model,
	temperature, max_tokens, enabled, priority, created_at, updated_at`

func scanProvider(row pgx.Row) (*model.ProviderConfig, error) {
	var p model.ProviderConfig
	err := row.Scan(
		&p.ID, &p.UserID, &p.Name, &p.Kind, &p.Endpoint, &p.EncryptedSecret, &p.Models, &p.DefaultModel,
		&p.Temperature, &p.MaxTokens, &p.Enabled, &p.Priority, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *Queries) CreateProvider(ctx context.Context, p *model.ProviderConfig) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO ai_providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.UserID, p.Name, p.Kind, p.Endpoint, p.EncryptedSecret, nonNilStrings(p.Models), p.DefaultModel,
		p.Temperature, p.MaxTokens, p.Enabled, p.Priority, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Validation("name", "a provider with this name already exists")
	}
	return err
}

func (q *Queries) GetProvider(ctx context.Context, id string) (*model.ProviderConfig, error) {
	p, err := scanProvider(q.Pool.QueryRow(ctx,
		"SELECT "+providerColumns+" FROM ai_providers WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "provider", id)
	}
	return p, nil
}

func (q *Queries) GetProviderByName(ctx context.Context, userID, name string) (*model.ProviderConfig, error) {
	p, err := scanProvider(q.Pool.QueryRow(ctx,
		"SELECT "+providerColumns+" FROM ai_providers WHERE user_id = $1 AND name = $2", userID, name))
	if err != nil {
		return nil, notFound(err, "provider", name)
	}
	return p, nil
}

// ListProviders returns the user's providers by priority, newest first on ties
func (q *Queries) ListProviders(ctx context.Context, userID string) ([]*model.ProviderConfig, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+providerColumns+" FROM ai_providers WHERE user_id = $1 ORDER BY priority DESC, created_at DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := []*model.ProviderConfig{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (q *Queries) UpdateProvider(ctx context.Context, p *model.ProviderConfig) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE ai_providers SET name = $2, kind = $3, endpoint = $4, encrypted_secret = $5, models = $6,
			default_model = $7, temperature = $8, max_tokens = $9, enabled = $10, priority = $11, updated_at = $12
		WHERE id = $1`,
		p.ID, p.Name, p.Kind, p.Endpoint, p.EncryptedSecret, nonNilStrings(p.Models),
		p.DefaultModel, p.Temperature, p.MaxTokens, p.Enabled, p.Priority, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Validation("name", "a provider with this name already exists")
	}
	return requireRow(tag, err, "provider", p.ID)
}

// DeleteProvider removes the provider; analyses keep their provider name
// and lose the reference through ON DELETE SET NULL
func (q *Queries) DeleteProvider(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM ai_providers WHERE id = $1", id)
	return requireRow(tag, err, "provider", id)
}
