package db

import (
	"context"

	"healthai/internal/model"
)

func (q *Queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := q.Pool.QueryRow(ctx,
		"SELECT id, timezone, context_profile FROM users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Timezone, &u.ContextProfile)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

func (q *Queries) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO users (id, timezone, context_profile) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET timezone = EXCLUDED.timezone, context_profile = EXCLUDED.context_profile`,
		u.ID, u.Timezone, u.ContextProfile,
	)
	return err
}
