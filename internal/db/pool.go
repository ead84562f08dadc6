// Package db is the PostgreSQL implementation of the service store.
package db

import (
	"context"
	"errors"
	"fmt"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/retry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

type Pool struct {
	*pgxpool.Pool
	*Queries
	log *zap.Logger
}

// NewPool connects and pings the database. retrier may be nil, in which
// case locked transactions run once.
func NewPool(ctx context.Context, databaseURL string, maxConns int32, retrier *retry.Service, log *zap.Logger) (*Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{
		Pool:    pool,
		Queries: NewQueries(pool, retrier, log),
		log:     log,
	}, nil
}

func (p *Pool) Close() {
	p.Pool.Close()
}

// Queries implements service.Store over a connection pool
type Queries struct {
	*pgxpool.Pool
	retrier *retry.Service
	log     *zap.Logger
}

func NewQueries(pool *pgxpool.Pool, retrier *retry.Service, log *zap.Logger) *Queries {
	return &Queries{Pool: pool, retrier: retrier, log: log}
}

// inTx runs fn in a transaction. Lock conflicts and dropped connections
// are retried under the store policy.
func (q *Queries) inTx(ctx context.Context, name string, fn func(tx pgx.Tx) error) error {
	run := func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, q.Pool, fn)
	}
	if q.retrier == nil {
		return run(ctx)
	}
	return q.retrier.Do(ctx, retry.Options{
		Service: "database:" + name,
		Breaker: "database",
		Config:  retry.StoreConfig(),
	}, run)
}

// notFound maps pgx.ErrNoRows to the store's not-found error
func notFound(err error, resource string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// requireRow turns a zero-row write into a not-found error
func requireRow(tag pgconn.CommandTag, err error, resource string, id interface{}) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(resource, id)
	}
	return nil
}

// conditional reports whether a guarded write applied; zero rows means the
// row is missing or terminal
func (q *Queries) conditional(ctx context.Context, tag pgconn.CommandTag, err error, table, resource string, id interface{}) (bool, error) {
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := q.Pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, apperr.NotFound(resource, id)
	}
	return false, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInt64s(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

var terminalAnalysis = []string{
	string(model.AnalysisCompleted), string(model.AnalysisFailed), string(model.AnalysisCancelled),
}
