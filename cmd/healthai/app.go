package main

import (
	"context"
	"fmt"

	"healthai/internal/breaker"
	"healthai/internal/config"
	"healthai/internal/db"
	"healthai/internal/keyvault"
	"healthai/internal/memstore"
	"healthai/internal/metrics"
	"healthai/internal/notify"
	"healthai/internal/pubsub"
	"healthai/internal/retry"
	"healthai/internal/service"
	"healthai/internal/ws"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the collaborators shared by every long-running command
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	breakers *breaker.Registry
	pool     *db.Pool
	rdb      *redis.Client
	bus      *pubsub.Bus
	hub      *ws.Hub
	services *service.Services
	client   *asynq.Client
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.breakers = breaker.NewRegistry(breaker.DefaultConfig())
	a.breakers.OnStateChange(func(name string, from, to breaker.State) {
		log.Warn("Circuit breaker state changed",
			zap.String("service", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		a.metrics.BreakerChanged(name, to.String())
	})
	retrier := retry.New(log, a.breakers)

	vault, err := keyvault.New(cfg.SecretKey, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	var store service.Store
	if cfg.MemoryStore() {
		log.Warn("Using the in-memory store, data is lost on exit")
		store = memstore.New()
	} else {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, retrier, log)
		if err != nil {
			return nil, err
		}
		store = a.pool.Queries
	}

	if cfg.RedisEnabled() {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	a.bus = pubsub.New(a.rdb, log)
	a.hub = ws.NewHub(log)
	if a.rdb != nil {
		a.hub.SetReplayer(a.bus.Streams())
	} else {
		a.bus.SetHub(a.hub)
	}

	a.services = service.NewServices(service.Deps{
		Store:      store,
		Vault:      vault,
		Breakers:   a.breakers,
		Retry:      retrier,
		Bus:        a.bus,
		Dispatcher: notify.New(cfg.Notify(), a.bus, log),
		Metrics:    a.metrics,
		Log:        log,
		Settings:   cfg.Settings(),
	})

	if a.rdb != nil {
		a.client = asynq.NewClient(a.redisOpt())
		a.services.SetJobClient(service.NewAsynqJobClient(a.client, asynq.NewInspector(a.redisOpt())))
	} else {
		log.Info("Redis disabled, analyses run inline")
	}
	return a, nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.cfg.RedisAddr}
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
