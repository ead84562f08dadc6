package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"healthai/internal/api"
	"healthai/internal/auth"
	"healthai/internal/jobs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveWorker    bool
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, optionally with an embedded worker and scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorker, "worker", true, "process queued analyses in this process")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "enqueue periodic schedule ticks from this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.close()

	a.hub.SetAuthorizer(api.ChannelAuthorizer(a.services.Analyses))
	go a.hub.Run(ctx)

	if a.rdb != nil {
		go func() {
			if err := a.bus.Forward(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Event forwarding stopped", zap.Error(err))
			}
		}()

		if serveWorker {
			jobServer, _ := jobs.NewJobServer(a.redisOpt(), cfg.WorkerConcurrency,
				a.services.Analyses, a.services.Schedules, a.services.Workflows, log)
			if err := jobServer.Start(); err != nil {
				log.Error("Job server failed", zap.Error(err))
				return err
			}
			defer jobServer.Stop()
		}

		if serveScheduler {
			scheduler, err := jobs.NewScheduler(a.redisOpt(), cfg.SchedulerInterval, log)
			if err != nil {
				return err
			}
			if err := scheduler.Start(); err != nil {
				return err
			}
			defer scheduler.Shutdown()
		}
	} else if serveScheduler {
		go runLocalScheduler(ctx, a, cfg.SchedulerInterval)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Timeout everything except WebSocket upgrades
	r.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			timeout.ServeHTTP(w, req)
		})
	})

	r.Mount("/", api.Routes(api.Dependencies{
		Services:    a.services,
		Breakers:    a.breakers,
		Hub:         a.hub,
		JWT:         auth.NewJWTConfig(cfg.SecretKey, cfg.DevAuth),
		Metrics:     a.metrics,
		Gatherer:    a.registry,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", cfg.Addr), zap.Bool("redis", a.rdb != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("Server failed", zap.Error(err))
		return err
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server stopped")
	return nil
}

// runLocalScheduler drives schedules from a ticker when no Redis-backed
// scheduler is available. Execution cleanup runs once a day.
func runLocalScheduler(ctx context.Context, a *app, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	a.log.Info("Local scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n, err := a.services.Schedules.Tick(ctx); err != nil {
				a.log.Error("Schedule tick failed", zap.Error(err))
			} else if n > 0 {
				a.log.Info("Schedules fired", zap.Int("count", n))
			}
		case <-cleanup.C:
			if _, err := a.services.Schedules.Cleanup(ctx); err != nil {
				a.log.Error("Schedule cleanup failed", zap.Error(err))
			}
		}
	}
}
