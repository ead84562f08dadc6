package main

import (
	"errors"

	"healthai/internal/jobs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued analyses, schedule ticks and workflow steps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()
		if !cfg.RedisEnabled() {
			return errors.New("worker requires REDIS_ADDR")
		}
		if cfg.MemoryStore() {
			log.Warn("Worker uses its own in-memory store, it will not see API data")
		}

		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			log.Error("Failed to initialize", zap.Error(err))
			return err
		}
		defer a.close()

		jobServer, _ := jobs.NewJobServer(a.redisOpt(), cfg.WorkerConcurrency,
			a.services.Analyses, a.services.Schedules, a.services.Workflows, log)

		log.Info("Worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
		// Run blocks until SIGTERM or SIGINT
		return jobServer.Run()
	},
}
