package main

import (
	"errors"

	"healthai/internal/jobs"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Enqueue periodic schedule ticks and execution cleanup",
	Long: `Runs the periodic task scheduler. Run exactly one per deployment; the
tasks it enqueues are processed by worker processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()
		if !cfg.RedisEnabled() {
			return errors.New("scheduler requires REDIS_ADDR")
		}

		s, err := jobs.NewScheduler(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, cfg.SchedulerInterval, log)
		if err != nil {
			return err
		}
		return s.Run()
	},
}
