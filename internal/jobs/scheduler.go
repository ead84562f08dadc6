package jobs

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// CleanupSpec prunes old schedule executions daily at 03:00 UTC
const CleanupSpec = "0 3 * * *"

// TickSpec is the cron spec of the schedule tick for interval
func TickSpec(interval time.Duration) string {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return "@every " + interval.String()
}

// Scheduler enqueues the periodic schedule tasks. Run one per deployment.
type Scheduler struct {
	scheduler *asynq.Scheduler
	tick      string
	log       *zap.Logger
}

func NewScheduler(redisOpt asynq.RedisConnOpt, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	s := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: log.Sugar(),
	})

	tick := TickSpec(interval)
	if _, err := s.Register(tick, asynq.NewTask(TypeScheduleTick, nil), asynq.Queue(QueueDefault), asynq.MaxRetry(0)); err != nil {
		return nil, fmt.Errorf("failed to register schedule tick: %w", err)
	}
	if _, err := s.Register(CleanupSpec, asynq.NewTask(TypeScheduleCleanup, nil), asynq.Queue(QueueLow)); err != nil {
		return nil, fmt.Errorf("failed to register schedule cleanup: %w", err)
	}

	return &Scheduler{scheduler: s, tick: tick, log: log}, nil
}

// Run blocks until the process receives a termination signal
func (s *Scheduler) Run() error {
	s.log.Info("Scheduler started", zap.String("tick", s.tick), zap.String("cleanup", CleanupSpec))
	return s.scheduler.Run()
}

func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
