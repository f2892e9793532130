package redis

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/redis/config"
)

// Scheduler enqueues periodic tasks
type Scheduler struct {
	scheduler *asynq.Scheduler
	log       *zap.Logger
}

func NewScheduler(cfg *config.RedisConfig, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}

	log = log.Named("scheduler")

	s := asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   log.Sugar(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Error("failed to enqueue periodic task", zap.Error(err))
				return
			}

			log.Debug("periodic task enqueued", zap.String("type", info.Type), zap.String("id", info.ID))
		},
	})

	return &Scheduler{scheduler: s, log: log}
}

// Register adds a task on a cron spec or "@every <duration>"
func (s *Scheduler) Register(spec string, task *asynq.Task, opts ...asynq.Option) error {
	id, err := s.scheduler.Register(spec, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s on %q: %w", task.Type(), spec, err)
	}

	s.log.Info("registered periodic task",
		zap.String("type", task.Type()),
		zap.String("spec", spec),
		zap.String("entry_id", id),
	)

	return nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() error {
	return s.scheduler.Start()
}

func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
