package redis

import (
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/redis/config"
)

// Server wraps asynq server functionality
type Server struct {
	server *asynq.Server
	cfg    *config.RedisConfig
	log    *zap.Logger
	mu     sync.Mutex
}

// NewServer creates a new task server. Failed tasks are retried with an
// exponential delay capped at cfg.RetryInterval.
func NewServer(cfg *config.RedisConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	log = log.Named("asynq")

	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.Workers,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := retryDelay(n, cfg.RetryInterval)

				log.Warn("task failed, retry scheduled",
					zap.String("type", task.Type()),
					zap.Int("attempt", n),
					zap.Duration("delay", delay),
					zap.Error(err),
				)

				return delay
			},
			Queues:          cfg.QueuePriorities,
			StrictPriority:  true,
			Logger:          log.Sugar(),
			ShutdownTimeout: 30 * time.Second,
		},
	)

	return &Server{
		server: srv,
		cfg:    cfg,
		log:    log,
	}
}

func retryDelay(n int, ceiling time.Duration) time.Duration {
	delay := time.Duration(1<<uint(min(n, 20))) * time.Second
	if delay > ceiling {
		delay = ceiling
	}

	return delay
}

// Start begins processing in background goroutines
func (s *Server) Start(mux *asynq.ServeMux) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown waits for active tasks up to the shutdown timeout
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()
}
