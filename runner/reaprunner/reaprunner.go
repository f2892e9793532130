// Package reaprunner expires stale upload sessions once and exits. It is
// meant for cron style deployments without Redis.
package reaprunner

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/chunkstore"
	"github.com/gosom/meeting-transcriber/runner"
	"github.com/gosom/meeting-transcriber/uploads"
)

type reaprunner struct {
	log     *zap.Logger
	backend *runner.Backend
	reaper  *uploads.Reaper
}

func New(cfg *runner.Config) (runner.Runner, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Dsn == "memory" {
		return nil, fmt.Errorf("%w: nothing to reap in memory storage", runner.ErrInvalidRunMode)
	}

	backend, err := runner.OpenBackend(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := chunkstore.New(filepath.Join(cfg.DataFolder, "chunks"))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	registry := uploads.NewRegistry(backend.Sessions, uploads.SystemClock{})

	return &reaprunner{
		log:     log,
		backend: backend,
		reaper:  uploads.NewReaper(registry, store, uploads.WithReaperLogger(log.Named("reaper"))),
	}, nil
}

func (r *reaprunner) Run(ctx context.Context) error {
	n, err := r.reaper.Reap(ctx)
	if err != nil {
		return fmt.Errorf("expired %d sessions with errors: %w", n, err)
	}

	r.log.Info("upload sweep finished", zap.Int("expired", n))

	return nil
}

func (r *reaprunner) Close(context.Context) error {
	return r.backend.Close()
}
