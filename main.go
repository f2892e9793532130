package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/logging"
	"github.com/gosom/meeting-transcriber/runner"
	"github.com/gosom/meeting-transcriber/runner/reaprunner"
	"github.com/gosom/meeting-transcriber/runner/uploadrunner"
	"github.com/gosom/meeting-transcriber/runner/webrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	cfg := runner.ParseConfig()
	runner.Banner(os.Stderr, cfg)

	log := logging.Must(cfg.Debug)
	defer func() { _ = log.Sync() }()

	cfg.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	runnerInstance, err := runnerFactory(cfg)
	if err != nil {
		stop()
		log.Error("failed to start", zap.Error(err))

		os.Exit(1)
	}

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run failed", zap.Error(err))

		_ = runnerInstance.Close(ctx)

		stop()

		os.Exit(1)
	}

	stop()

	if err := runnerInstance.Close(context.Background()); err != nil {
		log.Warn("close failed", zap.Error(err))
	}
}

func runnerFactory(cfg *runner.Config) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWeb:
		return webrunner.New(cfg)
	case runner.RunModeReap:
		return reaprunner.New(cfg)
	case runner.RunModeUpload:
		return uploadrunner.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
