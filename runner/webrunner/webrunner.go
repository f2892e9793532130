// Package webrunner serves the chunked upload API and runs the background
// work around it: processing of finalized files and expiry of stale sessions.
package webrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gosom/meeting-transcriber/chunkstore"
	"github.com/gosom/meeting-transcriber/media"
	"github.com/gosom/meeting-transcriber/notify"
	"github.com/gosom/meeting-transcriber/processing"
	"github.com/gosom/meeting-transcriber/redis"
	redisconfig "github.com/gosom/meeting-transcriber/redis/config"
	"github.com/gosom/meeting-transcriber/redis/tasks"
	"github.com/gosom/meeting-transcriber/runner"
	"github.com/gosom/meeting-transcriber/s3uploader"
	"github.com/gosom/meeting-transcriber/transcribe"
	"github.com/gosom/meeting-transcriber/uploads"
	"github.com/gosom/meeting-transcriber/web"
	"github.com/gosom/meeting-transcriber/web/handlers"
)

const processingTimeout = 30 * time.Minute

type webrunner struct {
	cfg     *runner.Config
	log     *zap.Logger
	backend *runner.Backend
	srv     *web.Server
	reaper  *uploads.Reaper

	// set when REDIS_URL or REDIS_HOST is present
	rcfg      *redisconfig.RedisConfig
	rdb       *goredis.Client
	queue     *redis.Client
	worker    *redis.Server
	scheduler *redis.Scheduler
	handler   *tasks.Handler

	inline *processing.InlineDispatcher
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.DataFolder == "" {
		return nil, fmt.Errorf("data folder is required")
	}

	if err := os.MkdirAll(cfg.DataFolder, os.ModePerm); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	w := &webrunner{cfg: cfg, log: log}

	if err := w.setup(ctx); err != nil {
		_ = w.Close(ctx)
		return nil, err
	}

	return w, nil
}

func (w *webrunner) setup(ctx context.Context) error {
	backend, err := runner.OpenBackend(ctx, w.cfg, w.log)
	if err != nil {
		return err
	}

	w.backend = backend

	limits, err := backend.Settings.LoadLimits(ctx)
	if err != nil {
		return err
	}

	store, err := chunkstore.New(filepath.Join(w.cfg.DataFolder, "chunks"))
	if err != nil {
		return err
	}

	var notifier uploads.Notifier

	if redisconfig.Configured() {
		if err := w.setupRedis(ctx); err != nil {
			return err
		}

		notifier = notify.NewRedisNotifier(w.rdb, notify.DefaultChannel)
	}

	processor, err := w.newProcessor(ctx, notifier)
	if err != nil {
		return err
	}

	opts := []uploads.ServiceOption{
		uploads.WithLimits(limits),
		uploads.WithLogger(w.log.Named("uploads")),
	}

	if notifier != nil {
		opts = append(opts, uploads.WithNotifier(notifier))
	}

	switch {
	case processor == nil:
		w.log.Info("transcription disabled, finalized files stay uploaded")
	case w.queue != nil:
		opts = append(opts, uploads.WithDispatcher(
			processing.NewAsynqDispatcher(w.queue, w.rcfg.MaxRetries, processingTimeout),
		))
	default:
		w.inline = processing.NewInlineDispatcher(processor, processingTimeout, w.log.Named("processing"))
		opts = append(opts, uploads.WithDispatcher(w.inline))
	}

	svc := uploads.NewService(backend.Sessions, backend.Files, store, filepath.Join(w.cfg.DataFolder, "audio"), opts...)

	reaperOpts := []uploads.ReaperOption{uploads.WithReaperLogger(w.log.Named("reaper"))}
	if notifier != nil {
		reaperOpts = append(reaperOpts, uploads.WithReaperNotifier(notifier))
	}

	w.reaper = uploads.NewReaper(svc.Registry(), store, reaperOpts...)

	if w.queue != nil {
		handlerOpts := []tasks.HandlerOption{
			tasks.WithReaper(w.reaper),
			tasks.WithLogger(w.log.Named("tasks")),
			tasks.WithTaskTimeout(processingTimeout),
		}

		if processor != nil {
			handlerOpts = append(handlerOpts, tasks.WithProcessor(processor))
		}

		w.handler = tasks.NewHandler(handlerOpts...)
	}

	deps := handlers.Dependencies{
		Logger:     w.log.Named("http"),
		Uploads:    svc,
		DataFolder: w.cfg.DataFolder,
	}

	// a nil *sql.DB must not become a non nil Pinger
	if backend.DB != nil {
		deps.DB = backend.DB
	}

	w.srv = web.New(web.Config{
		Addr:           w.cfg.Addr,
		AllowedOrigins: w.cfg.AllowedOrigins,
		Logger:         w.log,
		Deps:           deps,
	})

	return nil
}

func (w *webrunner) setupRedis(ctx context.Context) error {
	rcfg, err := redisconfig.NewRedisConfig()
	if err != nil {
		return err
	}

	w.rcfg = rcfg

	if err := redis.Ping(ctx, rcfg); err != nil {
		return err
	}

	w.queue, err = redis.NewClient(ctx, rcfg)
	if err != nil {
		return err
	}

	w.rdb = redis.NewUniversalClient(rcfg)
	w.worker = redis.NewServer(rcfg, w.log)
	w.scheduler = redis.NewScheduler(rcfg, w.log)

	w.log.Info("using redis for background work", zap.String("addr", rcfg.GetRedisAddr()))

	return nil
}

// newProcessor returns nil when no transcription backend is configured
func (w *webrunner) newProcessor(ctx context.Context, notifier uploads.Notifier) (*processing.Processor, error) {
	if w.cfg.OpenAIKey == "" {
		return nil, nil
	}

	backend, err := transcribe.NewOpenAIBackend(transcribe.OpenAIConfig{
		APIKey:     w.cfg.OpenAIKey,
		Model:      w.cfg.OpenAIModel,
		BaseURL:    w.cfg.OpenAIURL,
		MaxRetries: 3,
		Logger:     w.log.Named("openai"),
	})
	if err != nil {
		return nil, err
	}

	opts := []processing.ProcessorOption{processing.WithLogger(w.log.Named("processing"))}

	if notifier != nil {
		opts = append(opts, processing.WithNotifier(notifier))
	}

	if binary, err := exec.LookPath(w.cfg.FFmpegBinary); err == nil {
		tmpDir := filepath.Join(w.cfg.DataFolder, "tmp")
		if err := os.MkdirAll(tmpDir, os.ModePerm); err != nil {
			return nil, err
		}

		opts = append(opts, processing.WithCompressor(media.NewFFmpegCompressor(binary, tmpDir)))
	} else {
		w.log.Warn("ffmpeg not found, audio is transcribed uncompressed", zap.String("binary", w.cfg.FFmpegBinary))
	}

	if w.cfg.S3Enabled() {
		mirror, err := s3uploader.New(ctx, s3uploader.Config{
			AccessKey: w.cfg.AwsAccessKey,
			SecretKey: w.cfg.AwsSecretKey,
			Region:    w.cfg.AwsRegion,
			Bucket:    w.cfg.S3Bucket,
			Prefix:    w.cfg.S3Prefix,
			Endpoint:  w.cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}

		opts = append(opts, processing.WithMirror(mirror))
	}

	return processing.NewProcessor(w.backend.Files, backend, opts...), nil
}

func (w *webrunner) Run(ctx context.Context) error {
	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.srv.Start(ctx)
	})

	if w.worker != nil {
		if err := w.scheduler.Register(w.rcfg.ReapSchedule, tasks.NewReapTask()); err != nil {
			return err
		}

		if err := w.worker.Start(w.handler.Mux()); err != nil {
			return err
		}

		if err := w.scheduler.Start(); err != nil {
			w.worker.Shutdown()
			return err
		}

		egroup.Go(func() error {
			<-ctx.Done()

			w.scheduler.Shutdown()
			w.worker.Shutdown()

			return nil
		})
	} else if w.cfg.ReapInterval > 0 {
		egroup.Go(func() error {
			return w.reapLoop(ctx)
		})
	}

	return egroup.Wait()
}

func (w *webrunner) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.reaper.Reap(ctx)

			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				w.log.Warn("upload sweep finished with errors", zap.Int("expired", n), zap.Error(err))
			case n > 0:
				w.log.Info("upload sweep finished", zap.Int("expired", n))
			}
		}
	}
}

func (w *webrunner) Close(context.Context) error {
	if w.inline != nil {
		w.inline.Wait()
	}

	var err error

	if w.queue != nil {
		err = multierr.Append(err, w.queue.Close())
	}

	if w.rdb != nil {
		err = multierr.Append(err, w.rdb.Close())
	}

	if w.backend != nil {
		err = multierr.Append(err, w.backend.Close())
	}

	return err
}
