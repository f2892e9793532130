// Package tasks holds the asynq task types and the handler executing them
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AudioProcessor turns an uploaded audio file into a transcript
type AudioProcessor interface {
	Process(ctx context.Context, audioFileID string) error
}

// UploadReaper sweeps expired upload sessions
type UploadReaper interface {
	Reap(ctx context.Context) (int, error)
}

// Handler implements asynq.Handler
type Handler struct {
	processor   AudioProcessor
	reaper      UploadReaper
	log         *zap.Logger
	taskTimeout time.Duration
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

func WithProcessor(p AudioProcessor) HandlerOption {
	return func(h *Handler) {
		h.processor = p
	}
}

func WithReaper(r UploadReaper) HandlerOption {
	return func(h *Handler) {
		h.reaper = r
	}
}

func WithLogger(log *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// WithTaskTimeout sets the timeout for task processing
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		log:         zap.NewNop(),
		taskTimeout: 30 * time.Minute,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Mux routes every known task type to h
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()

	for _, typ := range []string{TypeProcessAudio, TypeReapUploads, TypeHealthCheck, TypeConnectionTest} {
		mux.Handle(typ, h)
	}

	return mux
}

// ProcessTask processes a task based on its type
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeProcessAudio:
		return h.processAudio(ctx, task)
	case TypeReapUploads:
		return h.reap(ctx)
	case TypeHealthCheck, TypeConnectionTest:
		return nil
	default:
		return fmt.Errorf("unknown task type: %s: %w", task.Type(), asynq.SkipRetry)
	}
}

func (h *Handler) processAudio(ctx context.Context, task *asynq.Task) error {
	if h.processor == nil {
		return errors.New("no audio processor configured")
	}

	var payload ProcessAudioPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	if payload.AudioFileID == "" {
		return fmt.Errorf("audio file id is missing: %w", asynq.SkipRetry)
	}

	return h.processor.Process(ctx, payload.AudioFileID)
}

// reap never fails the task: a partial sweep is retried by the next schedule
func (h *Handler) reap(ctx context.Context) error {
	if h.reaper == nil {
		return errors.New("no upload reaper configured")
	}

	n, err := h.reaper.Reap(ctx)
	if err != nil {
		h.log.Warn("upload sweep finished with errors", zap.Int("expired", n), zap.Error(err))
		return nil
	}

	if n > 0 {
		h.log.Info("upload sweep finished", zap.Int("expired", n))
	}

	return nil
}
