// Package processing takes finalized audio files through compression and
// transcription, either on asynq workers or in-process.
package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/media"
	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/transcribe"
	"github.com/gosom/meeting-transcriber/uploads"
)

// Mirror copies the original recording to long term storage
type Mirror interface {
	Mirror(ctx context.Context, key, localPath, contentType string) (string, error)
}

type Processor struct {
	files      models.AudioFileRepository
	compressor media.Compressor
	backend    transcribe.Backend
	mirror     Mirror
	notifier   uploads.Notifier
	log        *zap.Logger
}

type ProcessorOption func(*Processor)

// WithCompressor enables re-encoding before transcription
func WithCompressor(c media.Compressor) ProcessorOption {
	return func(p *Processor) {
		p.compressor = c
	}
}

func WithMirror(m Mirror) ProcessorOption {
	return func(p *Processor) {
		p.mirror = m
	}
}

func WithNotifier(n uploads.Notifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = n
	}
}

func WithLogger(log *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		p.log = log
	}
}

func NewProcessor(files models.AudioFileRepository, backend transcribe.Backend, opts ...ProcessorOption) *Processor {
	p := &Processor{
		files:   files,
		backend: backend,
		log:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process transcribes one audio file. Files already transcribed are skipped,
// so redelivered tasks are harmless.
func (p *Processor) Process(ctx context.Context, audioFileID string) error {
	file, err := p.files.Get(ctx, audioFileID)
	if err != nil {
		if errors.Is(err, models.ErrAudioFileNotFound) {
			p.log.Warn("audio file vanished before processing", zap.String("audio_file_id", audioFileID))
			return nil
		}

		return err
	}

	if file.Status == models.AudioFileStatusTranscribed {
		return nil
	}

	log := p.log.With(zap.String("audio_file_id", file.ID))

	if err := p.files.UpdateStatus(ctx, file.ID, models.AudioFileStatusProcessing, nil); err != nil {
		return err
	}

	if p.mirror != nil {
		loc, err := p.mirror.Mirror(ctx, file.Filename, file.Path, file.MimeType)
		if err != nil {
			log.Warn("failed to mirror audio file", zap.Error(err))
		} else {
			log.Info("audio file mirrored", zap.String("location", loc))
		}
	}

	start := time.Now()

	transcript, err := p.transcribe(ctx, file)
	if err != nil {
		return p.fail(ctx, file, err)
	}

	if err := p.files.SaveTranscript(ctx, file.ID, transcript.Text()); err != nil {
		return p.fail(ctx, file, err)
	}

	if err := p.files.UpdateStatus(ctx, file.ID, models.AudioFileStatusTranscribed, nil); err != nil {
		return err
	}

	log.Info("audio file transcribed",
		zap.Duration("took", time.Since(start)),
		zap.Int("segments", len(transcript.Segments)),
	)

	return nil
}

func (p *Processor) transcribe(ctx context.Context, file *models.AudioFile) (transcribe.Transcript, error) {
	path := file.Path

	if p.compressor != nil {
		compressed, err := p.compressor.Compress(ctx, file.Path, media.Speech)
		if err != nil {
			return transcribe.Transcript{}, fmt.Errorf("compress: %w", err)
		}

		defer func() { _ = os.Remove(compressed) }()

		path = compressed
	}

	t, err := p.backend.Transcribe(ctx, path)
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("transcribe: %w", err)
	}

	return t, nil
}

func (p *Processor) fail(ctx context.Context, file *models.AudioFile, cause error) error {
	msg := cause.Error()

	if err := p.files.UpdateStatus(ctx, file.ID, models.AudioFileStatusFailed, &msg); err != nil {
		p.log.Error("failed to record processing failure", zap.String("audio_file_id", file.ID), zap.Error(err))
	}

	if p.notifier != nil {
		ev := uploads.Event{Type: uploads.EventProcessingFailed, AudioFileID: file.ID, At: time.Now().UTC()}
		if err := p.notifier.Notify(ctx, ev); err != nil {
			p.log.Warn("failed to publish processing failure", zap.Error(err))
		}
	}

	return cause
}
