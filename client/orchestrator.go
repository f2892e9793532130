package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/uploads"
)

var (
	ErrCancelled    = errors.New("upload cancelled")
	ErrNotResumable = errors.New("upload session cannot be resumed")
)

// Progress is reported after every accepted chunk
type Progress struct {
	UploadID       string
	ChunkIndex     int
	UploadedChunks int
	TotalChunks    int
	Percent        float64
}

// UploadInput describes the local file. Reader is read in disjoint ranges.
type UploadInput struct {
	Reader   io.ReaderAt
	Size     int64
	Filename string
	MimeType string
}

type Config struct {
	BaseURL      string
	Limits       uploads.Limits
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
	// HTTPClient overrides the client built from Limits.MaxRetries
	HTTPClient *retryablehttp.Client

	OnProgress func(Progress)
	OnComplete func(models.AudioFileResponse)
}

// Orchestrator drives one upload at a time: initialize, send every chunk in
// order, then finalize. Each request is retried independently.
type Orchestrator struct {
	api        *api
	limits     uploads.Limits
	log        *zap.Logger
	onProgress func(Progress)
	onComplete func(models.AudioFileResponse)

	cancelled atomic.Bool
	uploadID  atomic.Value
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}

	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewRetryableClient(cfg.Limits.MaxRetries, cfg.RetryWaitMin, cfg.RetryWaitMax, cfg.Logger)
	}

	o := &Orchestrator{
		api:        &api{http: httpClient, baseURL: cfg.BaseURL},
		limits:     cfg.Limits,
		log:        cfg.Logger,
		onProgress: cfg.OnProgress,
		onComplete: cfg.OnComplete,
	}

	o.uploadID.Store("")

	return o, nil
}

// Cancel stops the running upload before its next chunk. The server session
// is cancelled as well.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// UploadID returns the server session of the running or last upload
func (o *Orchestrator) UploadID() string {
	v, _ := o.uploadID.Load().(string)
	return v
}

func (o *Orchestrator) Upload(ctx context.Context, in UploadInput) (models.AudioFileResponse, error) {
	o.cancelled.Store(false)

	plan, err := uploads.PlanChunks(in.Size, o.limits)
	if err != nil {
		return models.AudioFileResponse{}, err
	}

	session, err := o.api.initialize(ctx, models.InitializeUploadRequest{
		Filename:    in.Filename,
		FileSize:    in.Size,
		TotalChunks: plan.TotalChunks,
		MimeType:    in.MimeType,
	})
	if err != nil {
		return models.AudioFileResponse{}, fmt.Errorf("initialize upload: %w", err)
	}

	o.uploadID.Store(session.UploadID)

	o.log.Info("upload initialized",
		zap.String("upload_id", session.UploadID),
		zap.Int("total_chunks", plan.TotalChunks),
		zap.Int64("chunk_size", plan.ChunkSize),
	)

	indices := make([]int, plan.TotalChunks)
	for i := range indices {
		indices[i] = i
	}

	return o.run(ctx, session.UploadID, plan, indices, in)
}

// Resume continues an interrupted upload, sending only the chunks the server
// reports as missing.
func (o *Orchestrator) Resume(ctx context.Context, uploadID string, in UploadInput) (models.AudioFileResponse, error) {
	o.cancelled.Store(false)
	o.uploadID.Store(uploadID)

	st, err := o.api.status(ctx, uploadID)
	if err != nil {
		return models.AudioFileResponse{}, fmt.Errorf("query upload status: %w", err)
	}

	if st.Status.IsTerminal() || st.IsExpired {
		return models.AudioFileResponse{}, fmt.Errorf("%w: status %s", ErrNotResumable, st.Status)
	}

	if st.FileSize != in.Size {
		return models.AudioFileResponse{}, fmt.Errorf("%w: session expects %d bytes, file has %d",
			ErrNotResumable, st.FileSize, in.Size)
	}

	plan, err := uploads.PlanChunks(in.Size, o.limits)
	if err != nil {
		return models.AudioFileResponse{}, err
	}

	if plan.TotalChunks != st.TotalChunks {
		return models.AudioFileResponse{}, fmt.Errorf("%w: session has %d chunks, local plan has %d",
			ErrNotResumable, st.TotalChunks, plan.TotalChunks)
	}

	o.log.Info("resuming upload",
		zap.String("upload_id", uploadID),
		zap.Int("missing_chunks", len(st.MissingChunks)),
	)

	return o.run(ctx, uploadID, plan, st.MissingChunks, in)
}

func (o *Orchestrator) run(ctx context.Context, uploadID string, plan uploads.ChunkPlan, indices []int, in UploadInput) (models.AudioFileResponse, error) {
	buf := make([]byte, plan.ChunkSize)

	for _, i := range indices {
		if o.cancelled.Load() {
			return models.AudioFileResponse{}, o.abort(ctx, uploadID)
		}

		if err := ctx.Err(); err != nil {
			return models.AudioFileResponse{}, err
		}

		offset, length := plan.Range(i, in.Size)

		n, err := in.Reader.ReadAt(buf[:length], offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
			return models.AudioFileResponse{}, fmt.Errorf("read chunk %d: %w", i, err)
		}

		ans, err := o.api.uploadChunk(ctx, uploadID, i, plan.TotalChunks, buf[:length])
		if err != nil {
			return models.AudioFileResponse{}, fmt.Errorf("upload chunk %d: %w", i, err)
		}

		o.log.Debug("chunk uploaded",
			zap.String("upload_id", uploadID),
			zap.Int("chunk", i),
			zap.Float64("progress", ans.Progress),
		)

		if o.onProgress != nil {
			o.onProgress(Progress{
				UploadID:       uploadID,
				ChunkIndex:     ans.ChunkIndex,
				UploadedChunks: ans.UploadedChunks,
				TotalChunks:    ans.TotalChunks,
				Percent:        ans.Progress,
			})
		}
	}

	if o.cancelled.Load() {
		return models.AudioFileResponse{}, o.abort(ctx, uploadID)
	}

	file, err := o.api.finalize(ctx, uploadID)
	if err != nil {
		return models.AudioFileResponse{}, fmt.Errorf("finalize upload: %w", err)
	}

	o.log.Info("upload finalized",
		zap.String("upload_id", uploadID),
		zap.String("audio_file_id", file.ID),
	)

	if o.onComplete != nil {
		o.onComplete(file)
	}

	return file, nil
}

func (o *Orchestrator) abort(ctx context.Context, uploadID string) error {
	if err := o.api.cancel(ctx, uploadID); err != nil {
		o.log.Warn("failed to cancel upload session",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)

		return errors.Join(ErrCancelled, err)
	}

	return ErrCancelled
}
