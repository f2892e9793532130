package uploads

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gosom/meeting-transcriber/models"
)

type CreateParams struct {
	Filename         string
	OriginalFilename string
	FileSize         int64
	MimeType         string
	TotalChunks      int
	TTL              time.Duration
}

// Registry is the authoritative record of upload sessions. All completion
// state lives here, the chunk store only holds bytes.
type Registry struct {
	repo  models.UploadSessionRepository
	clock Clock
}

func NewRegistry(repo models.UploadSessionRepository, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}

	return &Registry{
		repo:  repo,
		clock: clock,
	}
}

func (r *Registry) Create(ctx context.Context, params CreateParams) (*models.UploadSession, error) {
	if params.FileSize < 1 {
		return nil, newValidationError("fileSize", "must be at least 1 byte")
	}

	if params.TotalChunks < 1 {
		return nil, newValidationError("totalChunks", "must be at least 1")
	}

	if params.TTL <= 0 {
		return nil, newValidationError("ttl", "must be positive")
	}

	now := r.clock.Now()

	session := models.UploadSession{
		UploadID:         uuid.NewString(),
		Filename:         params.Filename,
		OriginalFilename: params.OriginalFilename,
		FileSize:         params.FileSize,
		MimeType:         params.MimeType,
		TotalChunks:      params.TotalChunks,
		Chunks:           []int{},
		Status:           models.UploadStatusInitialized,
		ExpiresAt:        now.Add(params.TTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := r.repo.Create(ctx, &session); err != nil {
		return nil, &StorageError{Op: "create session", Err: err}
	}

	return &session, nil
}

func (r *Registry) Find(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	session, err := r.repo.Get(ctx, uploadID)
	if err != nil {
		return nil, mapRepoError(err, "load session")
	}

	return session, nil
}

// FindActive is Find restricted to sessions that have not reached their
// expiry, whatever their status.
func (r *Registry) FindActive(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	session, err := r.Find(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if session.IsExpired(r.clock.Now()) {
		return nil, ErrNotFound
	}

	return session, nil
}

// MarkChunkComplete records index as received. Marking an index twice is a no-op.
func (r *Registry) MarkChunkComplete(ctx context.Context, uploadID string, index int) (*models.UploadSession, error) {
	session, err := r.repo.MarkChunk(ctx, uploadID, index)
	if err != nil {
		return nil, mapRepoError(err, "mark chunk")
	}

	return session, nil
}

// Transition moves the session to status `to` if it currently is in one of from
func (r *Registry) Transition(ctx context.Context, uploadID string, from []models.UploadStatus, to models.UploadStatus) error {
	return r.repo.TransitionStatus(ctx, uploadID, from, to)
}

// Expired lists sessions that are past expiry and still need reaping
func (r *Registry) Expired(ctx context.Context, limit int) ([]models.UploadSession, error) {
	return r.repo.SelectExpired(ctx, r.clock.Now(), limit)
}

func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

func IsComplete(session *models.UploadSession) bool {
	return session.IsComplete()
}

func ProgressPercentage(session *models.UploadSession) float64 {
	return session.Progress()
}

func mapRepoError(err error, op string) error {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return ErrNotFound
	case errors.Is(err, models.ErrSessionTerminal):
		return ErrSessionTerminal
	case errors.Is(err, models.ErrChunkIndexOutOfRange):
		return ErrInvalidChunkIndex
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &StorageError{Op: op, Err: err}
	}
}
