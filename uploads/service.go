// Package uploads implements resumable chunked uploads: session registry,
// chunk receipt, finalization into an audio file and reaping of expired sessions.
package uploads

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/chunkstore"
	"github.com/gosom/meeting-transcriber/models"
)

// Dispatcher hands a finalized audio file to downstream processing.
// Implementations must not block on the processing itself.
type Dispatcher interface {
	TriggerProcessing(ctx context.Context, audioFileID string) error
}

type EventType string

const (
	EventChunkReceived    EventType = "chunk_received"
	EventUploadCompleted  EventType = "upload_completed"
	EventUploadCancelled  EventType = "upload_cancelled"
	EventUploadExpired    EventType = "upload_expired"
	EventProcessingFailed EventType = "processing_failed"
)

type Event struct {
	Type        EventType `json:"type"`
	UploadID    string    `json:"uploadId,omitempty"`
	AudioFileID string    `json:"audioFileId,omitempty"`
	Progress    float64   `json:"progress"`
	At          time.Time `json:"at"`
}

// Notifier publishes upload lifecycle events. Delivery failures never fail an upload.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type noopDispatcher struct{}

func (noopDispatcher) TriggerProcessing(context.Context, string) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) error { return nil }

type Service struct {
	registry   *Registry
	store      *chunkstore.Store
	files      models.AudioFileRepository
	audioDir   string
	limits     Limits
	clock      Clock
	dispatcher Dispatcher
	notifier   Notifier
	log        *zap.Logger
}

type ServiceOption func(*Service)

func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) {
		s.dispatcher = d
	}
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

func WithClock(c Clock) ServiceOption {
	return func(s *Service) {
		s.clock = c
	}
}

func WithLimits(l Limits) ServiceOption {
	return func(s *Service) {
		s.limits = l
	}
}

// NewService wires the pipeline. audioDir is the permanent storage root for
// finalized files.
func NewService(
	sessions models.UploadSessionRepository,
	files models.AudioFileRepository,
	store *chunkstore.Store,
	audioDir string,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		store:      store,
		files:      files,
		audioDir:   audioDir,
		limits:     DefaultLimits(),
		clock:      SystemClock{},
		dispatcher: noopDispatcher{},
		notifier:   noopNotifier{},
		log:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewRegistry(sessions, s.clock)

	return s
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) Limits() Limits {
	return s.limits
}

type InitializeParams struct {
	Filename    string
	FileSize    int64
	TotalChunks int
	MimeType    string
}

// ValidateInitialize checks params against the limits without opening a
// session.
func (s *Service) ValidateInitialize(params InitializeParams) error {
	_, err := s.validateInitialize(params)
	return err
}

func (s *Service) validateInitialize(params InitializeParams) (string, error) {
	name := strings.TrimSpace(filepath.Base(filepath.Clean("/" + params.Filename)))
	if params.Filename == "" || name == "" || name == "/" || name == "." {
		return "", newValidationError("filename", "is required")
	}

	if !s.limits.AllowsMimeType(params.MimeType) {
		return "", newValidationError("mimeType", "unsupported mime type %q", params.MimeType)
	}

	if params.FileSize > s.limits.MaxFileSize {
		return "", newValidationError("fileSize", "exceeds maximum of %d bytes", s.limits.MaxFileSize)
	}

	if params.TotalChunks > s.limits.MaxChunks {
		return "", newValidationError("totalChunks", "exceeds maximum of %d chunks", s.limits.MaxChunks)
	}

	if params.FileSize >= 1 && int64(params.TotalChunks) > params.FileSize {
		return "", newValidationError("totalChunks", "more chunks than bytes")
	}

	return name, nil
}

// Initialize opens a new session. The returned plan carries the chunk size
// the server recommends for a file of this size.
func (s *Service) Initialize(ctx context.Context, params InitializeParams) (*models.UploadSession, ChunkPlan, error) {
	name, err := s.validateInitialize(params)
	if err != nil {
		return nil, ChunkPlan{}, err
	}

	plan, err := PlanChunks(params.FileSize, s.limits)
	if err != nil {
		return nil, ChunkPlan{}, err
	}

	session, err := s.registry.Create(ctx, CreateParams{
		Filename:         uuid.NewString() + strings.ToLower(filepath.Ext(name)),
		OriginalFilename: name,
		FileSize:         params.FileSize,
		MimeType:         params.MimeType,
		TotalChunks:      params.TotalChunks,
		TTL:              s.limits.SessionTTL,
	})
	if err != nil {
		return nil, ChunkPlan{}, err
	}

	s.log.Info("upload session initialized",
		zap.String("upload_id", session.UploadID),
		zap.Int64("file_size", session.FileSize),
		zap.Int("total_chunks", session.TotalChunks),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session, plan, nil
}

// Snapshot is the client-visible state of a session
type Snapshot struct {
	Session       *models.UploadSession
	Progress      float64
	IsExpired     bool
	IsComplete    bool
	MissingChunks []int
}

func (s *Service) Status(ctx context.Context, uploadID string) (Snapshot, error) {
	session, err := s.registry.Find(ctx, uploadID)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Session:       session,
		Progress:      session.Progress(),
		IsExpired:     session.IsExpired(s.clock.Now()),
		IsComplete:    session.IsComplete(),
		MissingChunks: session.MissingChunks(),
	}, nil
}

// Cancel stops the session and removes its chunks. Cancelling twice succeeds.
func (s *Service) Cancel(ctx context.Context, uploadID string) error {
	session, err := s.registry.Find(ctx, uploadID)
	if err != nil {
		return err
	}

	switch session.Status {
	case models.UploadStatusCompleted:
		return ErrSessionTerminal
	case models.UploadStatusExpired:
		return ErrNotFound
	case models.UploadStatusCancelled:
	default:
		err := s.registry.Transition(ctx, uploadID, models.NonTerminalStatuses(), models.UploadStatusCancelled)
		if errors.Is(err, models.ErrStatusConflict) {
			// lost a race with finalize or the reaper, report what won
			return s.Cancel(ctx, uploadID)
		}

		if err != nil {
			return mapRepoError(err, "cancel session")
		}

		s.log.Info("upload session cancelled", zap.String("upload_id", uploadID))
		s.notify(ctx, Event{Type: EventUploadCancelled, UploadID: uploadID, Progress: session.Progress()})
	}

	if err := s.store.RemoveSession(uploadID); err != nil {
		s.log.Error("failed to remove chunks of cancelled session", zap.String("upload_id", uploadID), zap.Error(err))

		return &StorageError{Op: "remove chunks", Err: err}
	}

	return nil
}

func (s *Service) notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}

	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("failed to publish upload event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
