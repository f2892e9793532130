package uploads

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
)

// ChunkRemover deletes all chunks of a session, tolerating missing ones
type ChunkRemover interface {
	RemoveSession(uploadID string) error
}

// Reaper expires sessions that passed their expiry without completing and
// deletes their chunks. Running it twice is the same as running it once.
type Reaper struct {
	registry *Registry
	chunks   ChunkRemover
	notifier Notifier
	log      *zap.Logger
}

type ReaperOption func(*Reaper)

func WithReaperLogger(log *zap.Logger) ReaperOption {
	return func(r *Reaper) {
		r.log = log
	}
}

func WithReaperNotifier(n Notifier) ReaperOption {
	return func(r *Reaper) {
		r.notifier = n
	}
}

func NewReaper(registry *Registry, chunks ChunkRemover, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		registry: registry,
		chunks:   chunks,
		notifier: noopNotifier{},
		log:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Reap returns the number of sessions moved to expired. The error aggregates
// per-session failures and is meant for logging only, a failing session never
// stops the sweep.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	sessions, err := r.registry.Expired(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	var (
		count int
		errs  error
	)

	for i := range sessions {
		if err := ctx.Err(); err != nil {
			return count, multierr.Append(errs, err)
		}

		ok, err := r.reapOne(ctx, &sessions[i])
		if ok {
			count++
		}

		if err != nil {
			r.log.Error("failed to reap upload session",
				zap.String("upload_id", sessions[i].UploadID),
				zap.Error(err),
			)

			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sessions[i].UploadID, err))
		}
	}

	if count > 0 || errs != nil {
		r.log.Info("reaped expired upload sessions",
			zap.Int("selected", len(sessions)),
			zap.Int("expired", count),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}

	return count, errs
}

// reapOne reports whether the session was moved to expired. The status
// changes before the chunks are removed: a chunk stored concurrently is then
// either rejected by MarkChunk and dropped by the receiver, or removed here.
// A failed removal is retried by the next sweep since expired sessions stay
// selected.
func (r *Reaper) reapOne(ctx context.Context, session *models.UploadSession) (bool, error) {
	transitioned := false

	if session.Status != models.UploadStatusExpired {
		err := r.registry.Transition(ctx, session.UploadID, models.ReapableStatuses(), models.UploadStatusExpired)

		switch {
		case errors.Is(err, models.ErrStatusConflict):
			// completed, or expired by a concurrent sweep
			return false, nil
		case err != nil:
			return false, fmt.Errorf("mark expired: %w", err)
		}

		transitioned = true

		if err := r.notifier.Notify(ctx, Event{
			Type:     EventUploadExpired,
			UploadID: session.UploadID,
			Progress: session.Progress(),
			At:       r.registry.Now(),
		}); err != nil {
			r.log.Warn("failed to publish upload event", zap.Error(err))
		}
	}

	if err := r.chunks.RemoveSession(session.UploadID); err != nil {
		return transitioned, fmt.Errorf("remove chunks: %w", err)
	}

	return transitioned, nil
}
