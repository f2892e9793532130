package uploads

import (
	"context"
	"errors"
	"io"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
)

type ReceiveParams struct {
	UploadID string
	Index    int
	// TotalChunks is the count the client believes in, 0 skips the check
	TotalChunks int
	Body        io.Reader
}

type ChunkReceipt struct {
	ChunkIndex     int
	UploadedChunks int
	TotalChunks    int
	Progress       float64
	IsComplete     bool
}

func receiptFor(session *models.UploadSession, index int) ChunkReceipt {
	return ChunkReceipt{
		ChunkIndex:     index,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
		Progress:       session.Progress(),
		IsComplete:     session.IsComplete(),
	}
}

// ReceiveChunk stores one chunk and marks it complete. Resending a chunk that
// was already recorded returns the current progress without touching storage.
func (s *Service) ReceiveChunk(ctx context.Context, params ReceiveParams) (ChunkReceipt, error) {
	session, err := s.registry.FindActive(ctx, params.UploadID)
	if err != nil {
		return ChunkReceipt{}, err
	}

	if session.HasChunk(params.Index) {
		s.log.Debug("duplicate chunk ignored",
			zap.String("upload_id", params.UploadID),
			zap.Int("chunk_index", params.Index),
		)

		return receiptFor(session, params.Index), nil
	}

	if params.TotalChunks > 0 && params.TotalChunks != session.TotalChunks {
		return ChunkReceipt{}, newValidationError("totalChunks", "session expects %d chunks, got %d", session.TotalChunks, params.TotalChunks)
	}

	if params.Index < 0 || params.Index >= session.TotalChunks {
		return ChunkReceipt{}, ErrInvalidChunkIndex
	}

	if session.IsTerminal() {
		return ChunkReceipt{}, ErrSessionTerminal
	}

	n, err := s.store.Put(ctx, params.UploadID, params.Index, params.Body)
	if err != nil {
		s.log.Error("failed to store chunk",
			zap.String("upload_id", params.UploadID),
			zap.Int("chunk_index", params.Index),
			zap.Error(err),
		)

		return ChunkReceipt{}, &StorageError{Op: "write chunk", Err: err}
	}

	session, err = s.registry.MarkChunkComplete(ctx, params.UploadID, params.Index)
	if err != nil {
		if errors.Is(err, ErrSessionTerminal) {
			// cancelled or reaped while the chunk was in flight
			if rerr := s.store.RemoveSession(params.UploadID); rerr != nil {
				s.log.Warn("failed to remove orphaned chunk", zap.String("upload_id", params.UploadID), zap.Error(rerr))
			}
		}

		return ChunkReceipt{}, err
	}

	receipt := receiptFor(session, params.Index)

	s.log.Info("chunk received",
		zap.String("upload_id", params.UploadID),
		zap.Int("chunk_index", params.Index),
		zap.String("size", units.HumanSize(float64(n))),
		zap.Float64("progress", receipt.Progress),
	)

	s.notify(ctx, Event{Type: EventChunkReceived, UploadID: params.UploadID, Progress: receipt.Progress})

	return receipt, nil
}
