package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
)

// Finalize concatenates the chunks of a fully received session into the
// permanent audio file, records it and marks the session completed.
//
// Failures before the file is published leave the session untouched so the
// client can repair it (for example by re-uploading a chunk) and retry.
func (s *Service) Finalize(ctx context.Context, uploadID string) (*models.AudioFile, error) {
	session, err := s.registry.FindActive(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if session.IsTerminal() {
		return nil, ErrSessionTerminal
	}

	if !session.IsComplete() {
		return nil, &IncompleteUploadError{Received: session.UploadedChunks, Total: session.TotalChunks}
	}

	now := s.clock.Now()

	dest, err := s.assemble(session, now)
	if err != nil {
		s.log.Error("failed to assemble upload", zap.String("upload_id", uploadID), zap.Error(err))

		return nil, err
	}

	file := models.AudioFile{
		ID:               uuid.NewString(),
		Filename:         session.Filename,
		OriginalFilename: session.OriginalFilename,
		Path:             dest,
		FileSize:         session.FileSize,
		MimeType:         session.MimeType,
		Status:           models.AudioFileStatusUploaded,
		UploadTime:       now,
		UpdatedAt:        now,
	}

	if err := s.files.Create(ctx, &file); err != nil {
		_ = os.Remove(dest)

		return nil, &StorageError{Op: "create audio file", Err: err}
	}

	err = s.registry.Transition(ctx, uploadID, models.NonTerminalStatuses(), models.UploadStatusCompleted)
	if err != nil {
		return nil, s.abandonFinalize(ctx, uploadID, &file, err)
	}

	if err := s.store.RemoveSession(uploadID); err != nil {
		// the reaper never selects completed sessions, the chunks stay until
		// an operator removes them
		s.log.Warn("failed to remove chunks after finalize", zap.String("upload_id", uploadID), zap.Error(err))
	}

	s.log.Info("upload finalized",
		zap.String("upload_id", uploadID),
		zap.String("audio_file_id", file.ID),
		zap.Int64("file_size", file.FileSize),
	)

	if err := s.dispatcher.TriggerProcessing(ctx, file.ID); err != nil {
		s.log.Error("failed to trigger processing", zap.String("audio_file_id", file.ID), zap.Error(err))
	}

	s.notify(ctx, Event{Type: EventUploadCompleted, UploadID: uploadID, AudioFileID: file.ID, Progress: 100})

	return &file, nil
}

// abandonFinalize undoes the audio file record after the session could not be
// marked completed. The published file is kept only when a concurrent
// finalize of the same session won, since it wrote the same path.
func (s *Service) abandonFinalize(ctx context.Context, uploadID string, file *models.AudioFile, cause error) error {
	if err := s.files.Delete(ctx, file.ID); err != nil {
		s.log.Error("failed to delete abandoned audio file record", zap.String("audio_file_id", file.ID), zap.Error(err))
	}

	winner := models.UploadStatus("")

	if current, err := s.registry.Find(ctx, uploadID); err == nil {
		winner = current.Status
	}

	if winner != models.UploadStatusCompleted {
		_ = os.Remove(file.Path)
	}

	if errors.Is(cause, models.ErrStatusConflict) {
		s.log.Info("finalize lost to concurrent status change",
			zap.String("upload_id", uploadID),
			zap.String("status", string(winner)),
		)

		return ErrSessionTerminal
	}

	return &StorageError{Op: "complete session", Err: cause}
}

// countingWriter remembers write failures so they can be told apart from read
// failures of the chunk being copied
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	if err != nil {
		c.err = err
	}

	return n, err
}

// assemble writes chunks 0..TotalChunks-1 in order into a temp file next to the
// destination and renames it into place once the size matches.
func (s *Service) assemble(session *models.UploadSession, now time.Time) (string, error) {
	dir := filepath.Join(s.audioDir, now.Format("2006"), now.Format("01"))

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", &StorageError{Op: "create audio directory", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+session.Filename+".part-*")
	if err != nil {
		return "", &StorageError{Op: "create audio file", Err: err}
	}

	tmpName := tmp.Name()

	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", err
	}

	cw := &countingWriter{w: tmp}

	for index := 0; index < session.TotalChunks; index++ {
		if err := s.copyChunk(cw, session.UploadID, index); err != nil {
			return fail(err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fail(&IntegrityError{Kind: WriteFailed, Index: session.TotalChunks - 1, Err: err})
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return "", &IntegrityError{Kind: WriteFailed, Index: session.TotalChunks - 1, Err: err}
	}

	if cw.n != session.FileSize {
		_ = os.Remove(tmpName)

		return "", &IntegrityError{Kind: SizeMismatch, Expected: session.FileSize, Actual: cw.n}
	}

	dest := filepath.Join(dir, session.Filename)

	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)

		return "", &StorageError{Op: "publish audio file", Err: err}
	}

	return dest, nil
}

func (s *Service) copyChunk(cw *countingWriter, uploadID string, index int) error {
	rc, err := s.store.Open(uploadID, index)
	if err != nil {
		return &IntegrityError{Kind: ChunkMissing, Index: index, Err: err}
	}
	defer rc.Close()

	if _, err := io.Copy(cw, rc); err != nil {
		if cw.err != nil {
			return &IntegrityError{Kind: WriteFailed, Index: index, Err: err}
		}

		return &IntegrityError{Kind: ChunkMissing, Index: index, Err: fmt.Errorf("read chunk: %w", err)}
	}

	return nil
}
