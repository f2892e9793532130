package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gosom/meeting-transcriber/models"
)

type audioFileRepository struct {
	db *sql.DB
}

func NewAudioFileRepository(db *sql.DB) models.AudioFileRepository {
	return &audioFileRepository{db: db}
}

func (r *audioFileRepository) Create(ctx context.Context, f *models.AudioFile) error {
	const q = `INSERT INTO audio_files (
			id, filename, original_filename, path, file_size, mime_type,
			status, transcript, error_message, upload_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, q,
		f.ID, f.Filename, f.OriginalFilename, f.Path, f.FileSize, f.MimeType,
		f.Status, f.Transcript, f.ErrorMessage, toMicros(f.UploadTime), toMicros(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrAudioFileAlreadyExists
	}

	return nil
}

func (r *audioFileRepository) Get(ctx context.Context, id string) (*models.AudioFile, error) {
	const q = `SELECT id, filename, original_filename, path, file_size, mime_type,
			status, transcript, error_message, upload_time, updated_at
		FROM audio_files WHERE id = ?`

	var (
		f                     models.AudioFile
		errMsg                sql.NullString
		uploadTime, updatedAt int64
	)

	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&f.ID, &f.Filename, &f.OriginalFilename, &f.Path, &f.FileSize, &f.MimeType,
		&f.Status, &f.Transcript, &errMsg, &uploadTime, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrAudioFileNotFound
		}

		return nil, fmt.Errorf("failed to get audio file: %w", err)
	}

	if errMsg.Valid {
		f.ErrorMessage = &errMsg.String
	}

	f.UploadTime = fromMicros(uploadTime)
	f.UpdatedAt = fromMicros(updatedAt)

	return &f, nil
}

func (r *audioFileRepository) UpdateStatus(ctx context.Context, id, status string, errorMessage *string) error {
	const q = `UPDATE audio_files SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`

	return r.execOne(ctx, q, status, errorMessage, toMicros(time.Now().UTC()), id)
}

func (r *audioFileRepository) SaveTranscript(ctx context.Context, id, transcript string) error {
	const q = `UPDATE audio_files SET transcript = ?, updated_at = ? WHERE id = ?`

	return r.execOne(ctx, q, transcript, toMicros(time.Now().UTC()), id)
}

func (r *audioFileRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM audio_files WHERE id = ?`, id)
}

func (r *audioFileRepository) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrAudioFileNotFound
	}

	return nil
}
