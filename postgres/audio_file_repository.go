package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gosom/meeting-transcriber/models"
)

type audioFileRepository struct {
	db *sql.DB
}

// NewAudioFileRepository creates a PostgreSQL implementation of models.AudioFileRepository
func NewAudioFileRepository(db *sql.DB) (models.AudioFileRepository, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &audioFileRepository{db: db}, nil
}

func (repo *audioFileRepository) Create(ctx context.Context, f *models.AudioFile) error {
	const q = `INSERT INTO audio_files (
			id, filename, original_filename, path, file_size, mime_type,
			status, transcript, error_message, upload_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	res, err := repo.db.ExecContext(ctx, q,
		f.ID, f.Filename, f.OriginalFilename, f.Path, f.FileSize, f.MimeType,
		f.Status, f.Transcript, f.ErrorMessage, f.UploadTime.UTC(), f.UpdatedAt.UTC(),
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

func (repo *audioFileRepository) Get(ctx context.Context, id string) (*models.AudioFile, error) {
	const q = `SELECT id, filename, original_filename, path, file_size, mime_type,
			status, transcript, error_message, upload_time, updated_at
		FROM audio_files WHERE id = $1`

	var (
		f      models.AudioFile
		errMsg sql.NullString
	)

	err := repo.db.QueryRowContext(ctx, q, id).Scan(
		&f.ID, &f.Filename, &f.OriginalFilename, &f.Path, &f.FileSize, &f.MimeType,
		&f.Status, &f.Transcript, &errMsg, &f.UploadTime, &f.UpdatedAt,
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

	f.UploadTime = f.UploadTime.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()

	return &f, nil
}

func (repo *audioFileRepository) UpdateStatus(ctx context.Context, id, status string, errorMessage *string) error {
	const q = `UPDATE audio_files SET status = $1, error_message = $2, updated_at = NOW() WHERE id = $3`

	return repo.execOne(ctx, q, status, errorMessage, id)
}

func (repo *audioFileRepository) SaveTranscript(ctx context.Context, id, transcript string) error {
	const q = `UPDATE audio_files SET transcript = $1, updated_at = NOW() WHERE id = $2`

	return repo.execOne(ctx, q, transcript, id)
}

func (repo *audioFileRepository) Delete(ctx context.Context, id string) error {
	return repo.execOne(ctx, `DELETE FROM audio_files WHERE id = $1`, id)
}

func (repo *audioFileRepository) execOne(ctx context.Context, q string, args ...any) error {
	res, err := repo.db.ExecContext(ctx, q, args...)
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
