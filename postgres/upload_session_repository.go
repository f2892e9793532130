package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gosom/meeting-transcriber/models"
)

type uploadSessionRepository struct {
	db *sql.DB
}

// NewUploadSessionRepository creates a PostgreSQL implementation of models.UploadSessionRepository
func NewUploadSessionRepository(db *sql.DB) (models.UploadSessionRepository, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &uploadSessionRepository{db: db}, nil
}

const sessionColumns = `id, upload_id, filename, original_filename, file_size, mime_type,
	total_chunks, uploaded_chunks, status, expires_at, created_at, updated_at`

func (repo *uploadSessionRepository) Create(ctx context.Context, s *models.UploadSession) error {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO upload_sessions (
			upload_id, filename, original_filename, file_size, mime_type,
			total_chunks, uploaded_chunks, status, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10)
		ON CONFLICT (upload_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, q,
		s.UploadID, s.Filename, s.OriginalFilename, s.FileSize, s.MimeType,
		s.TotalChunks, string(s.Status), s.ExpiresAt.UTC(), s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return models.ErrSessionAlreadyExists
	}

	for _, idx := range s.Chunks {
		if idx < 0 || idx >= s.TotalChunks {
			return models.ErrChunkIndexOutOfRange
		}

		if err := insertChunk(ctx, tx, s.UploadID, idx, s.UpdatedAt); err != nil {
			return err
		}
	}

	if err := recount(ctx, tx, s.UploadID, s.UpdatedAt); err != nil {
		return err
	}

	stored, err := getSession(ctx, tx, s.UploadID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	*s = *stored

	return nil
}

func (repo *uploadSessionRepository) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return getSession(ctx, repo.db, uploadID)
}

// MarkChunk locks the session row for the rest of the transaction, so
// concurrent marks on one session are serialized by the database.
func (repo *uploadSessionRepository) MarkChunk(ctx context.Context, uploadID string, index int) (*models.UploadSession, error) {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() { _ = tx.Rollback() }()

	var (
		status      string
		totalChunks int
	)

	err = tx.QueryRowContext(ctx,
		`SELECT status, total_chunks FROM upload_sessions WHERE upload_id = $1 FOR UPDATE`, uploadID,
	).Scan(&status, &totalChunks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to lock upload session: %w", err)
	}

	if models.UploadStatus(status).IsTerminal() {
		return nil, models.ErrSessionTerminal
	}

	if index < 0 || index >= totalChunks {
		return nil, models.ErrChunkIndexOutOfRange
	}

	now := time.Now().UTC()

	if err := insertChunk(ctx, tx, uploadID, index, now); err != nil {
		return nil, err
	}

	if err := recount(ctx, tx, uploadID, now); err != nil {
		return nil, err
	}

	ans, err := getSession(ctx, tx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return ans, nil
}

func (repo *uploadSessionRepository) TransitionStatus(ctx context.Context, uploadID string, from []models.UploadStatus, to models.UploadStatus) error {
	if len(from) == 0 {
		return models.ErrStatusConflict
	}

	fromValues := make([]string, len(from))
	for i, st := range from {
		fromValues[i] = string(st)
	}

	const q = `UPDATE upload_sessions SET status = $1, updated_at = NOW()
		WHERE upload_id = $2 AND status = ANY($3)`

	res, err := repo.db.ExecContext(ctx, q, string(to), uploadID, fromValues)
	if err != nil {
		return fmt.Errorf("failed to update upload session status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 1 {
		return nil
	}

	var exists int

	err = repo.db.QueryRowContext(ctx, `SELECT 1 FROM upload_sessions WHERE upload_id = $1`, uploadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	} else if err != nil {
		return err
	}

	return models.ErrStatusConflict
}

func (repo *uploadSessionRepository) SelectExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE expires_at <= $1 AND status <> $2
		ORDER BY expires_at ASC`

	args := []any{now.UTC(), string(models.UploadStatusCompleted)}

	if limit > 0 {
		q += ` LIMIT $3`

		args = append(args, limit)
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	defer rows.Close()

	var ans []models.UploadSession

	for rows.Next() {
		s, err := rowToSession(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range ans {
		chunks, err := loadChunks(ctx, repo.db, ans[i].UploadID)
		if err != nil {
			return nil, err
		}

		ans[i].Chunks = chunks
	}

	return ans, nil
}

func getSession(ctx context.Context, q querier, uploadID string) (*models.UploadSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = $1`, uploadID)

	s, err := rowToSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	s.Chunks, err = loadChunks(ctx, q, uploadID)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func loadChunks(ctx context.Context, q querier, uploadID string) ([]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT chunk_index FROM upload_session_chunks WHERE upload_id = $1 ORDER BY chunk_index`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	defer rows.Close()

	ans := []int{}

	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}

		ans = append(ans, idx)
	}

	return ans, rows.Err()
}

func insertChunk(ctx context.Context, tx *sql.Tx, uploadID string, index int, now time.Time) error {
	const q = `INSERT INTO upload_session_chunks (upload_id, chunk_index, completed_at)
		VALUES ($1, $2, $3) ON CONFLICT (upload_id, chunk_index) DO NOTHING`

	if _, err := tx.ExecContext(ctx, q, uploadID, index, now.UTC()); err != nil {
		return fmt.Errorf("failed to mark chunk %d: %w", index, err)
	}

	return nil
}

func recount(ctx context.Context, tx *sql.Tx, uploadID string, now time.Time) error {
	const q = `UPDATE upload_sessions SET
			uploaded_chunks = c.n,
			status = CASE WHEN status = $2 AND c.n > 0 THEN $3 ELSE status END,
			updated_at = $4
		FROM (SELECT COUNT(*) AS n FROM upload_session_chunks WHERE upload_id = $1) c
		WHERE upload_id = $1`

	_, err := tx.ExecContext(ctx, q,
		uploadID,
		string(models.UploadStatusInitialized), string(models.UploadStatusUploading),
		now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	return nil
}

func rowToSession(row scannable) (*models.UploadSession, error) {
	var (
		s      models.UploadSession
		status string
	)

	err := row.Scan(
		&s.ID, &s.UploadID, &s.Filename, &s.OriginalFilename, &s.FileSize, &s.MimeType,
		&s.TotalChunks, &s.UploadedChunks, &status, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status, err = models.ParseUploadStatus(status)
	if err != nil {
		return nil, err
	}

	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	return &s, nil
}
