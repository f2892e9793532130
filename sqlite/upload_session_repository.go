package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosom/meeting-transcriber/models"
)

type uploadSessionRepository struct {
	db *sql.DB
}

func NewUploadSessionRepository(db *sql.DB) models.UploadSessionRepository {
	return &uploadSessionRepository{db: db}
}

const sessionColumns = `id, upload_id, filename, original_filename, file_size, mime_type,
	total_chunks, uploaded_chunks, status, expires_at, created_at, updated_at`

func (r *uploadSessionRepository) Create(ctx context.Context, s *models.UploadSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO upload_sessions (
			upload_id, filename, original_filename, file_size, mime_type,
			total_chunks, uploaded_chunks, status, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (upload_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, q,
		s.UploadID, s.Filename, s.OriginalFilename, s.FileSize, s.MimeType,
		s.TotalChunks, string(s.Status),
		toMicros(s.ExpiresAt), toMicros(s.CreatedAt), toMicros(s.UpdatedAt),
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

func (r *uploadSessionRepository) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return getSession(ctx, r.db, uploadID)
}

// MarkChunk runs inside one transaction on the single pooled connection, so
// concurrent marks on the same session are applied one after the other.
func (r *uploadSessionRepository) MarkChunk(ctx context.Context, uploadID string, index int) (*models.UploadSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() { _ = tx.Rollback() }()

	var (
		status      string
		totalChunks int
	)

	err = tx.QueryRowContext(ctx,
		`SELECT status, total_chunks FROM upload_sessions WHERE upload_id = ?`, uploadID,
	).Scan(&status, &totalChunks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to load upload session: %w", err)
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

func (r *uploadSessionRepository) TransitionStatus(ctx context.Context, uploadID string, from []models.UploadStatus, to models.UploadStatus) error {
	if len(from) == 0 {
		return models.ErrStatusConflict
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	q := `UPDATE upload_sessions SET status = ?, updated_at = ?
		WHERE upload_id = ? AND status IN (` + placeholders + `)`

	args := []any{string(to), toMicros(time.Now().UTC()), uploadID}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := r.db.ExecContext(ctx, q, args...)
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

	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM upload_sessions WHERE upload_id = ?`, uploadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	} else if err != nil {
		return err
	}

	return models.ErrStatusConflict
}

func (r *uploadSessionRepository) SelectExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE expires_at <= ? AND status <> ?
		ORDER BY expires_at ASC`

	args := []any{toMicros(now), string(models.UploadStatusCompleted)}

	if limit > 0 {
		q += ` LIMIT ?`

		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	var ans []models.UploadSession

	for rows.Next() {
		s, err := rowToSession(rows)
		if err != nil {
			rows.Close()

			return nil, err
		}

		ans = append(ans, *s)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return nil, err
	}

	// the single connection must be released before loading chunk sets
	rows.Close()

	for i := range ans {
		chunks, err := loadChunks(ctx, r.db, ans[i].UploadID)
		if err != nil {
			return nil, err
		}

		ans[i].Chunks = chunks
	}

	return ans, nil
}

func getSession(ctx context.Context, q querier, uploadID string) (*models.UploadSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = ?`, uploadID)

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
		`SELECT chunk_index FROM upload_session_chunks WHERE upload_id = ? ORDER BY chunk_index`, uploadID)
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
		VALUES (?, ?, ?) ON CONFLICT (upload_id, chunk_index) DO NOTHING`

	if _, err := tx.ExecContext(ctx, q, uploadID, index, toMicros(now)); err != nil {
		return fmt.Errorf("failed to mark chunk %d: %w", index, err)
	}

	return nil
}

// recount derives uploaded_chunks from the chunk table and promotes
// initialized sessions that have at least one chunk
func recount(ctx context.Context, tx *sql.Tx, uploadID string, now time.Time) error {
	const q = `UPDATE upload_sessions SET
			uploaded_chunks = (SELECT COUNT(*) FROM upload_session_chunks WHERE upload_id = ?),
			status = CASE
				WHEN status = ? AND EXISTS (SELECT 1 FROM upload_session_chunks WHERE upload_id = ?) THEN ?
				ELSE status
			END,
			updated_at = ?
		WHERE upload_id = ?`

	_, err := tx.ExecContext(ctx, q,
		uploadID,
		string(models.UploadStatusInitialized), uploadID, string(models.UploadStatusUploading),
		toMicros(now),
		uploadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	return nil
}

func rowToSession(row scannable) (*models.UploadSession, error) {
	var (
		s                               models.UploadSession
		status                          string
		expiresAt, createdAt, updatedAt int64
	)

	err := row.Scan(
		&s.ID, &s.UploadID, &s.Filename, &s.OriginalFilename, &s.FileSize, &s.MimeType,
		&s.TotalChunks, &s.UploadedChunks, &status, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status, err = models.ParseUploadStatus(status)
	if err != nil {
		return nil, err
	}

	s.ExpiresAt = fromMicros(expiresAt)
	s.CreatedAt = fromMicros(createdAt)
	s.UpdatedAt = fromMicros(updatedAt)

	return &s, nil
}
