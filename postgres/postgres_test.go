package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/testcontainers"
)

// openTestDB migrates a fresh or PG_TEST_DSN database and empties its tables
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := testcontainers.PostgresDSN(t)

	require.NoError(t, NewMigrationRunner(dsn, nil).RunMigrations())

	db, err := Open(context.Background(), dsn)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`TRUNCATE upload_sessions, upload_session_chunks, audio_files, system_config`)
	require.NoError(t, err)

	return db
}

func newSession(totalChunks int, expiresAt time.Time) *models.UploadSession {
	now := time.Now().UTC()

	return &models.UploadSession{
		UploadID:         uuid.NewString(),
		Filename:         uuid.NewString() + ".mp3",
		OriginalFilename: "meeting.mp3",
		FileSize:         1024,
		MimeType:         "audio/mpeg",
		TotalChunks:      totalChunks,
		Status:           models.UploadStatusInitialized,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestUploadSessionRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	repo, err := NewUploadSessionRepository(db)
	require.NoError(t, err)

	t.Run("create and get", func(t *testing.T) {
		s := newSession(3, time.Now().Add(time.Hour))

		require.NoError(t, repo.Create(ctx, s))
		assert.NotZero(t, s.ID)

		got, err := repo.Get(ctx, s.UploadID)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusInitialized, got.Status)
		assert.Empty(t, got.Chunks)
		assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, time.Millisecond)

		dup := newSession(1, time.Now().Add(time.Hour))
		dup.UploadID = s.UploadID

		assert.ErrorIs(t, repo.Create(ctx, dup), models.ErrSessionAlreadyExists)

		_, err = repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})

	t.Run("mark chunk is idempotent and bounded", func(t *testing.T) {
		s := newSession(3, time.Now().Add(time.Hour))
		require.NoError(t, repo.Create(ctx, s))

		got, err := repo.MarkChunk(ctx, s.UploadID, 2)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusUploading, got.Status)

		got, err = repo.MarkChunk(ctx, s.UploadID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, got.UploadedChunks)
		assert.Equal(t, []int{2}, got.Chunks)

		_, err = repo.MarkChunk(ctx, s.UploadID, 3)
		assert.ErrorIs(t, err, models.ErrChunkIndexOutOfRange)

		_, err = repo.MarkChunk(ctx, "missing", 0)
		assert.ErrorIs(t, err, models.ErrSessionNotFound)

		require.NoError(t, repo.TransitionStatus(ctx, s.UploadID, models.NonTerminalStatuses(), models.UploadStatusCancelled))

		_, err = repo.MarkChunk(ctx, s.UploadID, 0)
		assert.ErrorIs(t, err, models.ErrSessionTerminal)
	})

	t.Run("concurrent marks do not lose updates", func(t *testing.T) {
		s := newSession(30, time.Now().Add(time.Hour))
		require.NoError(t, repo.Create(ctx, s))

		var wg sync.WaitGroup

		for i := 0; i < 30; i++ {
			for j := 0; j < 2; j++ {
				wg.Add(1)

				go func(idx int) {
					defer wg.Done()

					_, err := repo.MarkChunk(ctx, s.UploadID, idx)
					assert.NoError(t, err)
				}(i)
			}
		}

		wg.Wait()

		got, err := repo.Get(ctx, s.UploadID)
		require.NoError(t, err)
		assert.Equal(t, 30, got.UploadedChunks)
		assert.True(t, got.IsComplete())
	})

	t.Run("transition status is compare and set", func(t *testing.T) {
		s := newSession(1, time.Now().Add(time.Hour))
		require.NoError(t, repo.Create(ctx, s))

		require.NoError(t, repo.TransitionStatus(ctx, s.UploadID, models.NonTerminalStatuses(), models.UploadStatusCompleted))

		err := repo.TransitionStatus(ctx, s.UploadID, models.NonTerminalStatuses(), models.UploadStatusExpired)
		assert.ErrorIs(t, err, models.ErrStatusConflict)

		err = repo.TransitionStatus(ctx, "missing", models.NonTerminalStatuses(), models.UploadStatusExpired)
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})

	t.Run("select expired skips completed sessions", func(t *testing.T) {
		now := time.Now().UTC()

		expired := newSession(2, now.Add(-2*time.Minute))
		failed := newSession(2, now.Add(-time.Minute))
		completed := newSession(2, now.Add(-time.Minute))
		cancelled := newSession(2, now.Add(-30*time.Second))
		live := newSession(2, now.Add(time.Hour))

		for _, s := range []*models.UploadSession{expired, failed, completed, cancelled, live} {
			require.NoError(t, repo.Create(ctx, s))
		}

		_, err := repo.MarkChunk(ctx, expired.UploadID, 1)
		require.NoError(t, err)
		require.NoError(t, repo.TransitionStatus(ctx, failed.UploadID, models.NonTerminalStatuses(), models.UploadStatusFailed))
		require.NoError(t, repo.TransitionStatus(ctx, completed.UploadID, models.NonTerminalStatuses(), models.UploadStatusCompleted))
		require.NoError(t, repo.TransitionStatus(ctx, cancelled.UploadID, models.NonTerminalStatuses(), models.UploadStatusCancelled))

		got, err := repo.SelectExpired(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, expired.UploadID, got[0].UploadID)
		assert.Equal(t, []int{1}, got[0].Chunks)
		assert.Equal(t, failed.UploadID, got[1].UploadID)
		assert.Equal(t, cancelled.UploadID, got[2].UploadID)

		got, err = repo.SelectExpired(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestAudioFileRepository(t *testing.T) {
	ctx := context.Background()

	repo, err := NewAudioFileRepository(openTestDB(t))
	require.NoError(t, err)

	now := time.Now().UTC()
	f := &models.AudioFile{
		ID:               uuid.NewString(),
		Filename:         "a.mp3",
		OriginalFilename: "meeting.mp3",
		Path:             "/data/audio/a.mp3",
		FileSize:         10,
		MimeType:         "audio/mpeg",
		Status:           models.AudioFileStatusUploaded,
		UploadTime:       now,
		UpdatedAt:        now,
	}

	require.NoError(t, repo.Create(ctx, f))
	assert.ErrorIs(t, repo.Create(ctx, f), models.ErrAudioFileAlreadyExists)

	msg := "ffmpeg exited with status 1"
	require.NoError(t, repo.UpdateStatus(ctx, f.ID, models.AudioFileStatusFailed, &msg))
	require.NoError(t, repo.SaveTranscript(ctx, f.ID, "hello world"))

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AudioFileStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)
	assert.Equal(t, "hello world", got.Transcript)

	require.NoError(t, repo.Delete(ctx, f.ID))
	assert.ErrorIs(t, repo.Delete(ctx, f.ID), models.ErrAudioFileNotFound)
}
