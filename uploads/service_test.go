package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosom/meeting-transcriber/chunkstore"
	"github.com/gosom/meeting-transcriber/memory"
	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/sqlite"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) TriggerProcessing(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ids = append(d.ids, id)

	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, ev)

	return nil
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()

	ans := make([]EventType, 0, len(n.events))
	for _, ev := range n.events {
		ans = append(ans, ev.Type)
	}

	return ans
}

type testEnv struct {
	svc        *Service
	clock      *FakeClock
	store      *chunkstore.Store
	sessions   models.UploadSessionRepository
	files      models.AudioFileRepository
	audioDir   string
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
}

var backends = []string{"memory", "sqlite"}

func newTestEnv(t *testing.T, backend string, opts ...func(*testEnv)) *testEnv {
	t.Helper()

	dir := t.TempDir()

	store, err := chunkstore.New(filepath.Join(dir, "chunks"))
	require.NoError(t, err)

	env := &testEnv{
		clock:      NewFakeClock(time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)),
		store:      store,
		audioDir:   filepath.Join(dir, "audio"),
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
	}

	switch backend {
	case "sqlite":
		db, err := sqlite.Open(filepath.Join(dir, "uploads.db"))
		require.NoError(t, err)

		t.Cleanup(func() { _ = db.Close() })

		env.sessions = sqlite.NewUploadSessionRepository(db)
		env.files = sqlite.NewAudioFileRepository(db)
	default:
		env.sessions = memory.NewUploadSessionRepository()
		env.files = memory.NewAudioFileRepository()
	}

	for _, o := range opts {
		o(env)
	}

	env.svc = NewService(env.sessions, env.files, env.store, env.audioDir,
		WithClock(env.clock),
		WithDispatcher(env.dispatcher),
		WithNotifier(env.notifier),
	)

	return env
}

func (e *testEnv) initialize(t *testing.T, fileSize int64, totalChunks int) *models.UploadSession {
	t.Helper()

	s, _, err := e.svc.Initialize(context.Background(), InitializeParams{
		Filename:    "standup.mp3",
		FileSize:    fileSize,
		TotalChunks: totalChunks,
		MimeType:    "audio/mpeg",
	})
	require.NoError(t, err)

	return s
}

func (e *testEnv) send(t *testing.T, uploadID string, index int, data []byte) ChunkReceipt {
	t.Helper()

	r, err := e.svc.ReceiveChunk(context.Background(), ReceiveParams{
		UploadID: uploadID,
		Index:    index,
		Body:     bytes.NewReader(data),
	})
	require.NoError(t, err)

	return r
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			fn(t, b)
		})
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "memory")

	t.Run("creates initialized session", func(t *testing.T) {
		s, plan, err := env.svc.Initialize(ctx, InitializeParams{
			Filename:    "../../etc/Weekly Sync.M4A",
			FileSize:    3 << 20,
			TotalChunks: 3,
			MimeType:    "audio/x-m4a",
		})
		require.NoError(t, err)

		assert.Equal(t, models.UploadStatusInitialized, s.Status)
		assert.Equal(t, "Weekly Sync.M4A", s.OriginalFilename)
		assert.Equal(t, ".m4a", filepath.Ext(s.Filename))
		assert.Len(t, s.UploadID, 36)
		assert.Equal(t, env.clock.Now().Add(24*time.Hour), s.ExpiresAt)
		assert.Equal(t, int64(1<<20), plan.ChunkSize)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		a := env.initialize(t, 10, 1)
		b := env.initialize(t, 10, 1)
		assert.NotEqual(t, a.UploadID, b.UploadID)
		assert.NotEqual(t, a.Filename, b.Filename)
	})

	invalid := []struct {
		name   string
		params InitializeParams
	}{
		{"unsupported mime", InitializeParams{Filename: "a.mp4", FileSize: 10, TotalChunks: 1, MimeType: "video/mp4"}},
		{"too large", InitializeParams{Filename: "a.mp3", FileSize: 501 << 20, TotalChunks: 60, MimeType: "audio/mpeg"}},
		{"empty file", InitializeParams{Filename: "a.mp3", FileSize: 0, TotalChunks: 1, MimeType: "audio/mpeg"}},
		{"no chunks", InitializeParams{Filename: "a.mp3", FileSize: 10, TotalChunks: 0, MimeType: "audio/mpeg"}},
		{"chunk budget", InitializeParams{Filename: "a.mp3", FileSize: 200 << 20, TotalChunks: 101, MimeType: "audio/mpeg"}},
		{"more chunks than bytes", InitializeParams{Filename: "a.mp3", FileSize: 2, TotalChunks: 3, MimeType: "audio/mpeg"}},
		{"missing filename", InitializeParams{Filename: "", FileSize: 10, TotalChunks: 1, MimeType: "audio/mpeg"}},
	}

	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.svc.Initialize(ctx, tc.params)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestReceiveChunk(t *testing.T) {
	ctx := context.Background()

	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("duplicate chunk is not counted twice", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			r := env.send(t, s.UploadID, 0, []byte("abc"))
			assert.Equal(t, 1, r.UploadedChunks)

			r = env.send(t, s.UploadID, 0, []byte("abc"))
			assert.Equal(t, 1, r.UploadedChunks)
			assert.Equal(t, 2, r.TotalChunks)
			assert.Equal(t, 50.0, r.Progress)
			assert.False(t, r.IsComplete)

			r = env.send(t, s.UploadID, 1, []byte("def"))
			assert.True(t, r.IsComplete)

			f, err := env.svc.Finalize(ctx, s.UploadID)
			require.NoError(t, err)

			data, err := os.ReadFile(f.Path)
			require.NoError(t, err)
			assert.Equal(t, "abcdef", string(data))
		})

		t.Run("invalid index", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			for _, idx := range []int{-1, 2, 100} {
				_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: idx, Body: bytes.NewReader([]byte("x"))})
				assert.ErrorIs(t, err, ErrInvalidChunkIndex)
			}

			assert.False(t, env.store.Exists(s.UploadID))
		})

		t.Run("declared total must match", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: 0, TotalChunks: 3, Body: bytes.NewReader([]byte("x"))})

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})

		t.Run("unknown session", func(t *testing.T) {
			env := newTestEnv(t, backend)

			_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: "nope", Index: 0, Body: bytes.NewReader(nil)})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("expired session is not found before reaping", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			env.send(t, s.UploadID, 0, []byte("abc"))
			env.clock.Advance(24 * time.Hour)

			_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: 1, Body: bytes.NewReader([]byte("def"))})
			assert.ErrorIs(t, err, ErrNotFound)

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.True(t, snap.IsExpired)
			assert.Equal(t, models.UploadStatusUploading, snap.Session.Status)
		})

		t.Run("progress is monotonic", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 7, 7)

			last := -1.0

			for _, idx := range []int{4, 0, 6, 2, 1, 5, 3} {
				env.send(t, s.UploadID, idx, []byte{byte(idx)})

				snap, err := env.svc.Status(ctx, s.UploadID)
				require.NoError(t, err)
				assert.Greater(t, snap.Progress, last)

				last = snap.Progress
			}

			assert.Equal(t, 100.0, last)
		})

		t.Run("concurrent chunks of one session", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 16, 16)

			var wg sync.WaitGroup

			for i := 0; i < 16; i++ {
				wg.Add(1)

				go func(idx int) {
					defer wg.Done()

					_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: idx, Body: bytes.NewReader([]byte{byte(idx)})})
					assert.NoError(t, err)
				}(i)
			}

			wg.Wait()

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.Equal(t, 16, snap.Session.UploadedChunks)
			assert.True(t, snap.IsComplete)
			assert.Empty(t, snap.MissingChunks)
		})
	})
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("two chunks of five MiB", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 10_485_760, 2)

			env.send(t, s.UploadID, 0, bytes.Repeat([]byte{0xAA}, 5<<20))
			env.send(t, s.UploadID, 1, bytes.Repeat([]byte{0xBB}, 5<<20))

			f, err := env.svc.Finalize(ctx, s.UploadID)
			require.NoError(t, err)

			assert.Equal(t, models.AudioFileStatusUploaded, f.Status)
			assert.Equal(t, int64(10_485_760), f.FileSize)
			assert.Equal(t, "standup.mp3", f.OriginalFilename)
			assert.Equal(t, filepath.Join(env.audioDir, "2024", "03", s.Filename), f.Path)

			data, err := os.ReadFile(f.Path)
			require.NoError(t, err)
			require.Len(t, data, 10_485_760)
			assert.Equal(t, bytes.Repeat([]byte{0xAA}, 5<<20), data[:5<<20])
			assert.Equal(t, bytes.Repeat([]byte{0xBB}, 5<<20), data[5<<20:])

			stored, err := env.files.Get(ctx, f.ID)
			require.NoError(t, err)
			assert.Equal(t, f.Path, stored.Path)

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.Equal(t, models.UploadStatusCompleted, snap.Session.Status)
			assert.False(t, env.store.Exists(s.UploadID))

			assert.Equal(t, []string{f.ID}, env.dispatcher.ids)
			assert.Contains(t, env.notifier.types(), EventUploadCompleted)
		})

		t.Run("assembly follows index order not arrival order", func(t *testing.T) {
			content := []byte("0123456789abcdefghij")

			upload := func(order []int) []byte {
				env := newTestEnv(t, backend)
				s := env.initialize(t, int64(len(content)), 5)

				for _, idx := range order {
					env.send(t, s.UploadID, idx, content[idx*4:(idx+1)*4])
				}

				f, err := env.svc.Finalize(ctx, s.UploadID)
				require.NoError(t, err)

				data, err := os.ReadFile(f.Path)
				require.NoError(t, err)

				return data
			}

			ascending := upload([]int{0, 1, 2, 3, 4})
			assert.Equal(t, content, ascending)
			assert.Equal(t, ascending, upload([]int{4, 3, 2, 1, 0}))
			assert.Equal(t, ascending, upload([]int{2, 4, 0, 3, 1}))
		})

		t.Run("incomplete upload", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 9, 3)

			env.send(t, s.UploadID, 1, []byte("abc"))

			_, err := env.svc.Finalize(ctx, s.UploadID)

			var ierr *IncompleteUploadError
			require.ErrorAs(t, err, &ierr)
			assert.Contains(t, err.Error(), "1/3")

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 2}, snap.MissingChunks)
		})

		t.Run("truncated chunk fails size check", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 8, 2)

			env.send(t, s.UploadID, 0, []byte("abcd"))
			env.send(t, s.UploadID, 1, []byte("ef"))

			_, err := env.svc.Finalize(ctx, s.UploadID)

			var ierr *IntegrityError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, SizeMismatch, ierr.Kind)
			assert.Equal(t, int64(8), ierr.Expected)
			assert.Equal(t, int64(6), ierr.Actual)

			assertNoArtifact(t, env)

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.Equal(t, models.UploadStatusUploading, snap.Session.Status)
			assert.True(t, env.store.Exists(s.UploadID))
			assert.Empty(t, env.dispatcher.ids)
		})

		t.Run("missing chunk blob", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 3)

			env.send(t, s.UploadID, 0, []byte("ab"))
			env.send(t, s.UploadID, 1, []byte("cd"))
			env.send(t, s.UploadID, 2, []byte("ef"))

			require.NoError(t, os.Remove(filepath.Join(env.store.Root(), s.UploadID, "chunk_1")))

			_, err := env.svc.Finalize(ctx, s.UploadID)

			var ierr *IntegrityError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, ChunkMissing, ierr.Kind)
			assert.Equal(t, 1, ierr.Index)
			assert.NotContains(t, err.Error(), env.store.Root())

			assertNoArtifact(t, env)

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.False(t, snap.Session.IsTerminal())
		})

		t.Run("finalize twice", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 2, 1)

			env.send(t, s.UploadID, 0, []byte("ab"))

			_, err := env.svc.Finalize(ctx, s.UploadID)
			require.NoError(t, err)

			_, err = env.svc.Finalize(ctx, s.UploadID)
			assert.ErrorIs(t, err, ErrSessionTerminal)

			_, err = env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: 0, Body: bytes.NewReader([]byte("ab"))})
			require.NoError(t, err, "resending a recorded chunk only reports status")
		})

		t.Run("unknown session", func(t *testing.T) {
			env := newTestEnv(t, backend)

			_, err := env.svc.Finalize(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	})
}

// conflictingRepo cancels the session right before finalize tries to complete it
type conflictingRepo struct {
	models.UploadSessionRepository
}

func (r conflictingRepo) TransitionStatus(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus) error {
	if to == models.UploadStatusCompleted {
		if err := r.UploadSessionRepository.TransitionStatus(ctx, id, from, models.UploadStatusCancelled); err != nil {
			return err
		}
	}

	return r.UploadSessionRepository.TransitionStatus(ctx, id, from, to)
}

func TestFinalizeLosesRace(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, "memory", func(e *testEnv) {
		e.sessions = conflictingRepo{UploadSessionRepository: e.sessions}
	})

	s := env.initialize(t, 4, 1)
	env.send(t, s.UploadID, 0, []byte("abcd"))

	_, err := env.svc.Finalize(ctx, s.UploadID)
	require.ErrorIs(t, err, ErrSessionTerminal)

	assertNoArtifact(t, env)
	assert.Empty(t, env.dispatcher.ids)

	snap, err := env.svc.Status(ctx, s.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCancelled, snap.Session.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	forEachBackend(t, func(t *testing.T, backend string) {
		t.Run("cancel then upload", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			env.send(t, s.UploadID, 0, []byte("abc"))
			require.True(t, env.store.Exists(s.UploadID))

			require.NoError(t, env.svc.Cancel(ctx, s.UploadID))
			assert.False(t, env.store.Exists(s.UploadID))

			_, err := env.svc.ReceiveChunk(ctx, ReceiveParams{UploadID: s.UploadID, Index: 1, Body: bytes.NewReader([]byte("def"))})
			assert.True(t, errors.Is(err, ErrSessionTerminal) || errors.Is(err, ErrNotFound), "got %v", err)
			assert.False(t, env.store.Exists(s.UploadID))

			snap, err := env.svc.Status(ctx, s.UploadID)
			require.NoError(t, err)
			assert.Equal(t, models.UploadStatusCancelled, snap.Session.Status)

			_, err = env.svc.Finalize(ctx, s.UploadID)
			assert.ErrorIs(t, err, ErrSessionTerminal)
		})

		t.Run("cancel is idempotent", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 6, 2)

			require.NoError(t, env.svc.Cancel(ctx, s.UploadID))
			require.NoError(t, env.svc.Cancel(ctx, s.UploadID))
			assert.Equal(t, []EventType{EventUploadCancelled}, env.notifier.types())
		})

		t.Run("completed session cannot be cancelled", func(t *testing.T) {
			env := newTestEnv(t, backend)
			s := env.initialize(t, 1, 1)

			env.send(t, s.UploadID, 0, []byte("a"))

			_, err := env.svc.Finalize(ctx, s.UploadID)
			require.NoError(t, err)

			assert.ErrorIs(t, env.svc.Cancel(ctx, s.UploadID), ErrSessionTerminal)
		})

		t.Run("unknown session", func(t *testing.T) {
			env := newTestEnv(t, backend)

			assert.ErrorIs(t, env.svc.Cancel(ctx, "nope"), ErrNotFound)
			_, err := env.svc.Status(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	})
}

func assertNoArtifact(t *testing.T, env *testEnv) {
	t.Helper()

	var files []string

	_ = filepath.Walk(env.audioDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}

		return nil
	})

	assert.Empty(t, files, fmt.Sprintf("unexpected files in %s", env.audioDir))
}
