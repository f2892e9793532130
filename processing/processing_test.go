package processing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosom/meeting-transcriber/media"
	"github.com/gosom/meeting-transcriber/memory"
	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/redis/config"
	"github.com/gosom/meeting-transcriber/redis/tasks"
	"github.com/gosom/meeting-transcriber/transcribe"
	"github.com/gosom/meeting-transcriber/uploads"
)

type fakeCompressor struct {
	dir string
	err error
}

func (c *fakeCompressor) Compress(_ context.Context, in string, p media.Profile) (string, error) {
	if c.err != nil {
		return "", c.err
	}

	out := filepath.Join(c.dir, filepath.Base(in)+p.Ext)

	return out, os.WriteFile(out, []byte("compressed"), 0o600)
}

type fakeBackend struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (b *fakeBackend) Transcribe(_ context.Context, path string) (transcribe.Transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paths = append(b.paths, path)

	if b.err != nil {
		return transcribe.Transcript{}, b.err
	}

	return transcribe.Transcript{Segments: []transcribe.Segment{{Text: "agenda first"}, {Text: "then demos"}}}, nil
}

type fakeMirror struct{ keys []string }

func (m *fakeMirror) Mirror(_ context.Context, key, _, _ string) (string, error) {
	m.keys = append(m.keys, key)
	return "s3://bucket/" + key, nil
}

type recordingNotifier struct{ events []uploads.Event }

func (n *recordingNotifier) Notify(_ context.Context, ev uploads.Event) error {
	n.events = append(n.events, ev)
	return nil
}

func seedFile(t *testing.T, repo models.AudioFileRepository) *models.AudioFile {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "f1.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o600))

	now := time.Now().UTC()
	f := &models.AudioFile{
		ID:               "f1",
		Filename:         "f1.mp3",
		OriginalFilename: "standup.mp3",
		Path:             path,
		FileSize:         5,
		MimeType:         "audio/mpeg",
		Status:           models.AudioFileStatusUploaded,
		UploadTime:       now,
		UpdatedAt:        now,
	}

	require.NoError(t, repo.Create(context.Background(), f))

	return f
}

func TestProcessorTranscribes(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewAudioFileRepository()
	f := seedFile(t, repo)

	backend := &fakeBackend{}
	mirror := &fakeMirror{}
	tmp := t.TempDir()

	p := NewProcessor(repo, backend,
		WithCompressor(&fakeCompressor{dir: tmp}),
		WithMirror(mirror),
	)

	require.NoError(t, p.Process(ctx, f.ID))

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AudioFileStatusTranscribed, got.Status)
	assert.Equal(t, "agenda first then demos", got.Transcript)
	assert.Equal(t, []string{"f1.mp3"}, mirror.keys)

	// the compressed copy is transcribed and removed afterwards
	require.Len(t, backend.paths, 1)
	assert.Equal(t, filepath.Join(tmp, "f1.mp3.ogg"), backend.paths[0])
	assert.NoFileExists(t, backend.paths[0])

	// already transcribed files are skipped
	require.NoError(t, p.Process(ctx, f.ID))
	assert.Len(t, backend.paths, 1)
}

func TestProcessorRecordsFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewAudioFileRepository()
	f := seedFile(t, repo)
	n := &recordingNotifier{}

	p := NewProcessor(repo, &fakeBackend{err: errors.New("quota exceeded")}, WithNotifier(n))

	err := p.Process(ctx, f.ID)
	require.Error(t, err)

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AudioFileStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "quota exceeded")

	require.Len(t, n.events, 1)
	assert.Equal(t, uploads.EventProcessingFailed, n.events[0].Type)
	assert.Equal(t, f.ID, n.events[0].AudioFileID)
}

func TestProcessorCompressionFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewAudioFileRepository()
	f := seedFile(t, repo)
	backend := &fakeBackend{}

	p := NewProcessor(repo, backend, WithCompressor(&fakeCompressor{err: errors.New("ffmpeg missing")}))

	require.Error(t, p.Process(ctx, f.ID))
	assert.Empty(t, backend.paths)

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AudioFileStatusFailed, got.Status)
}

func TestProcessorIgnoresMissingFile(t *testing.T) {
	p := NewProcessor(memory.NewAudioFileRepository(), &fakeBackend{})
	assert.NoError(t, p.Process(context.Background(), "missing"))
}

type fakeEnqueuer struct {
	taskType string
	payload  []byte
	opts     []asynq.Option
	err      error
}

func (e *fakeEnqueuer) EnqueueTask(_ context.Context, taskType string, payload []byte, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.taskType = taskType
	e.payload = payload
	e.opts = opts

	if e.err != nil {
		return nil, e.err
	}

	return &asynq.TaskInfo{Type: taskType}, nil
}

func TestAsynqDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues on the processing queue", func(t *testing.T) {
		e := &fakeEnqueuer{}
		d := NewAsynqDispatcher(e, 5, time.Hour)

		require.NoError(t, d.TriggerProcessing(ctx, "f1"))
		assert.Equal(t, tasks.TypeProcessAudio, e.taskType)
		assert.JSONEq(t, `{"audio_file_id":"f1"}`, string(e.payload))

		var queue string

		for _, o := range e.opts {
			if o.Type() == asynq.QueueOpt {
				queue = o.Value().(string)
			}
		}

		assert.Equal(t, config.QueueProcessing, queue)
	})

	t.Run("duplicate enqueue is success", func(t *testing.T) {
		d := NewAsynqDispatcher(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, 1, 0)
		assert.NoError(t, d.TriggerProcessing(ctx, "f1"))
	})

	t.Run("other errors surface", func(t *testing.T) {
		d := NewAsynqDispatcher(&fakeEnqueuer{err: errors.New("redis down")}, 1, 0)
		assert.Error(t, d.TriggerProcessing(ctx, "f1"))
	})
}

func TestInlineDispatcherOutlivesRequest(t *testing.T) {
	repo := memory.NewAudioFileRepository()
	f := seedFile(t, repo)

	d := NewInlineDispatcher(NewProcessor(repo, &fakeBackend{}), time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.TriggerProcessing(ctx, f.ID))
	cancel()

	d.Wait()

	got, err := repo.Get(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AudioFileStatusTranscribed, got.Status)
}
