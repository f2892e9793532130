// Package memory holds in-process repositories, used by tests and by the
// service when started with -dsn memory.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gosom/meeting-transcriber/models"
)

type sessionRepo struct {
	mu     *sync.RWMutex
	nextID int64
	items  map[string]models.UploadSession
}

func NewUploadSessionRepository() models.UploadSessionRepository {
	ans := sessionRepo{
		mu:    &sync.RWMutex{},
		items: make(map[string]models.UploadSession),
	}

	return &ans
}

func (r *sessionRepo) Create(_ context.Context, session *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[session.UploadID]; ok {
		return models.ErrSessionAlreadyExists
	}

	r.nextID++

	session.ID = r.nextID
	session.Chunks = normalizeChunks(session.Chunks)
	session.UploadedChunks = len(session.Chunks)

	r.items[session.UploadID] = cloneSession(session)

	return nil
}

func (r *sessionRepo) Get(_ context.Context, uploadID string) (*models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[uploadID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}

	ans := cloneSession(&item)

	return &ans, nil
}

func (r *sessionRepo) MarkChunk(_ context.Context, uploadID string, index int) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[uploadID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}

	if item.Status.IsTerminal() {
		return nil, models.ErrSessionTerminal
	}

	if index < 0 || index >= item.TotalChunks {
		return nil, models.ErrChunkIndexOutOfRange
	}

	if !item.HasChunk(index) {
		item.Chunks = normalizeChunks(append(slices.Clone(item.Chunks), index))
		item.UploadedChunks = len(item.Chunks)
		item.UpdatedAt = time.Now().UTC()
	}

	if item.Status == models.UploadStatusInitialized {
		item.Status = models.UploadStatusUploading
	}

	r.items[uploadID] = item

	ans := cloneSession(&item)

	return &ans, nil
}

func (r *sessionRepo) TransitionStatus(_ context.Context, uploadID string, from []models.UploadStatus, to models.UploadStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[uploadID]
	if !ok {
		return models.ErrSessionNotFound
	}

	if !models.ContainsStatus(from, item.Status) {
		return models.ErrStatusConflict
	}

	item.Status = to
	item.UpdatedAt = time.Now().UTC()

	r.items[uploadID] = item

	return nil
}

func (r *sessionRepo) SelectExpired(_ context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ans []models.UploadSession

	for _, item := range r.items {
		if item.Status == models.UploadStatusCompleted || item.ExpiresAt.After(now) {
			continue
		}

		ans = append(ans, cloneSession(&item))
	}

	sort.Slice(ans, func(i, j int) bool {
		return ans[i].ExpiresAt.Before(ans[j].ExpiresAt)
	})

	if limit > 0 && len(ans) > limit {
		ans = ans[:limit]
	}

	return ans, nil
}

func cloneSession(s *models.UploadSession) models.UploadSession {
	ans := *s
	ans.Chunks = slices.Clone(s.Chunks)

	if ans.Chunks == nil {
		ans.Chunks = []int{}
	}

	return ans
}

func normalizeChunks(chunks []int) []int {
	ans := slices.Clone(chunks)
	slices.Sort(ans)

	return slices.Compact(ans)
}

type audioFileRepo struct {
	mu    *sync.RWMutex
	items map[string]models.AudioFile
}

func NewAudioFileRepository() models.AudioFileRepository {
	return &audioFileRepo{
		mu:    &sync.RWMutex{},
		items: make(map[string]models.AudioFile),
	}
}

func (r *audioFileRepo) Create(_ context.Context, file *models.AudioFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[file.ID]; ok {
		return models.ErrAudioFileAlreadyExists
	}

	r.items[file.ID] = *file

	return nil
}

func (r *audioFileRepo) Get(_ context.Context, id string) (*models.AudioFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, models.ErrAudioFileNotFound
	}

	return &item, nil
}

func (r *audioFileRepo) UpdateStatus(_ context.Context, id, status string, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrAudioFileNotFound
	}

	item.Status = status
	item.ErrorMessage = errorMessage
	item.UpdatedAt = time.Now().UTC()

	r.items[id] = item

	return nil
}

func (r *audioFileRepo) SaveTranscript(_ context.Context, id, transcript string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrAudioFileNotFound
	}

	item.Transcript = transcript
	item.UpdatedAt = time.Now().UTC()

	r.items[id] = item

	return nil
}

func (r *audioFileRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return models.ErrAudioFileNotFound
	}

	delete(r.items, id)

	return nil
}
