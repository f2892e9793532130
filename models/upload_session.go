package models

import (
	"context"
	"errors"
	"math"
	"time"
)

// UploadStatus is the lifecycle status of a chunked upload session
type UploadStatus string

// UploadStatus constants
const (
	UploadStatusInitialized UploadStatus = "initialized"
	UploadStatusUploading   UploadStatus = "uploading"
	UploadStatusCompleted   UploadStatus = "completed"
	UploadStatusFailed      UploadStatus = "failed"
	UploadStatusCancelled   UploadStatus = "cancelled"
	UploadStatusExpired     UploadStatus = "expired"
)

var (
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrSessionAlreadyExists = errors.New("upload session already exists")
	ErrSessionTerminal      = errors.New("upload session is no longer accepting changes")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrStatusConflict       = errors.New("upload session status changed concurrently")
	ErrInvalidUploadStatus  = errors.New("invalid upload status")
)

// ParseUploadStatus converts a stored value into an UploadStatus
func ParseUploadStatus(s string) (UploadStatus, error) {
	switch st := UploadStatus(s); st {
	case UploadStatusInitialized, UploadStatusUploading, UploadStatusCompleted,
		UploadStatusFailed, UploadStatusCancelled, UploadStatusExpired:
		return st, nil
	default:
		return "", ErrInvalidUploadStatus
	}
}

// IsTerminal reports whether no more chunk writes are accepted in this status.
// failed is not terminal: the client may re-upload and finalize again.
func (s UploadStatus) IsTerminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusCancelled || s == UploadStatusExpired
}

// ReapableStatuses lists the statuses the reaper moves to expired
func ReapableStatuses() []UploadStatus {
	return append(NonTerminalStatuses(), UploadStatusCancelled)
}

// NonTerminalStatuses lists the statuses a live session can be in
func NonTerminalStatuses() []UploadStatus {
	return []UploadStatus{UploadStatusInitialized, UploadStatusUploading, UploadStatusFailed}
}

// UploadSession tracks one in-flight or completed chunked upload.
// UploadedChunks always equals len(Chunks); repositories derive it, callers never set it.
type UploadSession struct {
	ID               int64
	UploadID         string
	Filename         string
	OriginalFilename string
	FileSize         int64
	MimeType         string
	TotalChunks      int
	UploadedChunks   int
	Chunks           []int // sorted indices of completed chunks
	Status           UploadStatus
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s *UploadSession) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// IsExpired reports whether the session is past its expiry at now
func (s *UploadSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// HasChunk reports whether index is marked complete
func (s *UploadSession) HasChunk(index int) bool {
	for _, c := range s.Chunks {
		if c == index {
			return true
		}
	}

	return false
}

// IsComplete is true iff every index in [0, TotalChunks) is marked complete
func (s *UploadSession) IsComplete() bool {
	if s.TotalChunks < 1 {
		return false
	}

	seen := make([]bool, s.TotalChunks)
	n := 0

	for _, c := range s.Chunks {
		if c < 0 || c >= s.TotalChunks || seen[c] {
			continue
		}

		seen[c] = true
		n++
	}

	return n == s.TotalChunks
}

// Progress returns received/total*100 rounded to two decimals
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}

	p := float64(s.UploadedChunks) / float64(s.TotalChunks) * 100

	return math.Round(p*100) / 100
}

// MissingChunks returns the indices not yet received, ascending
func (s *UploadSession) MissingChunks() []int {
	seen := make(map[int]struct{}, len(s.Chunks))
	for _, c := range s.Chunks {
		seen[c] = struct{}{}
	}

	missing := make([]int, 0, max(s.TotalChunks-len(seen), 0))

	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}

	return missing
}

// UploadSessionRepository is the persistent session registry.
//
// MarkChunk must be atomic with respect to concurrent callers on the same session:
// it records index as complete (a no-op when already recorded), recomputes
// UploadedChunks from the recorded set, moves initialized sessions to uploading
// and returns the updated session. It fails with ErrSessionTerminal when the
// session is terminal and ErrChunkIndexOutOfRange for indices outside
// [0, TotalChunks).
//
// TransitionStatus is a compare-and-set: the status only changes when the
// current status is one of from, otherwise ErrStatusConflict is returned.
//
// SelectExpired returns every session with ExpiresAt <= now that did not
// complete, oldest expiry first. Already expired sessions are included so a
// failed chunk removal is retried. limit <= 0 means no limit.
type UploadSessionRepository interface {
	Create(ctx context.Context, session *UploadSession) error
	Get(ctx context.Context, uploadID string) (*UploadSession, error)
	MarkChunk(ctx context.Context, uploadID string, index int) (*UploadSession, error)
	TransitionStatus(ctx context.Context, uploadID string, from []UploadStatus, to UploadStatus) error
	SelectExpired(ctx context.Context, now time.Time, limit int) ([]UploadSession, error)
}

// ContainsStatus reports whether s is one of statuses
func ContainsStatus(statuses []UploadStatus, s UploadStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}

	return false
}
