package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for sessions that do not exist or are past their expiry
	ErrNotFound          = errors.New("upload session not found or expired")
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	ErrSessionTerminal   = errors.New("upload session is no longer accepting changes")
)

// ValidationError reports bad request input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return e.Field + ": " + e.Message
}

func newValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IncompleteUploadError is returned by Finalize when not every chunk was received
type IncompleteUploadError struct {
	Received int
	Total    int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload incomplete: %d/%d completed", e.Received, e.Total)
}

// IntegrityKind classifies assembly failures
type IntegrityKind string

const (
	ChunkMissing IntegrityKind = "chunk_missing"
	WriteFailed  IntegrityKind = "write_failed"
	SizeMismatch IntegrityKind = "size_mismatch"
)

// IntegrityError is returned when assembly cannot produce a byte-exact artifact.
// Err holds the underlying cause and may contain filesystem paths, so it is
// kept out of Error().
type IntegrityError struct {
	Kind     IntegrityKind
	Index    int
	Expected int64
	Actual   int64
	Err      error
}

func (e *IntegrityError) Error() string {
	switch e.Kind {
	case ChunkMissing:
		return fmt.Sprintf("chunk %d is missing or unreadable", e.Index)
	case WriteFailed:
		return fmt.Sprintf("failed to write chunk %d", e.Index)
	case SizeMismatch:
		return fmt.Sprintf("size mismatch: expected %d bytes, assembled %d", e.Expected, e.Actual)
	default:
		return "integrity error"
	}
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// StorageError wraps filesystem or database failures. Op is safe to show to
// clients, Err is not.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage failure: " + e.Op
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
