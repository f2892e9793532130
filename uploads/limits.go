package uploads

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Limits are the tunables of the upload pipeline
type Limits struct {
	SessionTTL       time.Duration
	MaxFileSize      int64
	AllowedMimeTypes []string
	MinChunkSize     int64
	MaxChunkSize     int64
	MaxChunks        int
	MaxRetries       int
}

func DefaultLimits() Limits {
	return Limits{
		SessionTTL:  24 * time.Hour,
		MaxFileSize: 500 * units.MiB,
		AllowedMimeTypes: []string{
			"audio/mpeg",
			"audio/mp3",
			"audio/wav",
			"audio/x-wav",
			"audio/mp4",
			"audio/m4a",
			"audio/x-m4a",
			"audio/aac",
			"audio/ogg",
			"audio/webm",
			"audio/flac",
		},
		MinChunkSize: 1 * units.MiB,
		MaxChunkSize: 10 * units.MiB,
		MaxChunks:    100,
		MaxRetries:   3,
	}
}

func (l Limits) Validate() error {
	switch {
	case l.SessionTTL <= 0:
		return fmt.Errorf("session ttl must be positive")
	case l.MaxFileSize < 1:
		return fmt.Errorf("max file size must be positive")
	case l.MinChunkSize < 1:
		return fmt.Errorf("min chunk size must be positive")
	case l.MaxChunkSize < l.MinChunkSize:
		return fmt.Errorf("max chunk size %d is below min chunk size %d", l.MaxChunkSize, l.MinChunkSize)
	case l.MaxChunks < 1:
		return fmt.Errorf("max chunks must be positive")
	case l.MaxFileSize > int64(l.MaxChunks)*l.MaxChunkSize:
		// PlanChunks would need more than MaxChunks requests for the largest file
		return fmt.Errorf("max file size %d exceeds max chunks %d times max chunk size %d",
			l.MaxFileSize, l.MaxChunks, l.MaxChunkSize)
	case l.MaxRetries < 0:
		return fmt.Errorf("max retries cannot be negative")
	case len(l.AllowedMimeTypes) == 0:
		return fmt.Errorf("at least one mime type must be allowed")
	}

	return nil
}

// AllowsMimeType matches the media type case-insensitively, ignoring parameters
func (l Limits) AllowsMimeType(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}

	for _, allowed := range l.AllowedMimeTypes {
		if strings.EqualFold(mt, allowed) {
			return true
		}
	}

	return false
}

// ChunkPlan describes how a file is split into chunks
type ChunkPlan struct {
	ChunkSize   int64
	TotalChunks int
}

// PlanChunks picks a chunk size within the configured bounds that keeps the
// request count at or below MaxChunks when possible. The size is rounded up to
// a whole MiB without exceeding MaxChunkSize.
func PlanChunks(fileSize int64, l Limits) (ChunkPlan, error) {
	if fileSize < 1 {
		return ChunkPlan{}, newValidationError("fileSize", "must be at least 1 byte")
	}

	if l.MaxChunks < 1 {
		return ChunkPlan{}, newValidationError("maxChunks", "must be at least 1")
	}

	size := ceilDiv(fileSize, int64(l.MaxChunks))
	size = min(max(size, l.MinChunkSize), l.MaxChunkSize)

	size = min(ceilDiv(size, units.MiB)*units.MiB, l.MaxChunkSize)

	return ChunkPlan{
		ChunkSize:   size,
		TotalChunks: int(ceilDiv(fileSize, size)),
	}, nil
}

// Range returns the byte offset and length of chunk index for a file of fileSize
func (p ChunkPlan) Range(index int, fileSize int64) (offset, length int64) {
	offset = int64(index) * p.ChunkSize
	end := min(offset+p.ChunkSize, fileSize)

	return offset, end - offset
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
