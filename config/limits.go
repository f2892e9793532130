package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/go-units"

	"github.com/gosom/meeting-transcriber/uploads"
)

// upload limit keys, overridable as UPLOAD_SESSION_TTL and so on
const (
	KeySessionTTL       = "upload.session_ttl"
	KeyMaxFileSize      = "upload.max_file_size"
	KeyAllowedMimeTypes = "upload.allowed_mime_types"
	KeyMinChunkSize     = "upload.min_chunk_size"
	KeyMaxChunkSize     = "upload.max_chunk_size"
	KeyMaxChunks        = "upload.max_chunks"
	KeyMaxRetries       = "upload.max_retries"
)

// LoadLimits overlays stored and environment settings on uploads.DefaultLimits.
// Sizes accept plain bytes or units such as "10MiB".
func (s *Service) LoadLimits(ctx context.Context) (uploads.Limits, error) {
	l := uploads.DefaultLimits()

	var err error

	if l.SessionTTL, err = s.GetDuration(ctx, KeySessionTTL, l.SessionTTL); err != nil {
		return l, err
	}

	if l.MaxFileSize, err = s.getBytes(ctx, KeyMaxFileSize, l.MaxFileSize); err != nil {
		return l, err
	}

	if l.MinChunkSize, err = s.getBytes(ctx, KeyMinChunkSize, l.MinChunkSize); err != nil {
		return l, err
	}

	if l.MaxChunkSize, err = s.getBytes(ctx, KeyMaxChunkSize, l.MaxChunkSize); err != nil {
		return l, err
	}

	if l.MaxChunks, err = s.GetInt(ctx, KeyMaxChunks, l.MaxChunks); err != nil {
		return l, err
	}

	if l.MaxRetries, err = s.GetInt(ctx, KeyMaxRetries, l.MaxRetries); err != nil {
		return l, err
	}

	mimeTypes, err := s.GetString(ctx, KeyAllowedMimeTypes, "")
	if err != nil {
		return l, err
	}

	if mimeTypes != "" {
		l.AllowedMimeTypes = nil

		for _, mt := range strings.Split(mimeTypes, ",") {
			if mt = strings.TrimSpace(mt); mt != "" {
				l.AllowedMimeTypes = append(l.AllowedMimeTypes, mt)
			}
		}
	}

	if err := l.Validate(); err != nil {
		return l, fmt.Errorf("invalid upload limits: %w", err)
	}

	return l, nil
}

func (s *Service) getBytes(ctx context.Context, key string, defaultValue int64) (int64, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil || v == "" {
		return defaultValue, err
	}

	n, err := units.RAMInBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	return n, nil
}
