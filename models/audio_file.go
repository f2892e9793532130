package models

import (
	"context"
	"errors"
	"time"
)

// AudioFile is the record handed to downstream processing once an upload is finalized
type AudioFile struct {
	ID               string
	Filename         string
	OriginalFilename string
	Path             string
	FileSize         int64
	MimeType         string
	Status           string // uploaded, processing, transcribed, failed
	Transcript       string
	ErrorMessage     *string
	UploadTime       time.Time
	UpdatedAt        time.Time
}

// AudioFileStatus constants
const (
	AudioFileStatusUploaded    = "uploaded"
	AudioFileStatusProcessing  = "processing"
	AudioFileStatusTranscribed = "transcribed"
	AudioFileStatusFailed      = "failed"
)

var (
	ErrAudioFileNotFound      = errors.New("audio file not found")
	ErrAudioFileAlreadyExists = errors.New("audio file already exists")
)

// AudioFileRepository defines the interface for audio file storage
type AudioFileRepository interface {
	Create(ctx context.Context, file *AudioFile) error
	Get(ctx context.Context, id string) (*AudioFile, error)
	UpdateStatus(ctx context.Context, id string, status string, errorMessage *string) error
	SaveTranscript(ctx context.Context, id string, transcript string) error
	Delete(ctx context.Context, id string) error
}
