// Package transcribe turns audio files into text through a pluggable backend
package transcribe

import (
	"context"
	"strings"
	"time"
)

// Segment represents a portion of transcribed audio
type Segment struct {
	StartSec float64
	EndSec   float64
	Text     string
}

type Transcript struct {
	Language string
	Segments []Segment
	Duration time.Duration
}

// Text joins the segment texts
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))

	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}

	return strings.Join(parts, " ")
}

// Backend is a pluggable transcription backend
type Backend interface {
	Transcribe(ctx context.Context, audioPath string) (Transcript, error)
}
