package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeProcessAudio   = "audio:process"
	TypeReapUploads    = "uploads:reap"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// ProcessAudioPayload names the finalized audio file to compress and transcribe
type ProcessAudioPayload struct {
	AudioFileID string `json:"audio_file_id"`
}

func NewProcessAudioPayload(audioFileID string) ([]byte, error) {
	if audioFileID == "" {
		return nil, fmt.Errorf("audio file id is required")
	}

	return json.Marshal(ProcessAudioPayload{AudioFileID: audioFileID})
}

// NewReapTask builds the periodic sweep task. It carries no payload.
func NewReapTask() *asynq.Task {
	return asynq.NewTask(TypeReapUploads, nil)
}
