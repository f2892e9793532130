// Package uploadrunner uploads one local audio file through the chunked API.
package uploadrunner

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/client"
	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/runner"
	"github.com/gosom/meeting-transcriber/uploads"
)

type uploadrunner struct {
	cfg  *runner.Config
	log  *zap.Logger
	file *os.File
	in   client.UploadInput
	orch *client.Orchestrator
}

func New(cfg *runner.Config) (runner.Runner, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.Open(cfg.UploadFile)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	mimeType := cfg.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(cfg.UploadFile))
	}

	if mimeType == "" {
		_ = f.Close()
		return nil, fmt.Errorf("cannot derive the mime type of %s, pass -mime-type", cfg.UploadFile)
	}

	ans := &uploadrunner{
		cfg:  cfg,
		log:  log,
		file: f,
		in: client.UploadInput{
			Reader:   f,
			Size:     st.Size(),
			Filename: filepath.Base(cfg.UploadFile),
			MimeType: mimeType,
		},
	}

	ans.orch, err = client.New(client.Config{
		BaseURL:    cfg.ServerURL,
		Limits:     uploads.DefaultLimits(),
		Logger:     log.Named("client"),
		OnProgress: ans.progress,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return ans, nil
}

func (u *uploadrunner) progress(p client.Progress) {
	u.log.Info("chunk accepted",
		zap.Int("chunk", p.ChunkIndex),
		zap.Int("uploaded", p.UploadedChunks),
		zap.Int("total", p.TotalChunks),
		zap.String("progress", fmt.Sprintf("%.1f%%", p.Percent)),
	)
}

// Run stops between chunks on interrupt so the server session is cancelled
// instead of being left to expire.
func (u *uploadrunner) Run(ctx context.Context) error {
	uploadCtx := context.WithoutCancel(ctx)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			u.orch.Cancel()
		case <-done:
		}
	}()

	var (
		file models.AudioFileResponse
		err  error
	)

	if u.cfg.ResumeID != "" {
		file, err = u.orch.Resume(uploadCtx, u.cfg.ResumeID, u.in)
	} else {
		file, err = u.orch.Upload(uploadCtx, u.in)
	}

	if err != nil {
		if id := u.orch.UploadID(); id != "" {
			u.log.Error("upload failed, resume with -resume "+id, zap.Error(err))
		}

		return err
	}

	u.log.Info("upload complete",
		zap.String("audio_file_id", file.ID),
		zap.String("filename", file.OriginalFilename),
		zap.Int64("size", file.FileSize),
	)

	return nil
}

func (u *uploadrunner) Close(context.Context) error {
	return u.file.Close()
}
