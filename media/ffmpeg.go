// Package media shrinks uploaded recordings before transcription
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Profile is a named set of ffmpeg output options
type Profile struct {
	Name string
	Ext  string
	Args []string
}

// Speech is mono 16 kHz opus, plenty for speech recognition
var Speech = Profile{
	Name: "speech",
	Ext:  ".ogg",
	Args: []string{"-vn", "-ac", "1", "-ar", "16000", "-c:a", "libopus", "-b:a", "24k", "-f", "ogg"},
}

// Compressor re-encodes an audio file and returns the path of the result
type Compressor interface {
	Compress(ctx context.Context, inputPath string, profile Profile) (string, error)
}

// FFmpegCompressor runs the ffmpeg binary
type FFmpegCompressor struct {
	Binary string
	TmpDir string
}

func NewFFmpegCompressor(binary, tmpDir string) *FFmpegCompressor {
	if binary == "" {
		binary = "ffmpeg"
	}

	return &FFmpegCompressor{Binary: binary, TmpDir: tmpDir}
}

func (c *FFmpegCompressor) Compress(ctx context.Context, inputPath string, profile Profile) (string, error) {
	tmpDir := c.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	out := filepath.Join(tmpDir, base+"_"+profile.Name+profile.Ext)

	args := append([]string{"-y", "-hide_banner", "-loglevel", "error", "-i", inputPath}, profile.Args...)
	args = append(args, out)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)

		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}

		return "", fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}

	return out, nil
}
