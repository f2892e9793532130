package runner

import (
	"context"
	"flag"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	return Parse(fs, args)
}

func TestParseDefaultsToWeb(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "")

	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, RunModeWeb, cfg.RunMode)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.ReapInterval)
	assert.Equal(t, "sk-test", cfg.OpenAIKey)
	assert.False(t, cfg.S3Enabled())
}

func TestParseModes(t *testing.T) {
	cfg, err := parse(t, "-reap")
	require.NoError(t, err)
	assert.Equal(t, RunModeReap, cfg.RunMode)

	cfg, err = parse(t, "-upload", "standup.mp3", "-server", "http://example.com")
	require.NoError(t, err)
	assert.Equal(t, RunModeUpload, cfg.RunMode)
	assert.Equal(t, "http://example.com", cfg.ServerURL)

	_, err = parse(t, "-upload", "a.mp3", "-reap")
	require.ErrorIs(t, err, ErrInvalidRunMode)

	_, err = parse(t, "-resume", "abc")
	require.Error(t, err)

	_, err = parse(t, "-reap-interval", "-1s")
	require.Error(t, err)
}

func TestParseOriginsAndAwsEnv(t *testing.T) {
	t.Setenv("MY_AWS_ACCESS_KEY", "ak")
	t.Setenv("MY_AWS_SECRET_KEY", "sk")
	t.Setenv("MY_AWS_REGION", "eu-central-1")

	cfg, err := parse(t, "-allowed-origins", "https://a.example, https://b.example,", "-s3-bucket", "meetings")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.S3Enabled())
}

func TestBannerWrapsLongMessages(t *testing.T) {
	out := banner([]string{"Meeting Transcriber", strings.Repeat("x", 100)}, 40)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	// borders, title and 100 characters wrapped at 36
	require.Len(t, lines, 6)
	assert.Contains(t, lines[1], "Meeting Transcriber")

	for _, l := range lines[2:5] {
		assert.LessOrEqual(t, strings.Count(l, "x"), 36)
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, &Config{Dsn: dsnMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, b.DB)
	require.NoError(t, b.Close())

	dir := t.TempDir()

	b, err = OpenBackend(ctx, &Config{DataFolder: dir}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "sqlite", b.Kind)
	assert.FileExists(t, filepath.Join(dir, sqliteName))

	limits, err := b.Settings.LoadLimits(ctx)
	require.NoError(t, err)
	assert.NoError(t, limits.Validate())
}
