package uploads

import (
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunks(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name      string
		fileSize  int64
		chunkSize int64
		total     int
	}{
		{"single byte", 1, units.MiB, 1},
		{"small file uses min chunk", 10 * units.MiB, units.MiB, 10},
		{"exact budget", 500 * units.MiB, 5 * units.MiB, 100},
		{"rounds up to whole MiB", 150*units.MiB + 512*units.KiB, 2 * units.MiB, 76},
		{"large file capped at max chunk", 2 * units.GiB, 10 * units.MiB, 205},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanChunks(tc.fileSize, limits)
			require.NoError(t, err)
			assert.Equal(t, tc.chunkSize, plan.ChunkSize)
			assert.Equal(t, tc.total, plan.TotalChunks)
		})
	}

	t.Run("rejects empty file", func(t *testing.T) {
		_, err := PlanChunks(0, limits)

		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestChunkPlanRange(t *testing.T) {
	plan := ChunkPlan{ChunkSize: 4, TotalChunks: 3}

	off, n := plan.Range(0, 10)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(4), n)

	off, n = plan.Range(2, 10)
	assert.Equal(t, int64(8), off)
	assert.Equal(t, int64(2), n)
}

func TestLimits(t *testing.T) {
	l := DefaultLimits()
	require.NoError(t, l.Validate())

	assert.True(t, l.AllowsMimeType("audio/mpeg"))
	assert.True(t, l.AllowsMimeType("AUDIO/X-WAV"))
	assert.True(t, l.AllowsMimeType("audio/webm; codecs=opus"))
	assert.False(t, l.AllowsMimeType("video/mp4"))
	assert.False(t, l.AllowsMimeType(""))

	bad := l
	bad.MaxChunkSize = bad.MinChunkSize - 1
	assert.Error(t, bad.Validate())

	bad = l
	bad.AllowedMimeTypes = nil
	assert.Error(t, bad.Validate())

	bad = l
	bad.MaxFileSize = units.GiB
	assert.Error(t, bad.Validate())
}

func TestEveryAllowedFileSizeFitsTheChunkBudget(t *testing.T) {
	l := DefaultLimits()
	l.MaxFileSize = int64(l.MaxChunks) * l.MaxChunkSize
	require.NoError(t, l.Validate())

	for _, size := range []int64{l.MaxFileSize, l.MaxFileSize - 1, l.MaxFileSize/2 + 1} {
		plan, err := PlanChunks(size, l)
		require.NoError(t, err)
		assert.LessOrEqual(t, plan.TotalChunks, l.MaxChunks, size)
		assert.LessOrEqual(t, plan.ChunkSize, l.MaxChunkSize, size)
	}
}

func TestPlanChunksNeverExceedsMaxChunkSize(t *testing.T) {
	l := DefaultLimits()
	l.MaxChunkSize = 3*units.MiB + 512*units.KiB

	plan, err := PlanChunks(350*units.MiB, l)
	require.NoError(t, err)
	assert.Equal(t, l.MaxChunkSize, plan.ChunkSize)
	assert.Equal(t, 100, plan.TotalChunks)
}
