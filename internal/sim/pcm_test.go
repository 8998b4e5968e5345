package sim

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/vad"
)

func writeTestWAV(t *testing.T, channels [][]float32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, WriteWAV(path, &audio.Buffer{
		SampleRate: vad.SampleRate,
		Channels:   channels,
	}))
	return path
}

func TestWAVRoundTrip(t *testing.T) {
	n := vad.SampleRate / 2
	channels := [][]float32{make([]float32, n), make([]float32, n)}
	for i := 0; i < n; i++ {
		channels[0][i] = float32(i%1000)/2000 - 0.25
		channels[1][i] = -channels[0][i]
	}
	path := writeTestWAV(t, channels)

	got, err := LoadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got[0], n)

	// 16-bit quantization allows one LSB of error.
	const tol = 1.5 / 32768
	for i := 0; i < n; i += 97 {
		assert.InDelta(t, channels[0][i], got[0][i], tol, "ch0 sample %d", i)
		assert.InDelta(t, channels[1][i], got[1][i], tol, "ch1 sample %d", i)
	}
}

func TestStreamChunking(t *testing.T) {
	n := 10000
	channels := [][]float32{make([]float32, n)}
	for i := range channels[0] {
		channels[0][i] = float32(i%100) / 200
	}
	path := writeTestWAV(t, channels)

	st, err := OpenStream(path, 4800)
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, 1, st.Channels())

	var total int
	var sizes []int
	for {
		frames, err := st.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(frames[0]))
		total += len(frames[0])
	}
	assert.Equal(t, n, total)
	// Two full chunks and a 400-sample tail.
	assert.Equal(t, []int{4800, 4800, 400}, sizes)
}

func TestOpenStreamRejectsWrongRate(t *testing.T) {
	// Hand-build a 44.1 kHz file through the encoder.
	path := filepath.Join(t.TempDir(), "wrong.wav")
	buf := &audio.Buffer{SampleRate: 44100, Channels: [][]float32{make([]float32, 100)}}
	require.NoError(t, WriteWAV(path, buf))

	_, err := OpenStream(path, 4800)
	assert.ErrorContains(t, err, "44100")
}

func TestOpenStreamRejectsMissingFile(t *testing.T) {
	_, err := OpenStream(filepath.Join(t.TempDir(), "nope.wav"), 4800)
	assert.Error(t, err)
}
