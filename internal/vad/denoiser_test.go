package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agalue/onboard-vad/internal/audio"
)

// fakeDenoiser passes audio through (sign-flipped when negate is set, which
// leaves spectral magnitudes intact) and reports a fixed speech likelihood,
// recording how it was called.
type fakeDenoiser struct {
	vad    float32
	negate bool
	frames int
	badLen bool
	closed bool
}

func (f *fakeDenoiser) ProcessFrame(in, out []float32) float32 {
	f.frames++
	if len(in) != DenoiserFrameSize || len(out) != DenoiserFrameSize {
		f.badLen = true
	}
	copy(out, in)
	if f.negate {
		for i := range out {
			out[i] = -out[i]
		}
	}
	return f.vad
}

func (f *fakeDenoiser) Close() { f.closed = true }

func newDenoisedPipeline(t *testing.T, vads []float32, cb RecordingCallback) (*AudioPipeline, []*fakeDenoiser) {
	t.Helper()
	fakes := make([]*fakeDenoiser, 0, len(vads))
	next := 0
	p, err := New(Config{
		SampleRate:  SampleRate,
		Channels:    len(vads),
		UseDenoiser: true,
		NewDenoiser: func() (Denoiser, error) {
			f := &fakeDenoiser{vad: vads[next]}
			next++
			fakes = append(fakes, f)
			return f, nil
		},
		Machine: DefaultMachineConfig(),
	}, cb)
	require.NoError(t, err)
	return p, fakes
}

func TestPipelineDenoiserFrameAlignment(t *testing.T) {
	p, fakes := newDenoisedPipeline(t, []float32{0.9, 0.7}, nil)

	pcm := silence(2, 10*SampleRate)
	_, err := p.Push(pcm)
	require.NoError(t, err)

	// Every channel sees one call per 480-sample frame, always full frames.
	wantFrames := 10 * SampleRate / DenoiserFrameSize
	for ch, f := range fakes {
		assert.Equal(t, wantFrames, f.frames, "channel %d", ch)
		assert.False(t, f.badLen, "channel %d", ch)
	}
}

func TestPipelineDenoisedDetectionReportsMinVAD(t *testing.T) {
	p, _ := newDenoisedPipeline(t, []float32{0.9, 0.7}, nil)

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 10, 3, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	segs := p.Segments()
	require.Len(t, segs, 1)
	// Per-frame VAD is the minimum across channels.
	assert.InDelta(t, 0.7, segs[0].DebugRNNVad, 1e-3)
	secondsRange(t, segs[0].SampleFrom, 7.9, 8.1)
}

func TestPipelineCloseReleasesDenoisers(t *testing.T) {
	p, fakes := newDenoisedPipeline(t, []float32{0.5, 0.5}, nil)
	p.Close()
	for ch, f := range fakes {
		assert.True(t, f.closed, "channel %d", ch)
	}
}

func TestPipelineWithoutDenoiserNeverConstructsOne(t *testing.T) {
	p, err := New(Config{
		SampleRate:  SampleRate,
		Channels:    2,
		UseDenoiser: false,
		NewDenoiser: func() (Denoiser, error) {
			t.Fatal("denoiser constructed with UseDenoiser disabled")
			return nil, nil
		},
		Machine: DefaultMachineConfig(),
	}, nil)
	require.NoError(t, err)

	_, err = p.Push(silence(2, SampleRate))
	require.NoError(t, err)
	p.Close()
}

func TestPipelineDenoiserConstructionFailureCleansUp(t *testing.T) {
	created := []*fakeDenoiser{}
	_, err := New(Config{
		SampleRate:  SampleRate,
		Channels:    3,
		UseDenoiser: true,
		NewDenoiser: func() (Denoiser, error) {
			if len(created) == 2 {
				return nil, assert.AnError
			}
			f := &fakeDenoiser{}
			created = append(created, f)
			return f, nil
		},
		Machine: DefaultMachineConfig(),
	}, nil)
	require.Error(t, err)
	require.Len(t, created, 2)
	for _, f := range created {
		assert.True(t, f.closed)
	}
}

func TestPipelineDenoisedRecordingUsesRawAudio(t *testing.T) {
	// The recorder copies from the ring buffer, not the denoised stream, so
	// even a mangling denoiser must not affect recorded audio.
	var buf *audio.Buffer
	fakes := 0
	p, err := New(Config{
		SampleRate:  SampleRate,
		Channels:    2,
		UseDenoiser: true,
		NewDenoiser: func() (Denoiser, error) {
			fakes++
			return &fakeDenoiser{vad: 1, negate: true}, nil
		},
		Machine: DefaultMachineConfig(),
	}, func(b *audio.Buffer) { buf = b })
	require.NoError(t, err)

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 10, 3, 400, 0.3)
	_, err = p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	require.NotNil(t, buf)
	from := p.Segments()[0].SampleFrom
	mid := uint64(buf.Length()) / 2
	assert.Equal(t, pcm[0][from+mid], buf.Channels[0][mid])
	assert.Equal(t, 2, fakes)
}
