package vad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agalue/onboard-vad/internal/audio"
)

func silence(channels, n int) [][]float32 {
	pcm := make([][]float32, channels)
	for ch := range pcm {
		pcm[ch] = make([]float32, n)
	}
	return pcm
}

// spliceSine overwrites [fromSec, fromSec+durSec) of one channel with a sine.
func spliceSine(pcm []float32, fromSec, durSec, freq float64, amp float32) {
	from := int(fromSec * SampleRate)
	to := from + int(durSec*SampleRate)
	for i := from; i < to && i < len(pcm); i++ {
		pcm[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
}

// broadbandNoise fills dst with deterministic noise in [-amp, amp].
func broadbandNoise(dst []float32, amp float32) {
	state := uint32(0x2545f491)
	for i := range dst {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		dst[i] = amp * (2*float32(state)/float32(math.MaxUint32) - 1)
	}
}

func newScenarioPipeline(t *testing.T, channels int, cb RecordingCallback) *AudioPipeline {
	t.Helper()
	p, err := New(Config{
		SampleRate: SampleRate,
		Channels:   channels,
		Machine:    DefaultMachineConfig(),
	}, cb)
	require.NoError(t, err)
	return p
}

func secondsRange(t *testing.T, sample uint64, lo, hi float64) {
	t.Helper()
	sec := float64(sample) / SampleRate
	assert.GreaterOrEqual(t, sec, lo)
	assert.LessOrEqual(t, sec, hi)
}

func TestPipelineSilenceProducesNothing(t *testing.T) {
	callbacks := 0
	p := newScenarioPipeline(t, 2, func(*audio.Buffer) { callbacks++ })

	pcm := silence(2, 60*SampleRate)
	first, err := p.Push(pcm)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	require.NoError(t, p.Flush())

	assert.Equal(t, uint64(60*SampleRate), p.TotalWriteCount())
	assert.Empty(t, p.Segments())
	assert.Zero(t, callbacks)
}

func TestPipelineSingleSpeechBurst(t *testing.T) {
	var recorded []*audio.Buffer
	p := newScenarioPipeline(t, 2, func(buf *audio.Buffer) {
		// Ownership lasts only for the call; keep a reference anyway since
		// this pipeline records nothing further.
		recorded = append(recorded, buf)
	})

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 10, 3, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	segs := p.Segments()
	require.Len(t, segs, 1)
	// Lookbehind puts the start near 10s - 2s; the end near 13s + decay + 2s.
	secondsRange(t, segs[0].SampleFrom, 7.9, 8.1)
	secondsRange(t, segs[0].SampleTo, 14.9, 15.5)
	// One silent channel: the volume ratio sits at the floor.
	assert.Less(t, segs[0].DebugAvgSpeechVolRatio, float32(0.1))

	require.Len(t, recorded, 1)
	assert.Equal(t, int(segs[0].SampleTo-segs[0].SampleFrom), recorded[0].Length())
	assert.Equal(t, 2, len(recorded[0].Channels))
	assert.Equal(t, SampleRate, recorded[0].SampleRate)
}

func TestPipelineRecordingContainsTheBurst(t *testing.T) {
	var buf *audio.Buffer
	var bufStart uint64
	p := newScenarioPipeline(t, 2, func(b *audio.Buffer) { buf = b })

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 10, 3, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	require.NotNil(t, buf)
	bufStart = p.Segments()[0].SampleFrom

	// The recording is a verbatim copy of the pushed range.
	for _, probe := range []uint64{0, uint64(buf.Length()) / 2, uint64(buf.Length()) - 1} {
		abs := bufStart + probe
		assert.Equal(t, pcm[0][abs], buf.Channels[0][probe], "sample %d", abs)
		assert.Equal(t, pcm[1][abs], buf.Channels[1][probe], "sample %d", abs)
	}
}

func TestPipelineJoinsCloseBursts(t *testing.T) {
	p := newScenarioPipeline(t, 2, nil)

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 5, 1, 400, 0.3)
	spliceSine(pcm[0], 7, 1, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	segs := p.Segments()
	require.Len(t, segs, 1)
	secondsRange(t, segs[0].SampleFrom, 2.9, 3.1)
	secondsRange(t, segs[0].SampleTo, 9.9, 10.5)
}

func TestPipelineSplitsFarBursts(t *testing.T) {
	callbacks := 0
	p := newScenarioPipeline(t, 2, func(*audio.Buffer) { callbacks++ })

	pcm := silence(2, 24*SampleRate)
	spliceSine(pcm[0], 5, 1, 400, 0.3)
	spliceSine(pcm[0], 9, 1, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	segs := p.Segments()
	require.Len(t, segs, 2)
	secondsRange(t, segs[0].SampleFrom, 2.9, 3.1)
	secondsRange(t, segs[1].SampleFrom, 6.9, 7.1)
	assert.Equal(t, 2, callbacks)
}

func TestPipelineDiscardsTooShortBurst(t *testing.T) {
	callbacks := 0
	p := newScenarioPipeline(t, 2, func(*audio.Buffer) { callbacks++ })

	pcm := silence(2, 15*SampleRate)
	spliceSine(pcm[0], 5, 0.3, 400, 0.3)
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	assert.Empty(t, p.Segments())
	assert.Zero(t, callbacks)
}

func TestPipelineRejectsSymmetricNoise(t *testing.T) {
	callbacks := 0
	p := newScenarioPipeline(t, 2, func(*audio.Buffer) { callbacks++ })

	// Identical broadband noise on both channels: the volume ratio stays at
	// 1 and the asymmetry gate never passes.
	pcm := silence(2, 15*SampleRate)
	broadbandNoise(pcm[0], 0.5)
	copy(pcm[1], pcm[0])
	_, err := p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	assert.Empty(t, p.Segments())
	assert.Zero(t, callbacks)
}

func TestPipelinePushReturnsFirstIndex(t *testing.T) {
	p := newScenarioPipeline(t, 1, nil)

	first, err := p.Push([][]float32{make([]float32, 1000)})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	first, err = p.Push([][]float32{make([]float32, 500)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), first)
	assert.Equal(t, uint64(1500), p.TotalWriteCount())
}

func TestPipelineEmptyPushIsNoOp(t *testing.T) {
	p := newScenarioPipeline(t, 2, nil)
	first, err := p.Push([][]float32{{}, {}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(0), p.TotalWriteCount())
}

func TestPipelinePushValidation(t *testing.T) {
	p := newScenarioPipeline(t, 2, nil)

	_, err := p.Push([][]float32{make([]float32, 10)})
	assert.Error(t, err)

	_, err = p.Push([][]float32{make([]float32, 10), make([]float32, 9)})
	assert.Error(t, err)
}

func TestPipelineConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"wrong sample rate", Config{SampleRate: 44100, Channels: 2}},
		{"zero channels", Config{SampleRate: SampleRate}},
		{"odd fft size", Config{SampleRate: SampleRate, Channels: 2, FFTSize: 1023}},
		{"negative fft size", Config{SampleRate: SampleRate, Channels: 2, FFTSize: -4}},
		{"tiny buffer", Config{SampleRate: SampleRate, Channels: 2, BufferCapacity: SampleRate}},
		{"denoiser without constructor", Config{SampleRate: SampleRate, Channels: 2, UseDenoiser: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Machine = DefaultMachineConfig()
			_, err := New(tt.cfg, nil)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestPipelineManualCapture(t *testing.T) {
	var captured *audio.Buffer
	p := newScenarioPipeline(t, 1, func(buf *audio.Buffer) { captured = buf })

	pcm := [][]float32{make([]float32, 2 * SampleRate)}
	for i := range pcm[0] {
		pcm[0][i] = float32(i%100) / 100
	}
	_, err := p.Push(pcm)
	require.NoError(t, err)

	p.BeginCapture(SampleRate / 2)
	buf, err := p.EndCapture(SampleRate, true)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Same(t, captured, buf)
	require.Equal(t, SampleRate/2, buf.Length())
	for i := 0; i < buf.Length(); i += 1000 {
		assert.Equal(t, pcm[0][SampleRate/2+i], buf.Channels[0][i])
	}
}

func TestPipelineManualCaptureFutureEndFails(t *testing.T) {
	p := newScenarioPipeline(t, 1, nil)
	_, err := p.Push([][]float32{make([]float32, SampleRate)})
	require.NoError(t, err)

	p.BeginCapture(0)
	_, err = p.EndCapture(2*SampleRate, true)
	assert.ErrorIs(t, err, ErrRecorderMissingData)
}

func TestPipelineSliceSegmentRoundTrip(t *testing.T) {
	p := newScenarioPipeline(t, 2, nil)
	pcm := silence(2, SampleRate)
	for ch := range pcm {
		for i := range pcm[ch] {
			pcm[ch][i] = float32(ch*1000+i%97) / 2000
		}
	}
	_, err := p.Push(pcm)
	require.NoError(t, err)

	out := audio.ViewSegment(2)
	require.NoError(t, p.SliceSegment(out, 100, 1100))
	require.Equal(t, 1000, out.Length)
	got := make([]float32, 1000)
	out.Channels[1].CopyTo(got)
	assert.Equal(t, pcm[1][100:1100], got)

	assert.Error(t, p.SliceSegment(out, 500, 500))
}

func TestPipelineAlternateMachinesObserveOnly(t *testing.T) {
	callbacks := 0
	// The alternate tuning rejects everything below 5 s, so it records no
	// segments for a 3 s burst; the primary still detects and records.
	strict := DefaultMachineConfig()
	strict.MinVADDurationSec = 5
	p, err := New(Config{
		SampleRate:  SampleRate,
		Channels:    2,
		Machine:     DefaultMachineConfig(),
		AltMachines: []MachineConfig{strict},
	}, func(*audio.Buffer) { callbacks++ })
	require.NoError(t, err)

	pcm := silence(2, 20*SampleRate)
	spliceSine(pcm[0], 10, 3, 400, 0.3)
	_, err = p.Push(pcm)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	assert.Len(t, p.Segments(), 1)
	assert.Empty(t, p.AltSegments(0))
	// Only the primary drives the recorder.
	assert.Equal(t, 1, callbacks)
}

func TestPipelineDeterminism(t *testing.T) {
	run := func() []Segment {
		p := newScenarioPipeline(t, 2, nil)
		pcm := silence(2, 20*SampleRate)
		spliceSine(pcm[0], 4, 1.5, 300, 0.25)
		spliceSine(pcm[0], 12, 2, 500, 0.35)
		broadbandNoise(pcm[1][:5*SampleRate], 0.01)
		_, err := p.Push(pcm)
		require.NoError(t, err)
		require.NoError(t, p.Flush())
		return p.Segments()
	}
	assert.Equal(t, run(), run())
}
