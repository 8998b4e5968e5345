package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agalue/onboard-vad/internal/audio"
)

const testRate = 48000

func sineView(freq float64, amp float32, n int) audio.SplitSlice[float32] {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/testRate))
	}
	return audio.SplitSlice[float32]{First: samples}
}

func TestNewFFTRejectsBadSizes(t *testing.T) {
	for _, size := range []int{0, -2, 7, 1023} {
		_, err := NewFFT(size, testRate)
		assert.Error(t, err, "size %d", size)
	}
	_, err := NewFFT(2048, 0)
	assert.Error(t, err)
}

func TestFFTBinGeometry(t *testing.T) {
	f, err := NewFFT(2048, testRate)
	require.NoError(t, err)

	assert.Equal(t, 1025, f.BinCount())
	assert.InDelta(t, 23.4375, f.BinWidth(), 1e-9)
	assert.InDelta(t, 24000.0, f.Nyquist(), 1e-9)

	bin, err := f.FreqToBin(100)
	require.NoError(t, err)
	assert.Equal(t, 4, bin)
	bin, err = f.FreqToBin(1500)
	require.NoError(t, err)
	assert.Equal(t, 64, bin)
	assert.InDelta(t, 750.0, f.BinToFreq(32), 1e-9)

	_, err = f.FreqToBin(-1)
	assert.Error(t, err)
	_, err = f.FreqToBin(24001)
	assert.Error(t, err)
}

func TestFFTPureToneOnBinCenter(t *testing.T) {
	f, err := NewFFT(2048, testRate)
	require.NoError(t, err)

	// Bin 32 is exactly 750 Hz; with a periodic Hann window an on-center tone
	// has no leakage beyond its immediate neighbors.
	const amp = 0.25
	window := PeriodicHann(2048)
	out := make([]float32, f.BinCount())
	f.Transform(sineView(750, amp, 2048), window, out)

	assert.InDelta(t, amp, out[32], 1e-3)
	assert.InDelta(t, amp/2, out[31], 1e-3)
	assert.InDelta(t, amp/2, out[33], 1e-3)
	assert.InDelta(t, 0, out[64], 1e-3)
}

func TestFFTWrappedViewMatchesContiguous(t *testing.T) {
	f, err := NewFFT(1024, testRate)
	require.NoError(t, err)

	contiguous := sineView(937.5, 0.5, 1024) // bin 20 at this size
	wrapped := audio.SplitSlice[float32]{
		First:  contiguous.First[:300],
		Second: contiguous.First[300:],
	}
	// Views are read in logical order, so physically identical content must
	// transform identically. Shift the wrapped copy to its own backing array
	// to make sure nothing depends on slice adjacency.
	secondCopy := append([]float32(nil), wrapped.Second...)
	wrapped.Second = secondCopy

	window := PeriodicHann(1024)
	a := make([]float32, f.BinCount())
	b := make([]float32, f.BinCount())
	f.Transform(contiguous, window, a)
	f.Transform(wrapped, window, b)
	assert.Equal(t, a, b)
}

func TestAverageVolumeInBandSumsBins(t *testing.T) {
	f, err := NewFFT(2048, testRate)
	require.NoError(t, err)

	res := NewResult(2, 2048)
	for ch := range res.Bins {
		for i := range res.Bins[ch] {
			res.Bins[ch][i] = float32(ch + 1)
		}
	}

	out := make([]float32, 2)
	require.NoError(t, f.AverageVolumeInBand(res, 100, 1500, out))
	// Bins 4 through 64 inclusive.
	assert.InDelta(t, 61.0, out[0], 1e-3)
	assert.InDelta(t, 122.0, out[1], 1e-3)
}

func TestBandOverFullSpectrumEqualsTotal(t *testing.T) {
	f, err := NewFFT(512, testRate)
	require.NoError(t, err)

	view := sineView(843.75, 0.3, 512) // bin 9 at this size
	window := PeriodicHann(512)
	out := make([]float32, f.BinCount())
	f.Transform(view, window, out)

	res := NewResult(1, 512)
	copy(res.Bins[0], out)

	var total float32
	for _, v := range out {
		total += v
	}
	band := make([]float32, 1)
	require.NoError(t, f.AverageVolumeInBand(res, 0, f.Nyquist(), band))
	assert.InDelta(t, total, band[0], 1e-4)
}

func TestPeriodicHannShape(t *testing.T) {
	w := PeriodicHann(8)
	assert.Zero(t, w[0])
	assert.InDelta(t, 1.0, w[4], 1e-7)
	// Periodic symmetry: w[i] == w[N-i] for 0 < i < N.
	for i := 1; i < 8; i++ {
		assert.InDelta(t, w[8-i], w[i], 1e-7)
	}
}
