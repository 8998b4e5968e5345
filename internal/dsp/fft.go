package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/agalue/onboard-vad/internal/audio"
)

// FFT is a real-input transform of fixed size bound to a sample rate. It owns
// the gonum plan plus float64 scratch so repeated transforms do not allocate.
// Output bins are magnitudes normalized so a unit-amplitude tone sitting on a
// bin center reads 1.0 after window correction.
type FFT struct {
	size       int
	sampleRate int
	plan       *fourier.FFT
	in         []float64
	coeffs     []complex128
}

// NewFFT creates a transform for fftSize samples at sampleRate Hz. The size
// must be positive and even.
func NewFFT(fftSize, sampleRate int) (*FFT, error) {
	if fftSize <= 0 || fftSize%2 != 0 {
		return nil, fmt.Errorf("dsp: fft size must be positive and even, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("dsp: sample rate must be positive, got %d", sampleRate)
	}
	return &FFT{
		size:       fftSize,
		sampleRate: sampleRate,
		plan:       fourier.NewFFT(fftSize),
		in:         make([]float64, fftSize),
		coeffs:     make([]complex128, fftSize/2+1),
	}, nil
}

// BinCount returns the number of output bins, fftSize/2 + 1.
func (f *FFT) BinCount() int { return f.size/2 + 1 }

// BinWidth returns the frequency width of one bin in Hz.
func (f *FFT) BinWidth() float64 { return float64(f.sampleRate) / float64(f.size) }

// Nyquist returns the highest representable frequency in Hz.
func (f *FFT) Nyquist() float64 { return float64(f.sampleRate) / 2 }

// FreqToBin returns the bin whose center is nearest to freq.
func (f *FFT) FreqToBin(freq float64) (int, error) {
	if freq < 0 || freq > f.Nyquist() {
		return 0, fmt.Errorf("dsp: frequency %.1f Hz outside [0, %.1f]", freq, f.Nyquist())
	}
	return int(math.Round(freq / f.BinWidth())), nil
}

// BinToFreq returns the center frequency of bin i in Hz.
func (f *FFT) BinToFreq(i int) float64 { return float64(i) * f.BinWidth() }

// Transform windows the samples, runs the FFT and writes normalized bin
// magnitudes into out. The samples view and the window must both span exactly
// fftSize values, and out must hold BinCount values; the correction factor is
// derived from the window's coherent gain so different windows stay
// comparable.
func (f *FFT) Transform(samples audio.SplitSlice[float32], window []float32, out []float32) {
	if samples.Len() != f.size || len(window) != f.size {
		panic("dsp: transform input does not match fft size")
	}
	if len(out) != f.BinCount() {
		panic("dsp: transform output does not match bin count")
	}
	var windowSum float64
	i := 0
	for _, v := range samples.First {
		f.in[i] = float64(v) * float64(window[i])
		windowSum += float64(window[i])
		i++
	}
	for _, v := range samples.Second {
		f.in[i] = float64(v) * float64(window[i])
		windowSum += float64(window[i])
		i++
	}
	f.plan.Coefficients(f.coeffs, f.in)
	// Amplitude correction: divide by half the window sum so that a full-scale
	// tone on a bin center produces 1.0.
	scale := 2 / windowSum
	for k, c := range f.coeffs {
		out[k] = float32(cmplx.Abs(c) * scale)
	}
}

// PeriodicHann returns a Hann window of the given length in its periodic
// (DFT-even) form, the variant that tiles seamlessly across adjacent windows.
func PeriodicHann(size int) []float32 {
	w := make([]float32, size)
	for i := range w {
		w[i] = float32(0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size))))
	}
	return w
}

// Result carries the normalized spectra of one FFT window for all channels.
// Index is the absolute sample index of the window's first sample.
type Result struct {
	Index   uint64
	FFTSize int
	Bins    [][]float32
}

// NewResult allocates a result for nChannels channels of an fftSize transform.
func NewResult(nChannels, fftSize int) *Result {
	bins := make([][]float32, nChannels)
	for ch := range bins {
		bins[ch] = make([]float32, fftSize/2+1)
	}
	return &Result{FFTSize: fftSize, Bins: bins}
}

// AverageVolumeInBand writes into out, per channel, the sum of bin magnitudes
// between fMin and fMax inclusive. The value is a plain sum rather than a
// mean: the state machine calibrates its thresholds against the summed band
// energy, so dividing by the bin count would only rescale every constant.
func (f *FFT) AverageVolumeInBand(res *Result, fMin, fMax float64, out []float32) error {
	from, err := f.FreqToBin(fMin)
	if err != nil {
		return err
	}
	to, err := f.FreqToBin(fMax)
	if err != nil {
		return err
	}
	if to < from {
		return fmt.Errorf("dsp: band [%.1f, %.1f] is inverted", fMin, fMax)
	}
	for ch, bins := range res.Bins {
		var sum float32
		for _, v := range bins[from : to+1] {
			sum += v
		}
		out[ch] = sum
	}
	return nil
}
