// Package dsp holds the spectral analysis and rolling statistics used by the
// detection state machine.
package dsp

// RollingAverage is a fixed-window arithmetic mean. Until the window has been
// filled once, the mean covers only the values pushed so far; afterwards it
// covers exactly the last W values. Averaging is done in float64 because the
// long-term window spans thousands of evaluations and float32
// accumulation drifts over that range.
//
// Push recomputes the mean over the whole window. The averages live on the
// per-FFT-window control path, not the per-sample audio path, and W stays in
// the low thousands, so the linear scan is not worth optimizing away.
type RollingAverage struct {
	window   []float64
	writeIdx int
	written  int
	lastAvg  float64
	defined  bool
}

// NewRollingAverage creates an average over a window of size values. The
// average is undefined until the first Push.
func NewRollingAverage(size int) *RollingAverage {
	if size < 1 {
		panic("dsp: rolling average window must hold at least one value")
	}
	return &RollingAverage{window: make([]float64, size)}
}

// NewSeededRollingAverage creates an average whose window is pre-filled with
// seed, so LastAvg is defined immediately and early pushes blend against the
// prior instead of dominating it.
func NewSeededRollingAverage(size int, seed float64) *RollingAverage {
	r := NewRollingAverage(size)
	for i := range r.window {
		r.window[i] = seed
	}
	r.written = size
	r.lastAvg = seed
	r.defined = true
	return r
}

// Push adds x to the window and returns the updated mean.
func (r *RollingAverage) Push(x float64) float64 {
	r.window[r.writeIdx] = x
	r.writeIdx = (r.writeIdx + 1) % len(r.window)
	if r.written < len(r.window) {
		r.written++
	}
	var sum float64
	for _, v := range r.window[:r.written] {
		sum += v
	}
	r.lastAvg = sum / float64(r.written)
	r.defined = true
	return r.lastAvg
}

// LastAvg returns the most recent mean and whether one is defined yet.
func (r *RollingAverage) LastAvg() (float64, bool) {
	return r.lastAvg, r.defined
}
