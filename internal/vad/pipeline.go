package vad

import (
	"math"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/dsp"
)

// Denoiser is the per-channel noise suppression contract. ProcessFrame
// consumes exactly DenoiserFrameSize normalized samples, writes the cleaned
// frame into out and returns the frame's speech likelihood in [0, 1].
// Implementations carry internal state, so one instance serves one channel.
type Denoiser interface {
	ProcessFrame(in, out []float32) float32
	Close()
}

// DenoiserFrameSize is the denoiser's fixed frame length, 10 ms at 48 kHz.
const DenoiserFrameSize = 480

// pipeline is the frame-aligned core: it pulls read-size slices out of the
// ring buffer, runs preprocessing and the optional denoiser, realigns the
// result onto FFT windows, and feeds every full window's spectrum to the
// state machines. All scratch storage is allocated at construction and reused
// each iteration, so the steady state does not allocate.
type pipeline struct {
	ring      *audio.MultiRingBuffer[float32]
	readCount uint64
	readSize  int

	scratch  *audio.Segment // view over the ring buffer
	denoised *audio.Segment // owned, one denoiser frame
	inFrame  []float32      // contiguous copy for the denoiser

	denoisers []Denoiser

	writer *audio.SegmentWriter
	fft    *dsp.FFT
	window []float32
	result *dsp.Result

	// Weighted accumulators: each source frame contributes to the current FFT
	// window proportionally to the samples it lands there.
	vadAcc   float64
	ratioAcc float64
	hasVAD   bool

	machines  []*Machine // [0] is primary; the rest are alternates
	decisions []Decision
}

func newPipeline(ring *audio.MultiRingBuffer[float32], fft *dsp.FFT, fftSize int, denoisers []Denoiser, machines []*Machine) *pipeline {
	n := ring.Channels()
	readSize := fftSize
	if len(denoisers) > 0 {
		readSize = DenoiserFrameSize
	}
	p := &pipeline{
		ring:      ring,
		readSize:  readSize,
		scratch:   audio.ViewSegment(n),
		denoisers: denoisers,
		writer:    audio.NewSegmentWriter(n, fftSize, 0),
		fft:       fft,
		window:    dsp.PeriodicHann(fftSize),
		result:    dsp.NewResult(n, fftSize),
		hasVAD:    len(denoisers) > 0,
		machines:  machines,
	}
	if len(denoisers) > 0 {
		p.denoised = audio.NewOwnedSegment(n, DenoiserFrameSize)
		p.inFrame = make([]float32, DenoiserFrameSize)
	}
	return p
}

// process consumes every complete read-size slice the ring buffer holds past
// the read cursor and returns the primary machine's recording decisions, in
// order. The returned slice is reused across calls.
func (p *pipeline) process() []Decision {
	p.decisions = p.decisions[:0]
	for p.ring.TotalWriteCount()-p.readCount >= uint64(p.readSize) {
		from := p.readCount
		to := from + uint64(p.readSize)
		if err := p.ring.ReadSlice(p.scratch.Channels, from, to); err != nil {
			// The cursor trails the write head by construction; a failure
			// here is a bookkeeping bug, not an input condition.
			panic(err)
		}
		p.scratch.Index = from
		p.scratch.Length = p.readSize

		ratio := channelVolumeRatio(p.scratch)

		src := p.scratch
		vad := float32(-1)
		if len(p.denoisers) > 0 {
			vad = p.denoise()
			src = p.denoised
			src.Index = from
		}

		p.accumulate(src, vad, ratio)
		p.readCount = to
	}
	return p.decisions
}

// denoise runs every channel's denoiser over the current scratch slice and
// returns the minimum speech likelihood across channels. Taking the minimum
// is deliberately conservative: engine noise fools single channels far more
// often than it fools all of them at once.
func (p *pipeline) denoise() float32 {
	minVAD := float32(math.MaxFloat32)
	for ch, d := range p.denoisers {
		p.scratch.Channels[ch].CopyTo(p.inFrame)
		v := d.ProcessFrame(p.inFrame, p.denoised.Data(ch))
		if v < minVAD {
			minVAD = v
		}
	}
	return minVAD
}

// accumulate forwards a source segment into the FFT window writer, splitting
// across window boundaries as needed and crediting the weighted VAD and
// volume-ratio contributions to whichever window the samples land in.
func (p *pipeline) accumulate(seg *audio.Segment, vad, ratio float32) {
	for off := 0; off < seg.Length; {
		written := p.writer.Write(seg, off)
		w := float64(written)
		if vad >= 0 {
			p.vadAcc += float64(vad) * w
		}
		p.ratioAcc += float64(ratio) * w
		off += written
		if p.writer.Full() {
			p.flushWindow()
		}
	}
}

// flushWindow transforms the completed FFT window and evaluates every machine
// on it. Alternate machines record their own segments but only the primary's
// decisions drive the recorder.
func (p *pipeline) flushWindow() {
	win := p.writer.Segment
	for ch := range win.Channels {
		p.fft.Transform(win.Channels[ch], p.window, p.result.Bins[ch])
	}
	p.result.Index = win.Index

	n := float64(win.Length)
	a := Analyzed{
		Index:       win.Index,
		VAD:         -1,
		VolumeRatio: float32(p.ratioAcc / n),
	}
	if p.hasVAD {
		a.VAD = float32(p.vadAcc / n)
	}

	for i, m := range p.machines {
		d := m.Evaluate(a, p.result)
		if i == 0 && d.State != RecordingNone {
			p.decisions = append(p.decisions, d)
		}
	}

	p.writer.Reset(win.Index + uint64(win.Length))
	p.vadAcc, p.ratioAcc = 0, 0
}

// flush ends the stream for every machine and returns the primary's final
// decision. Samples still buffered short of a full read slice are dropped;
// the pipeline is frame-aligned by contract.
func (p *pipeline) flush() Decision {
	end := p.ring.TotalWriteCount()
	var primary Decision
	for i, m := range p.machines {
		d := m.FlushAt(end)
		if i == 0 {
			primary = d
		}
	}
	return primary
}

// channelVolumeRatio returns min RMS over max RMS across channels, the
// monaural-content hint: voice raises one channel above the symmetric
// engine-noise floor, pushing the ratio down.
func channelVolumeRatio(seg *audio.Segment) float32 {
	var minRMS, maxRMS float64
	for ch := range seg.Channels {
		var sum float64
		for _, v := range seg.Channels[ch].First {
			sum += float64(v) * float64(v)
		}
		for _, v := range seg.Channels[ch].Second {
			sum += float64(v) * float64(v)
		}
		rms := math.Sqrt(sum / float64(seg.Length))
		if ch == 0 || rms < minRMS {
			minRMS = rms
		}
		if ch == 0 || rms > maxRMS {
			maxRMS = rms
		}
	}
	if maxRMS == 0 {
		return 0
	}
	return float32(minRMS / maxRMS)
}
