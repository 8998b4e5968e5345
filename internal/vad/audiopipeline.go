package vad

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/dsp"
)

// SampleRate is the only rate the pipeline operates at; the denoiser model is
// trained for it and every duration constant assumes it.
const SampleRate = 48000

// ErrConfigInvalid wraps every constructor-time configuration rejection.
var ErrConfigInvalid = errors.New("vad: invalid configuration")

// Config configures one AudioPipeline instance.
type Config struct {
	// SampleRate must be SampleRate (48000); anything else is rejected.
	SampleRate int
	// Channels is the channel count of the incoming PCM, at least 1.
	Channels int
	// BufferCapacity is the ring buffer length in samples per channel.
	// Defaults to ten seconds, which leaves room for the two-second
	// lookbehind plus scheduling slack.
	BufferCapacity int
	// FFTSize is the spectral window length in samples. Defaults to 2048.
	FFTSize int
	// UseDenoiser enables the per-channel noise suppressor.
	UseDenoiser bool
	// NewDenoiser constructs one denoiser state; called once per channel when
	// UseDenoiser is set.
	NewDenoiser func() (Denoiser, error)
	// Machine tunes the primary state machine.
	Machine MachineConfig
	// AltMachines are alternate tunings evaluated in parallel for comparison
	// runs. Their segments are collected but never drive the recorder.
	AltMachines []MachineConfig
	// Logger receives debug diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// RecordingCallback receives a completed padded recording. The buffer belongs
// to the callee only for the duration of the call.
type RecordingCallback func(*audio.Buffer)

// AudioPipeline is the public facade: PCM goes in through Push, detected
// segments accumulate for retrieval, and finished recordings come back
// through the callback. An instance is single-threaded; callers serialize all
// operations on it. Independent streams use independent instances.
type AudioPipeline struct {
	cfg  Config
	log  *zap.Logger
	ring *audio.MultiRingBuffer[float32]
	vad  *pipeline
	rec  *recorder

	// recFed is the absolute index up to which the active recording has been
	// copied out of the ring buffer.
	recFed uint64

	// A completed segment whose lookahead padding is still in the future
	// parks here until the samples arrive.
	pendingEnd      uint64
	pendingFinalize bool

	onRecording RecordingCallback
	pushChunk   int
	recScratch  *audio.Segment
}

// New validates the configuration and builds a pipeline instance. The ring
// buffer, FFT plan, scratch segments and denoiser states are all allocated
// here; the steady-state audio path reuses them without allocating.
func New(cfg Config, onRecording RecordingCallback) (*AudioPipeline, error) {
	if cfg.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: sample rate must be %d, got %d", ErrConfigInvalid, SampleRate, cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive, got %d", ErrConfigInvalid, cfg.Channels)
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = 2048
	}
	if cfg.FFTSize <= 0 || cfg.FFTSize%2 != 0 {
		return nil, fmt.Errorf("%w: fft size must be positive and even, got %d", ErrConfigInvalid, cfg.FFTSize)
	}
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = 10 * cfg.SampleRate
	}
	if cfg.BufferCapacity < 4*cfg.SampleRate {
		return nil, fmt.Errorf("%w: buffer capacity %d cannot hold the lookbehind window", ErrConfigInvalid, cfg.BufferCapacity)
	}
	if cfg.UseDenoiser && cfg.NewDenoiser == nil {
		return nil, fmt.Errorf("%w: denoiser enabled without a constructor", ErrConfigInvalid)
	}

	fft, err := dsp.NewFFT(cfg.FFTSize, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	var denoisers []Denoiser
	if cfg.UseDenoiser {
		denoisers = make([]Denoiser, 0, cfg.Channels)
		for ch := 0; ch < cfg.Channels; ch++ {
			d, err := cfg.NewDenoiser()
			if err != nil {
				for _, prev := range denoisers {
					prev.Close()
				}
				return nil, fmt.Errorf("vad: creating denoiser for channel %d: %w", ch, err)
			}
			denoisers = append(denoisers, d)
		}
	}

	machineCfgs := append([]MachineConfig{cfg.Machine}, cfg.AltMachines...)
	machines := make([]*Machine, 0, len(machineCfgs))
	for _, mc := range machineCfgs {
		m, err := NewMachine(mc, cfg.SampleRate, cfg.FFTSize, cfg.Channels, fft)
		if err != nil {
			for _, d := range denoisers {
				d.Close()
			}
			return nil, err
		}
		machines = append(machines, m)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ring := audio.NewMultiRingBuffer[float32](cfg.Channels, cfg.BufferCapacity)
	return &AudioPipeline{
		cfg:         cfg,
		log:         log,
		ring:        ring,
		vad:         newPipeline(ring, fft, cfg.FFTSize, denoisers, machines),
		rec:         newRecorder(cfg.SampleRate, cfg.Channels),
		onRecording: onRecording,
		pushChunk:   cfg.BufferCapacity / 2,
		recScratch:  audio.ViewSegment(cfg.Channels),
	}, nil
}

// Push ingests normalized PCM, one equally-long slice per channel, and runs
// detection to completion before returning. It returns the absolute index of
// the first admitted sample. Input is admitted in half-capacity chunks so a
// giant push cannot overrun the ring buffer between detection passes.
func (p *AudioPipeline) Push(pcm [][]float32) (uint64, error) {
	first := p.ring.TotalWriteCount()
	if len(pcm) != p.cfg.Channels {
		return first, fmt.Errorf("vad: push with %d channels, pipeline has %d", len(pcm), p.cfg.Channels)
	}
	n := len(pcm[0])
	for _, ch := range pcm[1:] {
		if len(ch) != n {
			return first, fmt.Errorf("vad: push with unequal channel lengths")
		}
	}
	if n == 0 {
		return first, nil
	}

	for off := 0; off < n; {
		chunk := min(n-off, p.pushChunk)
		if err := p.protectRecording(chunk); err != nil {
			return first, err
		}
		p.ring.Write(pcm, off, chunk)
		off += chunk
		if err := p.runDetection(); err != nil {
			return first, err
		}
	}
	return first, nil
}

// protectRecording copies samples the incoming chunk is about to overwrite
// into the active recording before they disappear from the ring buffer.
func (p *AudioPipeline) protectRecording(incoming int) error {
	if !p.rec.recording() {
		return nil
	}
	after := p.ring.TotalWriteCount() + uint64(incoming)
	if after <= uint64(p.ring.Capacity()) {
		return nil
	}
	endangered := after - uint64(p.ring.Capacity())
	return p.feedRecorder(min(endangered, p.ring.TotalWriteCount()))
}

// feedRecorder copies the ring buffer range [recFed, upTo) into the recorder.
func (p *AudioPipeline) feedRecorder(upTo uint64) error {
	upTo = min(upTo, p.ring.TotalWriteCount())
	for p.recFed < upTo {
		to := min(upTo, p.recFed+uint64(p.ring.Capacity()))
		if err := p.ring.ReadSlice(p.recScratch.Channels, p.recFed, to); err != nil {
			return fmt.Errorf("vad: recording lost samples: %w", err)
		}
		p.recScratch.Index = p.recFed
		p.recScratch.Length = int(to - p.recFed)
		if err := p.rec.write(p.recScratch); err != nil {
			return err
		}
		p.recFed = to
	}
	return nil
}

// runDetection drains the frame-aligned pipeline and acts on its decisions.
func (p *AudioPipeline) runDetection() error {
	for _, d := range p.vad.process() {
		if err := p.handleDecision(d); err != nil {
			return err
		}
	}
	return p.completePending()
}

func (p *AudioPipeline) handleDecision(d Decision) error {
	switch d.State {
	case RecordingStarted:
		// Settle a still-deferred previous recording first. With a gap
		// window shorter than the lookahead padding, new speech can open
		// inside the previous segment's padding; cut that recording short
		// at the samples we have rather than stall the new one.
		if err := p.completePending(); err != nil {
			return err
		}
		if p.pendingFinalize {
			p.pendingEnd = p.ring.TotalWriteCount()
			if err := p.completePending(); err != nil {
				return err
			}
		}
		p.rec.start(d.SampleNumber)
		p.recFed = d.SampleNumber
		p.log.Debug("recording started", zap.Uint64("from", d.SampleNumber))

	case RecordingCompleted:
		p.pendingEnd = d.SampleNumber
		p.pendingFinalize = true

	case RecordingAborted:
		if _, err := p.rec.finalize(0, false); err != nil {
			return err
		}
		p.log.Debug("recording aborted")
	}
	return nil
}

// completePending finalizes a completed recording once its lookahead samples
// have arrived, delivering the buffer to the callback.
func (p *AudioPipeline) completePending() error {
	if !p.pendingFinalize {
		return nil
	}
	if p.ring.TotalWriteCount() < p.pendingEnd {
		return nil
	}
	if err := p.feedRecorder(p.pendingEnd); err != nil {
		return err
	}
	buf, err := p.rec.finalize(p.pendingEnd, true)
	p.pendingFinalize = false
	if err != nil {
		return err
	}
	p.log.Debug("recording completed", zap.Int("samples", buf.Length()))
	if p.onRecording != nil {
		p.onRecording(buf)
	}
	return nil
}

// Flush ends the stream: a segment still forming is closed as if silence
// followed, and a recording waiting on future lookahead samples is finalized
// with what actually arrived. Only Push-free operations may follow.
func (p *AudioPipeline) Flush() error {
	if err := p.handleDecision(p.vad.flush()); err != nil {
		return err
	}
	if p.pendingFinalize && p.pendingEnd > p.ring.TotalWriteCount() {
		p.pendingEnd = p.ring.TotalWriteCount()
	}
	return p.completePending()
}

// Segments returns the primary machine's detected segments.
func (p *AudioPipeline) Segments() []Segment {
	return p.vad.machines[0].Segments()
}

// AltSegments returns the segments of alternate machine i.
func (p *AudioPipeline) AltSegments(i int) []Segment {
	return p.vad.machines[i+1].Segments()
}

// TotalWriteCount returns the absolute index one past the newest admitted
// sample.
func (p *AudioPipeline) TotalWriteCount() uint64 {
	return p.ring.TotalWriteCount()
}

// SliceSegment fills out with views over the absolute range [absFrom, absTo)
// while it is still resident in the ring buffer.
func (p *AudioPipeline) SliceSegment(out *audio.Segment, absFrom, absTo uint64) error {
	if err := p.ring.ReadSlice(out.Channels, absFrom, absTo); err != nil {
		return err
	}
	out.Index = absFrom
	out.Length = int(absTo - absFrom)
	return nil
}

// BeginCapture starts a manual recording at absFrom, independent of the
// detector. absFrom must still be resident in the ring buffer.
func (p *AudioPipeline) BeginCapture(absFrom uint64) {
	p.rec.start(absFrom)
	p.recFed = absFrom
}

// EndCapture finishes a manual recording through absTo. With keep=true the
// buffer is delivered through the recording callback and returned; absTo must
// already have been pushed.
func (p *AudioPipeline) EndCapture(absTo uint64, keep bool) (*audio.Buffer, error) {
	if keep {
		if absTo > p.ring.TotalWriteCount() {
			return nil, fmt.Errorf("%w: capture end %d past write count %d",
				ErrRecorderMissingData, absTo, p.ring.TotalWriteCount())
		}
		if err := p.feedRecorder(absTo); err != nil {
			return nil, err
		}
	}
	buf, err := p.rec.finalize(absTo, keep)
	if err != nil {
		return nil, err
	}
	if buf != nil && p.onRecording != nil {
		p.onRecording(buf)
	}
	return buf, nil
}

// Close releases denoiser states. The pipeline must not be used afterwards.
func (p *AudioPipeline) Close() {
	for _, d := range p.vad.denoisers {
		d.Close()
	}
	p.vad.denoisers = nil
}
