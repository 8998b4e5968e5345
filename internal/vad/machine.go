// Package vad implements the streaming voice activity detector: a
// frame-aligned pipeline that denoises and spectrally analyzes multichannel
// PCM, a threshold state machine that turns band energy into speech segments,
// a padded recorder, and the AudioPipeline facade tying them together.
package vad

import (
	"fmt"

	"github.com/agalue/onboard-vad/internal/dsp"
)

// MachineConfig tunes one detection state machine. Durations are seconds.
type MachineConfig struct {
	// SpeechMinFreq and SpeechMaxFreq bound the band whose summed energy is
	// treated as voice volume. Driver radio voice lives well below the
	// broadband engine noise's upper range.
	SpeechMinFreq float64 `yaml:"speech_min_freq"`
	SpeechMaxFreq float64 `yaml:"speech_max_freq"`

	// LongTermSpeechAvgSec is the self-calibration horizon: the noise-floor
	// estimate the trigger threshold is derived from.
	LongTermSpeechAvgSec float64 `yaml:"long_term_speech_avg_sec"`

	// InitialLongTermAvg seeds the long-term average so the detector has a
	// floor before it has heard anything. Zero disables seeding, in which
	// case the short-term average stands in until the long-term one exists.
	InitialLongTermAvg float64 `yaml:"initial_long_term_avg"`

	// ShortTermSpeechAvgSec smooths the per-window band volume before it is
	// compared against the threshold.
	ShortTermSpeechAvgSec float64 `yaml:"short_term_speech_avg_sec"`

	// SpeechThresholdFactor scales the long-term floor into the trigger
	// threshold.
	SpeechThresholdFactor float64 `yaml:"speech_threshold_factor"`

	// ChannelVolRatioAvgSec and ChannelVolRatioThreshold gate on channel
	// asymmetry: engine noise is near-symmetric across channels (ratio near
	// 1), radio voice raises one channel (ratio well below 1). The trigger
	// requires the averaged ratio to stay below the threshold.
	ChannelVolRatioAvgSec    float64 `yaml:"channel_vol_ratio_avg_sec"`
	ChannelVolRatioThreshold float64 `yaml:"channel_vol_ratio_threshold"`

	// MinConsecutiveSecToOpen is how long the trigger must hold before a
	// recording starts.
	MinConsecutiveSecToOpen float64 `yaml:"min_consecutive_sec_to_open"`

	// MaxSpeechGapSec joins bursts separated by short silence into one
	// segment.
	MaxSpeechGapSec float64 `yaml:"max_speech_gap_sec"`

	// MinVADDurationSec discards detections shorter than this.
	MinVADDurationSec float64 `yaml:"min_vad_duration_sec"`
}

// DefaultMachineConfig returns the tuning used for two-channel onboard audio.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		SpeechMinFreq:            100,
		SpeechMaxFreq:            1500,
		LongTermSpeechAvgSec:     180,
		InitialLongTermAvg:       0.005,
		ShortTermSpeechAvgSec:    0.2,
		SpeechThresholdFactor:    18,
		ChannelVolRatioAvgSec:    0.5,
		ChannelVolRatioThreshold: 0.5,
		MinConsecutiveSecToOpen:  0.2,
		MaxSpeechGapSec:          2.0,
		MinVADDurationSec:        0.7,
	}
}

// SpeechState is the detector's position in the open/close cycle.
type SpeechState int

const (
	StateClosed SpeechState = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s SpeechState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// RecordingState is the machine's instruction to whoever drives the recorder.
type RecordingState int

const (
	// RecordingNone: nothing to do this evaluation.
	RecordingNone RecordingState = iota
	// RecordingStarted: begin capturing at SampleNumber (lookbehind included).
	RecordingStarted
	// RecordingCompleted: the segment is real; capture through SampleNumber
	// (lookahead included) and deliver.
	RecordingCompleted
	// RecordingAborted: the provisional segment was too short; discard.
	RecordingAborted
)

// Decision is the value a machine evaluation returns instead of reaching into
// the recorder itself. SampleNumber carries the padded boundary for Started
// and Completed and is zero otherwise.
type Decision struct {
	State        RecordingState
	SampleNumber uint64
}

// Segment is one detected speech interval in absolute samples, endpoints
// padded by the capture offsets. The debug fields average the denoiser's
// speech likelihood and the channel volume ratio over the triggered
// evaluations that built the segment.
type Segment struct {
	SampleFrom             uint64
	SampleTo               uint64
	DebugRNNVad            float32
	DebugAvgSpeechVolRatio float32
}

// Analyzed is one FFT window's worth of decision inputs. VAD is the denoiser's
// likelihood, negative when the denoiser is disabled.
type Analyzed struct {
	Index       uint64
	VAD         float32
	VolumeRatio float32
}

// Machine turns per-window spectra into speech segments. It owns nothing but
// its rolling state and is driven one evaluation at a time; identical inputs
// always produce identical segments.
type Machine struct {
	cfg        MachineConfig
	sampleRate int
	fft        *dsp.FFT

	longTerm  *dsp.RollingAverage
	shortTerm *dsp.RollingAverage
	ratioAvg  *dsp.RollingAverage

	state       SpeechState
	speechStart uint64
	speechEnd   uint64

	minConsecutive uint64
	maxGap         uint64
	pad            uint64

	bandVols []float32
	segments []Segment

	// Per-segment debug accumulation, reset at each closed->opening edge.
	vadSum    float64
	vadCount  int
	ratioSum  float64
	evalCount int
}

// NewMachine builds a machine evaluating fftSize-sample windows at sampleRate
// over nChannels channels, using fft for band queries.
func NewMachine(cfg MachineConfig, sampleRate, fftSize, nChannels int, fft *dsp.FFT) (*Machine, error) {
	if cfg.SpeechMaxFreq > fft.Nyquist() {
		return nil, fmt.Errorf("vad: speech band top %.1f Hz above nyquist %.1f Hz", cfg.SpeechMaxFreq, fft.Nyquist())
	}
	if cfg.SpeechMinFreq < 0 || cfg.SpeechMinFreq > cfg.SpeechMaxFreq {
		return nil, fmt.Errorf("vad: speech band [%.1f, %.1f] Hz is invalid", cfg.SpeechMinFreq, cfg.SpeechMaxFreq)
	}
	evalsPerSec := float64(sampleRate) / float64(fftSize)
	window := func(sec float64) int {
		return max(1, int(evalsPerSec*sec))
	}
	m := &Machine{
		cfg:            cfg,
		sampleRate:     sampleRate,
		fft:            fft,
		shortTerm:      dsp.NewRollingAverage(window(cfg.ShortTermSpeechAvgSec)),
		ratioAvg:       dsp.NewRollingAverage(window(cfg.ChannelVolRatioAvgSec)),
		minConsecutive: uint64(cfg.MinConsecutiveSecToOpen * float64(sampleRate)),
		maxGap:         uint64(cfg.MaxSpeechGapSec * float64(sampleRate)),
		pad:            uint64(2 * sampleRate),
		bandVols:       make([]float32, nChannels),
	}
	if cfg.InitialLongTermAvg > 0 {
		m.longTerm = dsp.NewSeededRollingAverage(window(cfg.LongTermSpeechAvgSec), cfg.InitialLongTermAvg)
	} else {
		m.longTerm = dsp.NewRollingAverage(window(cfg.LongTermSpeechAvgSec))
	}
	return m, nil
}

// State returns the current speech state.
func (m *Machine) State() SpeechState { return m.state }

// Segments returns the append-only list of finalized speech segments.
func (m *Machine) Segments() []Segment { return m.segments }

// Evaluate consumes one analyzed window plus its spectrum and advances the
// state machine, returning the recording instruction for this step. It never
// fails: out-of-band conditions clamp or discard instead of erroring.
func (m *Machine) Evaluate(a Analyzed, res *dsp.Result) Decision {
	if err := m.fft.AverageVolumeInBand(res, m.cfg.SpeechMinFreq, m.cfg.SpeechMaxFreq, m.bandVols); err != nil {
		// Band bounds are validated at construction; a failure here means the
		// result came from a different transform.
		panic(err)
	}
	minV, maxV := m.bandVols[0], m.bandVols[0]
	for _, v := range m.bandVols[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	// The loudest channel carries the voice when there is one; the quietest
	// is the closest thing to a voice-free noise reference.
	short := m.shortTerm.Push(float64(maxV))
	ratio := m.ratioAvg.Push(float64(a.VolumeRatio))

	base, ok := m.longTerm.LastAvg()
	if !ok {
		base = short
	}
	threshold := base * m.cfg.SpeechThresholdFactor
	triggered := short > threshold && ratio < m.cfg.ChannelVolRatioThreshold

	// Self-calibration freezes while voice is detected so the floor does not
	// chase the speaker.
	if !triggered {
		m.longTerm.Push(float64(minV))
	}

	return m.step(a, triggered)
}

// step runs the four-state transition table for one evaluation.
func (m *Machine) step(a Analyzed, triggered bool) Decision {
	switch m.state {
	case StateClosed:
		if triggered {
			m.state = StateOpening
			m.speechStart = a.Index
			m.resetSegmentStats()
			m.accumulate(a)
		}

	case StateOpening:
		if !triggered {
			m.state = StateClosed
			return Decision{}
		}
		m.accumulate(a)
		if a.Index-m.speechStart >= m.minConsecutive {
			m.state = StateOpen
			return Decision{State: RecordingStarted, SampleNumber: m.offsetStart(m.speechStart)}
		}

	case StateOpen:
		if triggered {
			m.accumulate(a)
		} else {
			m.state = StateClosing
			m.speechEnd = a.Index
		}

	case StateClosing:
		if triggered {
			m.state = StateOpen
			m.accumulate(a)
		} else if a.Index-m.speechEnd >= m.maxGap {
			return m.finalize()
		}
	}
	return Decision{}
}

// finalize closes the pending segment, appending it when it is long enough.
func (m *Machine) finalize() Decision {
	m.state = StateClosed
	duration := m.speechEnd - m.speechStart
	if float64(duration)/float64(m.sampleRate) < m.cfg.MinVADDurationSec {
		return Decision{State: RecordingAborted}
	}
	seg := Segment{
		SampleFrom: m.offsetStart(m.speechStart),
		SampleTo:   m.offsetEnd(m.speechEnd),
	}
	if m.vadCount > 0 {
		seg.DebugRNNVad = float32(m.vadSum / float64(m.vadCount))
	}
	if m.evalCount > 0 {
		seg.DebugAvgSpeechVolRatio = float32(m.ratioSum / float64(m.evalCount))
	}
	m.segments = append(m.segments, seg)
	return Decision{State: RecordingCompleted, SampleNumber: seg.SampleTo}
}

// FlushAt ends the stream at index: a segment still forming is closed as if
// silence followed. Only meaningful as the very last call on a machine.
func (m *Machine) FlushAt(index uint64) Decision {
	switch m.state {
	case StateOpen:
		m.speechEnd = index
		m.state = StateClosing
		return m.finalize()
	case StateClosing:
		return m.finalize()
	case StateOpening:
		m.state = StateClosed
	}
	return Decision{}
}

func (m *Machine) resetSegmentStats() {
	m.vadSum, m.ratioSum = 0, 0
	m.vadCount, m.evalCount = 0, 0
}

func (m *Machine) accumulate(a Analyzed) {
	if a.VAD >= 0 {
		m.vadSum += float64(a.VAD)
		m.vadCount++
	}
	m.ratioSum += float64(a.VolumeRatio)
	m.evalCount++
}

// offsetStart pads the detected start with lookbehind, clamped at the stream
// origin.
func (m *Machine) offsetStart(i uint64) uint64 {
	if i < m.pad {
		return 0
	}
	return i - m.pad
}

// offsetEnd pads the detected end with lookahead; the result may point past
// the samples ingested so far, in which case the recording waits for them.
func (m *Machine) offsetEnd(i uint64) uint64 {
	return i + m.pad
}
