package vad

import (
	"errors"
	"fmt"

	"github.com/agalue/onboard-vad/internal/audio"
)

// ErrRecorderMissingData is returned when a recording is finalized before all
// samples up to the requested end have been written into it.
var ErrRecorderMissingData = errors.New("vad: recording finalized before all samples arrived")

type recorderStatus int

const (
	recorderIdle recorderStatus = iota
	recorderRecording
)

// recorder captures a growable, contiguous copy of an absolute sample range.
// It has no opinion about what to record: the facade feeds it ring-buffer
// slices and decides when a capture starts, completes or is discarded.
type recorder struct {
	status     recorderStatus
	writer     *audio.SegmentWriter
	sampleRate int
	nChannels  int
	// growChunk amortizes reallocation while a long segment streams in.
	growChunk int
}

func newRecorder(sampleRate, nChannels int) *recorder {
	chunk := sampleRate * 10
	return &recorder{
		writer:     audio.NewSegmentWriter(nChannels, chunk, 0),
		sampleRate: sampleRate,
		nChannels:  nChannels,
		growChunk:  chunk,
	}
}

func (r *recorder) recording() bool { return r.status == recorderRecording }

// start positions the recording at absolute sample from. The caller
// serializes recordings; starting while one is active is a bug.
func (r *recorder) start(from uint64) {
	if r.status != recorderIdle {
		panic("vad: recorder started while already recording")
	}
	r.writer.Reset(from)
	r.status = recorderRecording
}

// write appends one segment. Segments must arrive contiguously: seg.Index has
// to be exactly the first absolute sample not yet stored.
func (r *recorder) write(seg *audio.Segment) error {
	if r.status != recorderRecording {
		panic("vad: recorder write while idle")
	}
	expect := r.writer.Segment.Index + uint64(r.writer.WriteIndex)
	if seg.Index != expect {
		return fmt.Errorf("vad: non-contiguous recorder write at %d, expected %d", seg.Index, expect)
	}
	need := r.writer.WriteIndex + seg.Length
	if need > r.writer.Segment.Length {
		r.writer.Grow(max(need, r.writer.Segment.Length+r.growChunk))
	}
	for off := 0; off < seg.Length; {
		n := r.writer.Write(seg, off)
		if n == 0 {
			// Cannot happen after the grow above; guard against silent loops.
			panic("vad: recorder write made no progress")
		}
		off += n
	}
	return nil
}

// writtenThrough returns the absolute index one past the last stored sample.
func (r *recorder) writtenThrough() uint64 {
	return r.writer.Segment.Index + uint64(r.writer.WriteIndex)
}

// finalize ends the recording. With keep=false the storage is retained for
// the next capture and nothing is returned. With keep=true every sample up to
// 'to' must have been written; the storage is shrunk to the exact size,
// handed out as a Buffer, and replaced by a fresh allocation.
func (r *recorder) finalize(to uint64, keep bool) (*audio.Buffer, error) {
	r.status = recorderIdle
	if !keep {
		return nil, nil
	}
	if r.writtenThrough() < to || to < r.writer.Segment.Index {
		return nil, fmt.Errorf("%w: have [%d, %d), want through %d",
			ErrRecorderMissingData, r.writer.Segment.Index, r.writtenThrough(), to)
	}
	length := int(to - r.writer.Segment.Index)
	buf := &audio.Buffer{
		SampleRate: r.sampleRate,
		Channels:   make([][]float32, r.nChannels),
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = r.writer.Segment.Data(ch)[:length:length]
	}
	// The delivered buffer owns the old storage now.
	r.writer = audio.NewSegmentWriter(r.nChannels, r.growChunk, 0)
	return buf, nil
}
