package audio

// Segment is a multichannel view over a contiguous absolute sample range.
// Index is the absolute sample number of the first sample; every channel view
// has total length Length. Segments produced by the ring buffer borrow its
// storage; segments created with NewOwnedSegment carry their own.
type Segment struct {
	Channels []SplitSlice[float32]
	Index    uint64
	Length   int
}

// NewOwnedSegment allocates a segment backed by its own contiguous per-channel
// storage. The data of channel ch is addressable as Channels[ch].First.
func NewOwnedSegment(nChannels, length int) *Segment {
	s := &Segment{
		Channels: make([]SplitSlice[float32], nChannels),
		Length:   length,
	}
	for ch := range s.Channels {
		s.Channels[ch] = SplitSlice[float32]{First: make([]float32, length)}
	}
	return s
}

// ViewSegment returns a segment with per-channel view slots ready to be filled
// by MultiRingBuffer.ReadSlice.
func ViewSegment(nChannels int) *Segment {
	return &Segment{Channels: make([]SplitSlice[float32], nChannels)}
}

// Data returns the contiguous storage of channel ch. Only valid for owned
// segments, whose channels never wrap.
func (s *Segment) Data(ch int) []float32 {
	if len(s.Channels[ch].Second) != 0 {
		panic("audio: Data called on a wrapped segment view")
	}
	return s.Channels[ch].First
}

// SegmentWriter accumulates source segments into an owned target segment of
// fixed length, tracking how many samples have landed so far. It is the
// mechanism that realigns denoiser-sized frames onto FFT-sized windows.
type SegmentWriter struct {
	Segment    *Segment
	WriteIndex int
}

// NewSegmentWriter creates a writer over a freshly allocated target segment
// starting at absolute index.
func NewSegmentWriter(nChannels, length int, index uint64) *SegmentWriter {
	seg := NewOwnedSegment(nChannels, length)
	seg.Index = index
	return &SegmentWriter{Segment: seg}
}

// Write copies samples from src starting at srcOffset into the target at the
// current write position and returns the number copied, limited by both the
// source remainder and the space left in the target.
func (w *SegmentWriter) Write(src *Segment, srcOffset int) int {
	if len(src.Channels) != len(w.Segment.Channels) {
		panic("audio: channel count mismatch")
	}
	n := min(w.Segment.Length-w.WriteIndex, src.Length-srcOffset)
	if n <= 0 {
		return 0
	}
	for ch := range w.Segment.Channels {
		dst := w.Segment.Channels[ch].First[w.WriteIndex : w.WriteIndex+n]
		src.Channels[ch].Slice(srcOffset, srcOffset+n).CopyTo(dst)
	}
	w.WriteIndex += n
	return n
}

// Full reports whether the target has been filled completely.
func (w *SegmentWriter) Full() bool {
	return w.WriteIndex == w.Segment.Length
}

// Reset zeroes the write position and reassigns the target's absolute index,
// reusing the existing storage.
func (w *SegmentWriter) Reset(newIndex uint64) {
	w.WriteIndex = 0
	w.Segment.Index = newIndex
}

// Grow extends the target to newLength samples per channel, preserving the
// samples written so far. Shrinking is not supported.
func (w *SegmentWriter) Grow(newLength int) {
	if newLength <= w.Segment.Length {
		return
	}
	for ch := range w.Segment.Channels {
		grown := make([]float32, newLength)
		copy(grown, w.Segment.Channels[ch].First[:w.WriteIndex])
		w.Segment.Channels[ch] = SplitSlice[float32]{First: grown}
	}
	w.Segment.Length = newLength
}
