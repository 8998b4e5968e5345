package audio

import "errors"

// Errors returned by MultiRingBuffer.ReadSlice. They indicate misuse by the
// caller, not a runtime condition the buffer can recover from on its own.
var (
	// ErrInvalidRange means abs_to <= abs_from.
	ErrInvalidRange = errors.New("audio: invalid range")

	// ErrRangeTooLong means the requested range is longer than the buffer
	// capacity and can never be resident all at once.
	ErrRangeTooLong = errors.New("audio: range exceeds buffer capacity")

	// ErrIndexOutOfBounds means part of the requested range has either been
	// overwritten already or not been written yet.
	ErrIndexOutOfBounds = errors.New("audio: range outside readable window")
)

// MultiRingBuffer is a fixed-capacity circular store holding the same number
// of samples for each channel. Positions are absolute: the total number of
// samples ever written acts as a monotonically growing clock, and reads
// address ranges of that clock rather than relative offsets. At any moment
// the readable window is [max(0, total-capacity), total).
type MultiRingBuffer[T any] struct {
	capacity        int
	channels        [][]T
	totalWriteCount uint64
}

// NewMultiRingBuffer allocates storage for nChannels channels of capacity
// samples each.
func NewMultiRingBuffer[T any](nChannels, capacity int) *MultiRingBuffer[T] {
	if nChannels <= 0 || capacity <= 0 {
		panic("audio: ring buffer needs at least one channel and a positive capacity")
	}
	channels := make([][]T, nChannels)
	for ch := range channels {
		channels[ch] = make([]T, capacity)
	}
	return &MultiRingBuffer[T]{capacity: capacity, channels: channels}
}

// Channels returns the channel count.
func (b *MultiRingBuffer[T]) Channels() int { return len(b.channels) }

// Capacity returns the per-channel capacity in samples.
func (b *MultiRingBuffer[T]) Capacity() int { return b.capacity }

// TotalWriteCount returns the absolute index one past the newest sample.
func (b *MultiRingBuffer[T]) TotalWriteCount() uint64 { return b.totalWriteCount }

// WriteIndex returns the physical position the next sample lands on.
func (b *MultiRingBuffer[T]) WriteIndex() int {
	return int(b.totalWriteCount % uint64(b.capacity))
}

// Write copies up to maxCount samples per channel from src starting at
// srcOffset and returns the count actually written. Every channel advances by
// the same count. Writing more than the capacity in one call is an explicit
// overwrite: the buffer cycles through the data and only the last capacity
// samples remain readable, but the absolute clock advances by the full count.
func (b *MultiRingBuffer[T]) Write(src [][]T, srcOffset, maxCount int) int {
	if len(src) != len(b.channels) {
		panic("audio: channel count mismatch")
	}
	count := min(maxCount, len(src[0])-srcOffset)
	if count <= 0 {
		return 0
	}
	for done := 0; done < count; {
		chunk := min(count-done, b.capacity)
		b.writeChunk(src, srcOffset+done, chunk)
		done += chunk
	}
	return count
}

// writeChunk copies n <= capacity samples, splitting the copy in two when the
// write position wraps past the end of the backing arrays.
func (b *MultiRingBuffer[T]) writeChunk(src [][]T, off, n int) {
	w := b.WriteIndex()
	tail := min(n, b.capacity-w)
	for ch := range b.channels {
		copy(b.channels[ch][w:w+tail], src[ch][off:off+tail])
		if n > tail {
			copy(b.channels[ch][:n-tail], src[ch][off+tail:off+n])
		}
	}
	b.totalWriteCount += uint64(n)
}

// ReadSlice fills out with per-channel views of the absolute range
// [absFrom, absTo). The views borrow the buffer storage and stay valid only
// until the range is overwritten by later writes; out must have one entry per
// channel.
func (b *MultiRingBuffer[T]) ReadSlice(out []SplitSlice[T], absFrom, absTo uint64) error {
	if len(out) != len(b.channels) {
		panic("audio: channel count mismatch")
	}
	if absTo <= absFrom {
		return ErrInvalidRange
	}
	if absTo-absFrom > uint64(b.capacity) {
		return ErrRangeTooLong
	}
	var low uint64
	if b.totalWriteCount > uint64(b.capacity) {
		low = b.totalWriteCount - uint64(b.capacity)
	}
	if absFrom < low || absTo > b.totalWriteCount {
		return ErrIndexOutOfBounds
	}
	relFrom := int(absFrom % uint64(b.capacity))
	relTo := int(absTo % uint64(b.capacity))
	for ch := range b.channels {
		if relTo > relFrom {
			out[ch] = SplitSlice[T]{First: b.channels[ch][relFrom:relTo]}
		} else {
			// Wrapped range, including the full-capacity case where
			// relTo == relFrom.
			out[ch] = SplitSlice[T]{
				First:  b.channels[ch][relFrom:],
				Second: b.channels[ch][:relTo],
			}
		}
	}
	return nil
}
