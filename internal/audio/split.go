// Package audio provides the sample storage and view types shared by every
// stage of the detection pipeline: a multichannel ring buffer addressed by
// absolute sample indices, two-part slice views over possibly-wrapped ranges,
// and fixed-length segment accumulation.
package audio

// SplitSlice is a read-only view of a logically contiguous run of values that
// may be stored in two physical parts. Ring buffer reads that cross the end of
// the backing array return the tail of the array in First and the wrapped head
// in Second; reads that do not wrap leave Second empty. The logical content is
// always the concatenation First ++ Second.
type SplitSlice[T any] struct {
	First  []T
	Second []T
}

// Len returns the total logical length of the view.
func (s SplitSlice[T]) Len() int {
	return len(s.First) + len(s.Second)
}

// At returns the value at logical position i.
func (s SplitSlice[T]) At(i int) T {
	if i < len(s.First) {
		return s.First[i]
	}
	return s.Second[i-len(s.First)]
}

// Slice returns the logical sub-range [from, to) as a new view sharing the
// same storage. Bounds follow the usual slice rules.
func (s SplitSlice[T]) Slice(from, to int) SplitSlice[T] {
	if from < 0 || to < from || to > s.Len() {
		panic("audio: SplitSlice range out of bounds")
	}
	f := len(s.First)
	switch {
	case to <= f:
		return SplitSlice[T]{First: s.First[from:to]}
	case from >= f:
		return SplitSlice[T]{First: s.Second[from-f : to-f]}
	default:
		return SplitSlice[T]{First: s.First[from:], Second: s.Second[:to-f]}
	}
}

// CopyTo copies the logical content into dst and returns the number of values
// copied, min(len(dst), s.Len()).
func (s SplitSlice[T]) CopyTo(dst []T) int {
	n := copy(dst, s.First)
	if n < len(dst) {
		n += copy(dst[n:], s.Second)
	}
	return n
}
