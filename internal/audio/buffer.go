package audio

// Buffer is a finished multichannel recording handed to the recording
// callback. Ownership passes to the callee for the duration of the call; the
// pipeline allocates fresh storage for the next recording, so a callee that
// wants to keep the data beyond the call must copy it.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Length returns the per-channel sample count.
func (b *Buffer) Length() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	return float64(b.Length()) / float64(b.SampleRate)
}
