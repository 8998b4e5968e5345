// Package sim drives batch simulations: it streams recorded audio through
// pipeline instances, evaluates the detected segments against reference
// labels and persists recordings and reports.
package sim

import (
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/vad"
)

// Stream reads a WAV file as successive deinterleaved float frames. The file
// must already be at the pipeline rate; there is no resampling.
type Stream struct {
	f        *os.File
	dec      *wav.Decoder
	channels int
	scale    float32
	buf      *goaudio.IntBuffer
	frames   [][]float32
}

// OpenStream opens path for streaming reads of frameCount samples per
// channel.
func OpenStream(path string, frameCount int) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("sim: %s is not a valid WAV file", path)
	}
	if int(dec.SampleRate) != vad.SampleRate {
		f.Close()
		return nil, fmt.Errorf("sim: %s is %d Hz, pipeline requires %d Hz", path, dec.SampleRate, vad.SampleRate)
	}
	if dec.BitDepth != 16 && dec.BitDepth != 24 && dec.BitDepth != 32 {
		f.Close()
		return nil, fmt.Errorf("sim: unsupported bit depth %d in %s", dec.BitDepth, path)
	}
	channels := int(dec.NumChans)
	frames := make([][]float32, channels)
	for ch := range frames {
		frames[ch] = make([]float32, frameCount)
	}
	return &Stream{
		f:        f,
		dec:      dec,
		channels: channels,
		scale:    float32(int(1) << (dec.BitDepth - 1)),
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			Data:   make([]int, frameCount*channels),
		},
		frames: frames,
	}, nil
}

// Channels returns the stream's channel count.
func (s *Stream) Channels() int { return s.channels }

// Next returns the next chunk of deinterleaved normalized samples, possibly
// short at the end of the file, or io.EOF when the file is exhausted. The
// returned slices are reused by the following call.
func (s *Stream) Next() ([][]float32, error) {
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	samples := n / s.channels
	for ch := range s.frames {
		frame := s.frames[ch][:samples]
		for i := range frame {
			frame[i] = float32(s.buf.Data[i*s.channels+ch]) / s.scale
		}
		s.frames[ch] = frame
	}
	return s.frames, nil
}

// Close releases the underlying file.
func (s *Stream) Close() error { return s.f.Close() }

// LoadAll decodes the whole file into memory, one slice per channel. Used by
// preloading plans to keep file I/O out of the timed path.
func LoadAll(path string) ([][]float32, error) {
	st, err := OpenStream(path, vad.SampleRate)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	channels := make([][]float32, st.Channels())
	for {
		frames, err := st.Next()
		if err == io.EOF {
			return channels, nil
		}
		if err != nil {
			return nil, err
		}
		for ch := range channels {
			channels[ch] = append(channels[ch], frames[ch]...)
		}
	}
}

// WriteWAV persists a recording as 16-bit PCM.
func WriteWAV(path string, buf *audio.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, buf.SampleRate, 16, len(buf.Channels), 1)
	length := buf.Length()
	out := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: len(buf.Channels), SampleRate: buf.SampleRate},
		Data:           make([]int, length*len(buf.Channels)),
		SourceBitDepth: 16,
	}
	for ch, samples := range buf.Channels {
		for i, v := range samples {
			out.Data[i*len(buf.Channels)+ch] = clampPCM16(v)
		}
	}
	if err := enc.Write(out); err != nil {
		return err
	}
	return enc.Close()
}

func clampPCM16(v float32) int {
	scaled := int(v * 32767)
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return scaled
}
