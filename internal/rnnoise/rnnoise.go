// Package rnnoise binds the RNNoise noise suppression library.
//
// RNNoise consumes fixed 480-sample frames of 48 kHz PCM and produces a
// cleaned frame together with a speech likelihood for that frame. The library
// works on 16-bit-range float samples, so this wrapper rescales from and back
// to normalized [-1, 1] PCM around each call. Each state is single-channel and
// stateful; multichannel callers create one Denoiser per channel.
//
// Build requirements: librnnoise headers and library must be installed
// (pkg-config name "rnnoise").
package rnnoise

/*
#cgo pkg-config: rnnoise
#include <rnnoise.h>
*/
import "C"

import "errors"

// FrameSize is the number of samples RNNoise consumes and produces per call,
// 10 ms at 48 kHz. The library reports the same value from
// rnnoise_get_frame_size; New verifies they agree.
const FrameSize = 480

// pcmScale maps normalized float PCM onto the 16-bit range the model was
// trained on.
const pcmScale = 1<<15 - 1

// Denoiser wraps one RNNoise state plus conversion scratch. It is not safe
// for concurrent use.
type Denoiser struct {
	st  *C.DenoiseState
	in  [FrameSize]C.float
	out [FrameSize]C.float
}

// New creates a denoiser state using the library's built-in model.
func New() (*Denoiser, error) {
	if int(C.rnnoise_get_frame_size()) != FrameSize {
		return nil, errors.New("rnnoise: library frame size does not match binding")
	}
	st := C.rnnoise_create(nil)
	if st == nil {
		return nil, errors.New("rnnoise: failed to create denoise state")
	}
	return &Denoiser{st: st}, nil
}

// ProcessFrame denoises one frame of normalized PCM from in into out and
// returns the frame's speech likelihood in [0, 1]. Both slices must be
// exactly FrameSize long; anything else is a caller bug.
func (d *Denoiser) ProcessFrame(in, out []float32) float32 {
	if len(in) != FrameSize || len(out) != FrameSize {
		panic("rnnoise: frame length mismatch")
	}
	for i, v := range in {
		d.in[i] = C.float(v * pcmScale)
	}
	vad := C.rnnoise_process_frame(d.st, &d.out[0], &d.in[0])
	for i := range out {
		out[i] = float32(d.out[i]) / pcmScale
	}
	return float32(vad)
}

// Close releases the native state. The denoiser must not be used afterwards.
func (d *Denoiser) Close() {
	if d.st != nil {
		C.rnnoise_destroy(d.st)
		d.st = nil
	}
}
