package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// Capture ring configuration constants.
const (
	// captureRingSize is the number of sample chunks the capture ring can
	// hold. At 48kHz with 32ms chunks this is roughly four seconds of
	// headroom before the consumer falls behind and chunks drop.
	captureRingSize = 128

	// maxSamplesPerChunk bounds one audio callback chunk, interleaved. 32ms
	// at 48kHz stereo is 3072 samples; headroom for devices with larger
	// periods.
	maxSamplesPerChunk = 8192
)

// captureChunk is one interleaved chunk in the capture ring.
type captureChunk struct {
	samples []float32
	len     int
}

// captureRing is a lock-free single-producer single-consumer ring for chunks
// coming off the audio callback thread.
type captureRing struct {
	chunks    [captureRingSize]captureChunk
	head      atomic.Uint64
	tail      atomic.Uint64
	dropCount atomic.Uint64
}

func newCaptureRing() *captureRing {
	rb := &captureRing{}
	for i := range rb.chunks {
		rb.chunks[i].samples = make([]float32, maxSamplesPerChunk)
	}
	return rb
}

// push adds interleaved samples; returns false and drops when full.
func (rb *captureRing) push(samples []float32) bool {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head-tail >= captureRingSize {
		rb.dropCount.Add(1)
		return false
	}
	slot := &rb.chunks[head%captureRingSize]
	n := copy(slot.samples, samples)
	slot.len = n
	rb.head.Add(1)
	return true
}

// pop retrieves the next chunk, nil when empty. The returned slice is only
// valid until the next pop.
func (rb *captureRing) pop() []float32 {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head == tail {
		return nil
	}
	slot := &rb.chunks[tail%captureRingSize]
	samples := slot.samples[:slot.len]
	rb.tail.Add(1)
	return samples
}

// Capturer feeds deinterleaved microphone audio into a consumer callback.
// The audio callback only copies into the lock-free ring; deinterleaving and
// the consumer run on a dedicated goroutine, so the device thread never
// blocks on downstream work.
type Capturer struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	channels int
	rate     uint32
	onFrames func(frames [][]float32)
	running  atomic.Bool
	ring     *captureRing
	stopChan chan struct{}
	wg       sync.WaitGroup
	frames   [][]float32
}

// NewCapturer creates a capturer delivering channels-channel audio at rate Hz
// to onFrames. The device must support the rate natively; there is no
// resampling.
func NewCapturer(rate, channels int, onFrames func(frames [][]float32)) (*Capturer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	frames := make([][]float32, channels)
	for ch := range frames {
		frames[ch] = make([]float32, maxSamplesPerChunk/channels)
	}
	return &Capturer{
		ctx:      ctx,
		channels: channels,
		rate:     uint32(rate),
		onFrames: onFrames,
		ring:     newCaptureRing(),
		stopChan: make(chan struct{}),
		frames:   frames,
	}, nil
}

// Start begins capture from the default input device.
func (c *Capturer) Start() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(c.channels)
	deviceConfig.SampleRate = c.rate
	deviceConfig.PeriodSizeInMilliseconds = 32

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		if !c.running.Load() {
			return
		}
		samples := bytesToFloat32(pInputSamples)
		if len(samples) > 0 {
			c.ring.push(samples)
		}
		returnFloat32Buffer(samples)
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if device.SampleRate() != c.rate {
		device.Uninit()
		return fmt.Errorf("capture device runs at %d Hz, need %d Hz", device.SampleRate(), c.rate)
	}

	c.device = device
	c.running.Store(true)
	c.wg.Add(1)
	go c.processLoop()

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

// processLoop drains the ring, deinterleaves and calls onFrames.
func (c *Capturer) processLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		default:
			interleaved := c.ring.pop()
			if interleaved == nil {
				select {
				case <-c.stopChan:
					return
				case <-time.After(100 * time.Microsecond):
				}
				continue
			}
			if !c.running.Load() || c.onFrames == nil {
				continue
			}
			samples := len(interleaved) / c.channels
			for ch := 0; ch < c.channels; ch++ {
				frame := c.frames[ch][:samples]
				for i := range frame {
					frame[i] = interleaved[i*c.channels+ch]
				}
				c.frames[ch] = frame
			}
			c.onFrames(c.frames)
		}
	}
}

// DroppedChunks returns how many callback chunks were lost to backpressure.
func (c *Capturer) DroppedChunks() uint64 {
	return c.ring.dropCount.Load()
}

// Stop halts capture and waits for the consumer goroutine.
func (c *Capturer) Stop() {
	c.running.Store(false)
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	c.wg.Wait()
	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
}

// Close releases all audio resources.
func (c *Capturer) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// float32Pool reduces allocations in the audio callback hot path.
var float32Pool = sync.Pool{
	New: func() interface{} {
		buf := make([]float32, maxSamplesPerChunk)
		return &buf
	},
}

// bytesToFloat32 converts raw bytes to float32 samples. The returned slice is
// only valid until returned to the pool.
func bytesToFloat32(data []byte) []float32 {
	numSamples := len(data) / 4
	pBuf := float32Pool.Get().(*[]float32)
	if cap(*pBuf) < numSamples {
		*pBuf = make([]float32, numSamples)
	}
	samples := (*pBuf)[:numSamples]
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// returnFloat32Buffer returns a buffer to the pool.
func returnFloat32Buffer(samples []float32) {
	if samples == nil {
		return
	}
	buf := samples[:cap(samples)]
	float32Pool.Put(&buf)
}
