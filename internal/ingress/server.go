// Package ingress accepts live PCM over WebSocket, one detection pipeline per
// connection.
package ingress

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agalue/onboard-vad/internal/vad"
)

// PipelineFactory builds a pipeline for one connection. The recording
// callback is the factory's business; the server only pushes samples.
type PipelineFactory func(name string, channels int) (*vad.AudioPipeline, error)

// Server upgrades /stream requests and feeds binary frames into per-
// connection pipelines. Frames carry little-endian float32 samples
// interleaved across the channel count announced in the query string.
type Server struct {
	factory  PipelineFactory
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server handing connections to factory-built pipelines.
func NewServer(factory PipelineFactory, log *zap.Logger) *Server {
	return &Server{
		factory: factory,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 12,
		},
	}
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("ingress listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// segmentSummary is the JSON shape of one detected segment in the close
// summary, timestamps in seconds.
type segmentSummary struct {
	From     float64 `json:"from"`
	To       float64 `json:"to"`
	VAD      float32 `json:"vad"`
	VolRatio float32 `json:"vol_ratio"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.RemoteAddr
	}
	channels := 2
	if v := r.URL.Query().Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid channels parameter", http.StatusBadRequest)
			return
		}
		channels = n
	}

	pipe, err := s.factory(name, channels)
	if err != nil {
		s.log.Error("pipeline construction failed", zap.String("name", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer pipe.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("name", name), zap.Error(err))
		return
	}
	defer conn.Close()
	s.log.Info("stream connected", zap.String("name", name), zap.Int("channels", channels))

	frames := make([][]float32, channels)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := deinterleave(payload, channels, frames); err != nil {
			s.log.Warn("bad frame", zap.String("name", name), zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, err.Error()),
				time.Now().Add(time.Second))
			return
		}
		if _, err := pipe.Push(frames); err != nil {
			s.log.Error("push failed", zap.String("name", name), zap.Error(err))
			return
		}
	}

	if err := pipe.Flush(); err != nil {
		s.log.Error("flush failed", zap.String("name", name), zap.Error(err))
		return
	}
	summary := make([]segmentSummary, 0, len(pipe.Segments()))
	for _, seg := range pipe.Segments() {
		summary = append(summary, segmentSummary{
			From:     float64(seg.SampleFrom) / float64(vad.SampleRate),
			To:       float64(seg.SampleTo) / float64(vad.SampleRate),
			VAD:      seg.DebugRNNVad,
			VolRatio: seg.DebugAvgSpeechVolRatio,
		})
	}
	if payload, err := json.Marshal(summary); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	s.log.Info("stream finished", zap.String("name", name),
		zap.Uint64("samples", pipe.TotalWriteCount()), zap.Int("segments", len(summary)))
}

// deinterleave unpacks little-endian float32 interleaved PCM into per-channel
// slices reused across calls.
func deinterleave(payload []byte, channels int, frames [][]float32) error {
	if len(payload)%(4*channels) != 0 {
		return fmt.Errorf("ingress: payload of %d bytes is not whole %d-channel float32 frames", len(payload), channels)
	}
	samples := len(payload) / (4 * channels)
	for ch := range frames {
		if cap(frames[ch]) < samples {
			frames[ch] = make([]float32, samples)
		}
		frames[ch] = frames[ch][:samples]
	}
	for i := 0; i < samples; i++ {
		base := i * 4 * channels
		for ch := 0; ch < channels; ch++ {
			bits := binary.LittleEndian.Uint32(payload[base+ch*4:])
			frames[ch][i] = math.Float32frombits(bits)
		}
	}
	return nil
}
