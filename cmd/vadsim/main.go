// vadsim - streaming voice activity detection for onboard radio audio.
//
// Three ways to feed the detector:
//   - batch simulation of a run plan (--plan), with evaluation against
//     reference labels
//   - a WebSocket PCM ingress (--listen) running one detector per connection
//   - live capture from the default input device (--live)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/config"
	"github.com/agalue/onboard-vad/internal/ingress"
	"github.com/agalue/onboard-vad/internal/logging"
	"github.com/agalue/onboard-vad/internal/rnnoise"
	"github.com/agalue/onboard-vad/internal/sim"
	"github.com/agalue/onboard-vad/internal/vad"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logDir := ""
	if cfg.LogToFile {
		logDir = cfg.OutputDir
	}
	log, err := logging.New(cfg.LogLevel, logDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch {
	case cfg.PlanPath != "":
		err = runPlan(cfg, log)
	case cfg.Listen != "":
		err = runIngress(cfg, log)
	case cfg.Live:
		err = runLive(cfg, log)
	}
	if err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
}

// newDenoiser adapts the rnnoise binding to the pipeline contract.
func newDenoiser() (vad.Denoiser, error) {
	return rnnoise.New()
}

func pipelineConfig(cfg *config.Config, channels int, log *zap.Logger) vad.Config {
	return vad.Config{
		SampleRate:  vad.SampleRate,
		Channels:    channels,
		FFTSize:     cfg.FFTSize,
		UseDenoiser: cfg.UseDenoiser,
		NewDenoiser: newDenoiser,
		Machine:     cfg.Machine,
		Logger:      log,
	}
}

func runPlan(cfg *config.Config, log *zap.Logger) error {
	plan, err := config.LoadRunPlan(cfg.PlanPath)
	if err != nil {
		return err
	}
	log.Info("starting simulation",
		zap.String("plan", cfg.PlanPath),
		zap.Int("instances", len(plan.Instances)))

	results, err := sim.Run(plan, sim.Options{
		UseDenoiser: cfg.UseDenoiser,
		NewDenoiser: newDenoiser,
		FFTSize:     cfg.FFTSize,
		OutputDir:   cfg.OutputDir,
	}, log)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("instance %s: %w", r.Name, r.Err)
		}
	}
	return nil
}

func runIngress(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := func(name string, channels int) (*vad.AudioPipeline, error) {
		plog := log.Named(name)
		return vad.New(pipelineConfig(cfg, channels, plog), func(buf *audio.Buffer) {
			file := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%d.wav", name, buf.Length()))
			if err := sim.WriteWAV(file, buf); err != nil {
				plog.Warn("failed to persist recording", zap.Error(err))
			}
		})
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	return ingress.NewServer(factory, log).ListenAndServe(ctx, cfg.Listen)
}

func runLive(cfg *config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	recordings := 0
	pipe, err := vad.New(pipelineConfig(cfg, cfg.Channels, log), func(buf *audio.Buffer) {
		recordings++
		name := filepath.Join(cfg.OutputDir, fmt.Sprintf("live_%03d.wav", recordings))
		if err := sim.WriteWAV(name, buf); err != nil {
			log.Warn("failed to persist recording", zap.Error(err))
			return
		}
		log.Info("recording saved", zap.String("file", name), zap.Float64("seconds", buf.Duration()))
	})
	if err != nil {
		return err
	}
	defer pipe.Close()

	capturer, err := audio.NewCapturer(vad.SampleRate, cfg.Channels, func(frames [][]float32) {
		if _, err := pipe.Push(frames); err != nil {
			log.Error("push failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer capturer.Close()

	if err := capturer.Start(); err != nil {
		return err
	}
	log.Info("listening on the default input device", zap.Int("channels", cfg.Channels))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	capturer.Stop()
	if err := pipe.Flush(); err != nil {
		return err
	}
	if dropped := capturer.DroppedChunks(); dropped > 0 {
		log.Warn("capture dropped chunks", zap.Uint64("count", dropped))
	}
	for _, seg := range pipe.Segments() {
		log.Info("speech segment",
			zap.Float64("from", float64(seg.SampleFrom)/float64(vad.SampleRate)),
			zap.Float64("to", float64(seg.SampleTo)/float64(vad.SampleRate)),
			zap.Float32("vad", seg.DebugRNNVad),
			zap.Float32("vol_ratio", seg.DebugAvgSpeechVolRatio))
	}
	return nil
}
