// Package config provides configuration and CLI argument parsing for the
// detection tools.
package config

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/agalue/onboard-vad/internal/vad"
)

// Config holds all settings for one vadsim invocation. Populated from CLI
// flags with defaults suitable for two-channel onboard audio.
type Config struct {
	// PlanPath points at a run-plan file describing the instances to
	// simulate. Empty when running in listen or live mode.
	PlanPath string

	// Listen is the address for the WebSocket PCM ingress ("host:port").
	// Empty disables the server.
	Listen string

	// Live captures from the default input device instead of files.
	Live bool

	// Channels is the channel count for listen and live modes; plan mode
	// takes the count from each audio file.
	Channels int

	// OutputDir receives recordings, annotated labels and log files.
	// Overridden by the run plan when it names its own.
	OutputDir string

	// UseDenoiser toggles the noise suppressor in front of the analysis.
	UseDenoiser bool

	// FFTSize is the spectral window length in samples.
	FFTSize int

	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string

	// LogToFile duplicates logs into OutputDir/vadsim.log with rotation.
	LogToFile bool

	// Machine is the primary detector tuning.
	Machine vad.MachineConfig
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Channels:    2,
		OutputDir:   "out",
		UseDenoiser: true,
		FFTSize:     2048,
		LogLevel:    "info",
		Machine:     vad.DefaultMachineConfig(),
	}
}

// ParseFlags parses command-line flags and returns a Config.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()

	flag.StringVar(&cfg.PlanPath, "plan", cfg.PlanPath, "Run-plan file describing simulation instances")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "WebSocket ingress listen address (e.g. :8777); exclusive with --plan and --live")
	flag.BoolVar(&cfg.Live, "live", cfg.Live, "Capture from the default input device instead of files")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "Channel count for listen and live modes")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for recordings, annotated labels and logs")
	flag.BoolVar(&cfg.UseDenoiser, "denoise", cfg.UseDenoiser, "Run the noise suppressor in front of the analysis")
	flag.IntVar(&cfg.FFTSize, "fft-size", cfg.FFTSize, "Spectral window length in samples (positive, even)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.LogToFile, "log-file", cfg.LogToFile, "Also write logs into the output directory")

	flag.Float64Var(&cfg.Machine.SpeechThresholdFactor, "speech-threshold-factor", cfg.Machine.SpeechThresholdFactor,
		"Trigger threshold as a multiple of the long-term band volume")
	flag.Float64Var(&cfg.Machine.ChannelVolRatioThreshold, "vol-ratio-threshold", cfg.Machine.ChannelVolRatioThreshold,
		"Channel volume ratio below which content counts as voice")
	flag.Float64Var(&cfg.Machine.MinVADDurationSec, "min-vad-duration", cfg.Machine.MinVADDurationSec,
		"Discard detections shorter than this many seconds")
	flag.Float64Var(&cfg.Machine.MaxSpeechGapSec, "max-speech-gap", cfg.Machine.MaxSpeechGapSec,
		"Join bursts separated by up to this many seconds of silence")

	flag.Parse()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	modes := 0
	if c.PlanPath != "" {
		modes++
	}
	if c.Listen != "" {
		modes++
	}
	if c.Live {
		modes++
	}
	if modes == 0 {
		return fmt.Errorf("one of --plan, --listen or --live is required")
	}
	if modes > 1 {
		return fmt.Errorf("--plan, --listen and --live are mutually exclusive")
	}
	if c.PlanPath != "" {
		if _, err := os.Stat(c.PlanPath); err != nil {
			return fmt.Errorf("run plan not found: %s", c.PlanPath)
		}
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", c.Channels)
	}
	if c.FFTSize <= 0 || c.FFTSize%2 != 0 {
		return fmt.Errorf("fft size must be positive and even, got %d", c.FFTSize)
	}
	return nil
}
