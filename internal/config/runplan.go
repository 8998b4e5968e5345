package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agalue/onboard-vad/internal/vad"
)

// RunPlan describes a batch simulation: which audio streams to process and
// how to tune the detectors. Relative paths resolve against the plan file's
// own directory, so plans travel with their data.
type RunPlan struct {
	Instances []InstanceSpec `yaml:"instances"`
	Config    PlanConfig     `yaml:"config"`
}

// InstanceSpec names one stream: the audio to feed and, optionally, the
// reference labels to evaluate against.
type InstanceSpec struct {
	Name      string `yaml:"name"`
	AudioPath string `yaml:"audio_path"`
	RefPath   string `yaml:"ref_path"`
}

// MachineTuning is a detector tuning inside a plan document. Decoding starts
// from the defaults, so a plan only names the fields it changes.
type MachineTuning struct {
	vad.MachineConfig
}

// UnmarshalYAML decodes over the default tuning.
func (m *MachineTuning) UnmarshalYAML(value *yaml.Node) error {
	m.MachineConfig = vad.DefaultMachineConfig()
	return value.Decode(&m.MachineConfig)
}

// PlanConfig carries the plan-wide settings.
type PlanConfig struct {
	// VADConfig overrides the primary detector tuning.
	VADConfig *MachineTuning `yaml:"vad_config"`

	// AltVADConfigs are alternate tunings evaluated in parallel; their
	// segments show up in the evaluation report but never drive recordings.
	AltVADConfigs []MachineTuning `yaml:"alt_vad_configs"`

	// OutputDir receives recordings and annotated labels.
	OutputDir string `yaml:"output_dir"`

	// PreloadAudio decodes each file fully before streaming, taking file
	// I/O jitter out of timing measurements.
	PreloadAudio bool `yaml:"preload_audio"`

	// AudioReadFrameCount is the per-push sample count while streaming.
	AudioReadFrameCount int `yaml:"audio_read_frame_count"`
}

// LoadRunPlan reads and validates a plan file. Every optional detector config
// starts from the defaults so a plan only has to name what it changes.
func LoadRunPlan(path string) (*RunPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run plan: %w", err)
	}

	plan := &RunPlan{}
	plan.Config.AudioReadFrameCount = 4800
	if err := yaml.Unmarshal(raw, plan); err != nil {
		return nil, fmt.Errorf("parsing run plan: %w", err)
	}

	if len(plan.Instances) == 0 {
		return nil, fmt.Errorf("run plan has no instances")
	}
	if plan.Config.AudioReadFrameCount <= 0 {
		return nil, fmt.Errorf("audio_read_frame_count must be positive, got %d", plan.Config.AudioReadFrameCount)
	}

	base := filepath.Dir(path)
	for i := range plan.Instances {
		inst := &plan.Instances[i]
		if inst.Name == "" {
			return nil, fmt.Errorf("instance %d has no name", i)
		}
		if inst.AudioPath == "" {
			return nil, fmt.Errorf("instance %q has no audio_path", inst.Name)
		}
		inst.AudioPath = resolve(base, inst.AudioPath)
		if inst.RefPath != "" {
			inst.RefPath = resolve(base, inst.RefPath)
		}
	}
	if plan.Config.OutputDir != "" {
		plan.Config.OutputDir = resolve(base, plan.Config.OutputDir)
	}
	return plan, nil
}

// MachineConfig returns the plan's primary tuning with defaults applied.
func (p *PlanConfig) MachineConfig() vad.MachineConfig {
	if p.VADConfig != nil {
		return p.VADConfig.MachineConfig
	}
	return vad.DefaultMachineConfig()
}

// AltMachineConfigs returns the alternate tunings as plain configs.
func (p *PlanConfig) AltMachineConfigs() []vad.MachineConfig {
	if len(p.AltVADConfigs) == 0 {
		return nil
	}
	alts := make([]vad.MachineConfig, len(p.AltVADConfigs))
	for i, t := range p.AltVADConfigs {
		alts[i] = t.MachineConfig
	}
	return alts
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
