package sim

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agalue/onboard-vad/internal/audio"
	"github.com/agalue/onboard-vad/internal/config"
	"github.com/agalue/onboard-vad/internal/vad"
)

// Options configures a simulation run beyond what the plan itself carries.
type Options struct {
	// UseDenoiser and NewDenoiser configure the suppressor for every
	// instance. NewDenoiser is required when UseDenoiser is set.
	UseDenoiser bool
	NewDenoiser func() (vad.Denoiser, error)

	// FFTSize is the spectral window length.
	FFTSize int

	// OutputDir is the fallback when the plan names none.
	OutputDir string
}

// InstanceResult is the outcome of one simulated stream.
type InstanceResult struct {
	Name       string
	Samples    uint64
	Segments   []vad.Segment
	Eval       *Evaluation
	Recordings int
	Err        error
}

// Run simulates every instance of the plan, one OS thread's worth of work per
// instance, no state shared between them. It returns one result per instance
// in plan order; instance failures land in the result rather than aborting
// the whole run.
func Run(plan *config.RunPlan, opts Options, log *zap.Logger) ([]InstanceResult, error) {
	outDir := plan.Config.OutputDir
	if outDir == "" {
		outDir = opts.OutputDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("sim: creating output directory: %w", err)
	}

	results := make([]InstanceResult, len(plan.Instances))
	var wg sync.WaitGroup
	for i, inst := range plan.Instances {
		wg.Add(1)
		go func(i int, inst config.InstanceSpec) {
			defer wg.Done()
			results[i] = runInstance(plan, inst, opts, outDir, log.Named(inst.Name))
		}(i, inst)
	}
	wg.Wait()

	report(results, log)
	return results, nil
}

// runInstance streams one audio file through its own pipeline.
func runInstance(plan *config.RunPlan, inst config.InstanceSpec, opts Options, outDir string, log *zap.Logger) InstanceResult {
	res := InstanceResult{Name: inst.Name}

	stream, err := OpenStream(inst.AudioPath, plan.Config.AudioReadFrameCount)
	if err != nil {
		res.Err = err
		return res
	}
	defer stream.Close()

	// The callback names files after the just-finalized segment, so the
	// pipeline variable must be declared before the pipeline is built.
	var pipe *vad.AudioPipeline
	onRecording := func(buf *audio.Buffer) {
		segs := pipe.Segments()
		if len(segs) == 0 {
			return
		}
		seg := segs[len(segs)-1]
		name := fmt.Sprintf("%s_%.2f-%.2f.wav",
			inst.Name,
			float64(seg.SampleFrom)/float64(vad.SampleRate),
			float64(seg.SampleTo)/float64(vad.SampleRate))
		if err := WriteWAV(filepath.Join(outDir, name), buf); err != nil {
			log.Warn("failed to persist recording", zap.String("file", name), zap.Error(err))
			return
		}
		res.Recordings++
	}

	pipe, err = vad.New(vad.Config{
		SampleRate:  vad.SampleRate,
		Channels:    stream.Channels(),
		FFTSize:     opts.FFTSize,
		UseDenoiser: opts.UseDenoiser,
		NewDenoiser: opts.NewDenoiser,
		Machine:     plan.Config.MachineConfig(),
		AltMachines: plan.Config.AltMachineConfigs(),
		Logger:      log,
	}, onRecording)
	if err != nil {
		res.Err = err
		return res
	}
	defer pipe.Close()

	if plan.Config.PreloadAudio {
		res.Err = pushPreloaded(pipe, inst.AudioPath, plan.Config.AudioReadFrameCount)
	} else {
		res.Err = pushStream(pipe, stream)
	}
	if res.Err != nil {
		return res
	}
	if res.Err = pipe.Flush(); res.Err != nil {
		return res
	}

	res.Samples = pipe.TotalWriteCount()
	res.Segments = pipe.Segments()

	var refs []Label
	if inst.RefPath != "" {
		if refs, res.Err = ReadLabels(inst.RefPath); res.Err != nil {
			return res
		}
	}
	res.Eval = Evaluate(res.Segments, refs, vad.SampleRate)
	res.Err = WriteLabels(filepath.Join(outDir, inst.Name+".labels.txt"), res.Eval.Annotated)
	return res
}

func pushStream(pipe *vad.AudioPipeline, stream *Stream) error {
	for {
		frames, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := pipe.Push(frames); err != nil {
			return err
		}
	}
}

func pushPreloaded(pipe *vad.AudioPipeline, path string, frameCount int) error {
	channels, err := LoadAll(path)
	if err != nil {
		return err
	}
	total := len(channels[0])
	chunk := make([][]float32, len(channels))
	for off := 0; off < total; off += frameCount {
		end := min(off+frameCount, total)
		for ch := range channels {
			chunk[ch] = channels[ch][off:end]
		}
		if _, err := pipe.Push(chunk); err != nil {
			return err
		}
	}
	return nil
}

// report logs per-instance outcomes and run totals.
func report(results []InstanceResult, log *zap.Logger) {
	var segments, recordings, failures int
	for _, r := range results {
		if r.Err != nil {
			failures++
			log.Error("instance failed", zap.String("name", r.Name), zap.Error(r.Err))
			continue
		}
		fields := []zap.Field{
			zap.String("name", r.Name),
			zap.Uint64("samples", r.Samples),
			zap.Int("segments", len(r.Segments)),
			zap.Int("recordings", r.Recordings),
		}
		if r.Eval != nil && r.Eval.RefCount > 0 {
			fields = append(fields,
				zap.Float64("precision", r.Eval.Precision),
				zap.Float64("recall", r.Eval.Recall),
				zap.Float64("coverage", r.Eval.SpeechCoverage),
			)
		}
		log.Info("instance done", fields...)
		segments += len(r.Segments)
		recordings += r.Recordings
	}
	log.Info("run complete",
		zap.Int("instances", len(results)),
		zap.Int("failures", failures),
		zap.Int("segments", segments),
		zap.Int("recordings", recordings),
	)
}
