package generation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/model"
)

// ContainerBackend runs the model scripts inside long-lived containers that
// share the data volume with this service.
type ContainerBackend struct {
	exec            client.ContainerExecutor
	melodyContainer string
	vocalContainer  string
	log             *zerolog.Logger
}

func NewContainerBackend(exec client.ContainerExecutor, melodyContainer, vocalContainer string, log *zerolog.Logger) *ContainerBackend {
	return &ContainerBackend{
		exec:            exec,
		melodyContainer: melodyContainer,
		vocalContainer:  vocalContainer,
		log:             log,
	}
}

func (b *ContainerBackend) ModelSet() model.ModelSet { return model.ModelSetPrimary }

func (b *ContainerBackend) Ping(ctx context.Context, stage Stage) error {
	container := b.melodyContainer
	if stage == StageVocals {
		container = b.vocalContainer
	}
	running, err := b.exec.IsRunning(ctx, container)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("container %s is not running", container)
	}
	return nil
}

// GenerateMelody runs one exec per seed. A seed whose exec fails keeps its
// expected path so the artifact wait marks only that variant failed; the call
// errors only when no seed ran successfully.
func (b *ContainerBackend) GenerateMelody(ctx context.Context, req MelodyRequest) ([]string, error) {
	paths := make([]string, len(req.Seeds))
	var errs []error
	for i, seed := range req.Seeds {
		dir := req.OutputDirs[i]
		paths[i] = filepath.Join(dir, MelodyFile)
		out, err := b.exec.Exec(ctx, b.melodyContainer, melodyCommand(req, seed, dir))
		if err != nil {
			b.log.Warn().Err(err).Int64("seed", seed).Msg("melody generation failed for seed")
			errs = append(errs, fmt.Errorf("seed %d: %w", seed, err))
			continue
		}
		b.log.Debug().Int64("seed", seed).Str("output", out).Msg("melody generation finished")
	}
	if len(errs) > 0 && len(errs) == len(req.Seeds) {
		return nil, errors.Join(errs...)
	}
	return paths, nil
}

func (b *ContainerBackend) SynthesizeVocals(ctx context.Context, req VocalRequest) (string, error) {
	out, err := b.exec.Exec(ctx, b.vocalContainer, vocalCommand(req))
	if err != nil {
		return "", err
	}
	b.log.Debug().Str("output", out).Msg("vocal synthesis finished")
	return filepath.Join(req.OutputDir, MixFile), nil
}

func melodyCommand(req MelodyRequest, seed int64, outputDir string) []string {
	cmd := []string{
		"uv", "run", "melody_generation.py",
		"--load_path", req.Checkpoint,
		"--bgm_filepath", req.Input,
		"--gen_seed", strconv.FormatInt(seed, 10),
		"--output_dir", outputDir,
		"--one_shot_generation",
		"--output_beat_estimation_mix",
		"--output_synth_demo",
	}
	if !req.Beat.IsAuto() {
		cmd = append(cmd,
			"--start_time", formatFloat(req.Beat.StartTime),
			"--bpm", formatFloat(req.Beat.BPM),
		)
	}
	return cmd
}

func vocalCommand(req VocalRequest) []string {
	return []string{
		"uv", "run", "make_vocalmix.py",
		"--bgm_filepath", req.Original,
		"--melody_filepath", req.Melody,
		"--all_la",
		"--sex", string(req.Voice),
		"--write_dirpath", req.OutputDir,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
