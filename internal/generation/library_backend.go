package generation

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/model"
)

// LibraryBackend calls the inference library directly. It generates every
// seed of a batch in a single call and copies the results into the
// per-variant layout.
type LibraryBackend struct {
	engine        client.InferenceEngine
	checkpointDir string
	configPath    string
	log           *zerolog.Logger
}

func NewLibraryBackend(engine client.InferenceEngine, checkpointDir, configPath string, log *zerolog.Logger) *LibraryBackend {
	return &LibraryBackend{
		engine:        engine,
		checkpointDir: checkpointDir,
		configPath:    configPath,
		log:           log,
	}
}

func (b *LibraryBackend) ModelSet() model.ModelSet { return model.ModelSetAlternate }

func (b *LibraryBackend) Ping(ctx context.Context, _ Stage) error {
	health, err := b.engine.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("inference library status %q", health.Status)
	}
	return nil
}

// Capabilities lists the library packages the engine has loaded.
func (b *LibraryBackend) Capabilities(ctx context.Context) ([]string, error) {
	health, err := b.engine.Health(ctx)
	if err != nil {
		return nil, err
	}
	return health.Capabilities, nil
}

func (b *LibraryBackend) GenerateMelody(ctx context.Context, req MelodyRequest) ([]string, error) {
	libReq := &client.MelodyRequest{
		BGMPath:       req.Input,
		SaveDir:       req.SaveDir,
		Seeds:         req.Seeds,
		BatchSize:     len(req.Seeds),
		ConfigPath:    b.configPath,
		CheckpointDir: b.checkpointDir,
	}
	if !req.Beat.IsAuto() {
		libReq.StartTime = req.Beat.StartTime
		libReq.BPM = req.Beat.BPM
	}

	resp, err := b.engine.GenerateMelody(ctx, libReq)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(req.Seeds))
	for i := range req.Seeds {
		paths[i] = filepath.Join(req.OutputDirs[i], MelodyFile)
		if i >= len(resp.Paths) {
			b.log.Warn().Int("variant", i+1).Msg("library returned fewer melodies than seeds")
			continue
		}
		if err := copyFile(resp.Paths[i], paths[i]); err != nil {
			b.log.Warn().Err(err).Str("src", resp.Paths[i]).Msg("failed to place melody")
		}
	}

	if resp.BeatMixPath != "" {
		if err := copyFile(resp.BeatMixPath, filepath.Join(req.SaveDir, BeatMixFile)); err != nil {
			b.log.Warn().Err(err).Msg("failed to place beat mix")
		}
	}
	return paths, nil
}

func (b *LibraryBackend) SynthesizeVocals(ctx context.Context, req VocalRequest) (string, error) {
	resp, err := b.engine.VocalMix(ctx, &client.VocalMixRequest{
		BGMPath:    req.Original,
		MelodyPath: req.Melody,
		Sex:        string(req.Voice),
		AllLa:      true,
		SaveDir:    req.OutputDir,
	})
	if err != nil {
		return "", err
	}

	mix := filepath.Join(req.OutputDir, MixFile)
	if resp.MixPath != "" {
		if err := copyFile(resp.MixPath, mix); err != nil {
			return "", fmt.Errorf("place mix: %w", err)
		}
	}
	if resp.VocalPath != "" {
		if err := copyFile(resp.VocalPath, filepath.Join(req.OutputDir, VocalFile)); err != nil {
			b.log.Warn().Err(err).Msg("failed to place vocal track")
		}
	}
	return mix, nil
}
