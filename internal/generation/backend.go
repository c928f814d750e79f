// Package generation drives melody generation and vocal synthesis on the
// two interchangeable model backends.
package generation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/makeasinger/melodygen/internal/model"
)

// Stage identifies one step of the pipeline.
type Stage string

const (
	StageMelody Stage = "melody"
	StageVocals Stage = "vocals"
)

// Backend runs inference for one model set. Calls return the paths where
// artifacts are expected; the invoker waits for them to appear.
type Backend interface {
	ModelSet() model.ModelSet
	Ping(ctx context.Context, stage Stage) error
	GenerateMelody(ctx context.Context, req MelodyRequest) ([]string, error)
	SynthesizeVocals(ctx context.Context, req VocalRequest) (string, error)
}

// MelodyRequest produces one melody per seed, the i-th into OutputDirs[i].
// SaveDir is the job's melody directory and receives the beat-mix
// diagnostic.
type MelodyRequest struct {
	Input      string
	Checkpoint string
	Seeds      []int64
	SaveDir    string
	OutputDirs []string
	Beat       model.BeatHint
}

// VocalRequest sings Melody over Original into OutputDir.
type VocalRequest struct {
	Original  string
	Melody    string
	OutputDir string
	Voice     model.VoiceType
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
