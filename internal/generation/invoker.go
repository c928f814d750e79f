package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/model"
)

// Plan is everything the invoker needs to run one job.
type Plan struct {
	JobID      string
	Input      string
	Checkpoint string
	Seeds      []int64
	Beat       model.BeatHint
	Voice      model.VoiceType
	MelodyDir  string
	VocalDir   string
}

// VariantOutcome is the result of one seed. Mix is empty when Err is set.
type VariantOutcome struct {
	Label  string
	Seed   int64
	Melody string
	Mix    string
	Err    error
}

func (v VariantOutcome) Succeeded() bool {
	return v.Err == nil && v.Mix != ""
}

// GenerationResult collects the outcomes of every variant of a job.
type GenerationResult struct {
	ModelSet model.ModelSet
	Batch    bool
	Variants []VariantOutcome
	BeatMix  string
}

// Invoker runs the generation stages on a backend and waits for their
// artifacts on the shared volume.
type Invoker struct {
	primary Backend
	waiter  Waiter
	sem     chan struct{}
	log     *zerolog.Logger
}

// NewInvoker creates an invoker. primary is the target of the vocal retry
// when the alternate backend fails a variant. maxConcurrent bounds
// simultaneous backend calls across all jobs; zero means unbounded.
func NewInvoker(primary Backend, waiter Waiter, maxConcurrent int, log *zerolog.Logger) *Invoker {
	inv := &Invoker{primary: primary, waiter: waiter, log: log}
	if maxConcurrent > 0 {
		inv.sem = make(chan struct{}, maxConcurrent)
	}
	return inv
}

// call runs fn while holding a backend slot.
func (i *Invoker) call(ctx context.Context, fn func() error) error {
	if i.sem != nil {
		select {
		case i.sem <- struct{}{}:
			defer func() { <-i.sem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn()
}

// GenerateMelody produces one melody per seed. In batch mode a variant whose
// artifact never appears is left as an empty path; the call only fails when
// no melody was produced at all.
func (i *Invoker) GenerateMelody(ctx context.Context, b Backend, req MelodyRequest) ([]string, error) {
	paths, _, err := i.generateMelody(ctx, b, req)
	return paths, err
}

func (i *Invoker) generateMelody(ctx context.Context, b Backend, req MelodyRequest) ([]string, []error, error) {
	if err := req.Beat.Validate(); err != nil {
		return nil, nil, err
	}
	if len(req.Seeds) == 0 || len(req.Seeds) != len(req.OutputDirs) {
		return nil, nil, fmt.Errorf("%w: need one output directory per seed", model.ErrInvalidParameters)
	}
	if !fileExists(req.Input) {
		return nil, nil, &MissingInputError{Path: req.Input}
	}
	if err := b.Ping(ctx, StageMelody); err != nil {
		return nil, nil, &BackendUnavailableError{Backend: string(b.ModelSet()), Err: err}
	}
	for _, dir := range append([]string{req.SaveDir}, req.OutputDirs...) {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	start := time.Now()
	var expected []string
	err := i.call(ctx, func() (err error) {
		expected, err = b.GenerateMelody(ctx, req)
		return err
	})
	metrics.ObserveStage(string(StageMelody), string(b.ModelSet()), time.Since(start).Seconds())
	if err != nil {
		return nil, nil, fmt.Errorf("melody generation: %w", err)
	}

	paths := make([]string, len(req.Seeds))
	errs := make([]error, len(req.Seeds))
	produced := 0
	for idx := range req.Seeds {
		if idx >= len(expected) {
			errs[idx] = &ArtifactNotProducedError{Path: filepath.Join(req.OutputDirs[idx], MelodyFile)}
			continue
		}
		if err := i.waiter.Wait(ctx, expected[idx]); err != nil {
			errs[idx] = err
			continue
		}
		paths[idx] = expected[idx]
		produced++
	}
	if produced == 0 {
		return nil, errs, errors.Join(errs...)
	}
	return paths, errs, nil
}

// SynthesizeVocals sings one melody over the original track and returns
// the mixed output.
func (i *Invoker) SynthesizeVocals(ctx context.Context, b Backend, req VocalRequest) (string, error) {
	for _, p := range []string{req.Original, req.Melody} {
		if !fileExists(p) {
			return "", &MissingInputError{Path: p}
		}
	}
	if err := b.Ping(ctx, StageVocals); err != nil {
		return "", &BackendUnavailableError{Backend: string(b.ModelSet()), Err: err}
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	start := time.Now()
	var mix string
	err := i.call(ctx, func() (err error) {
		mix, err = b.SynthesizeVocals(ctx, req)
		return err
	})
	metrics.ObserveStage(string(StageVocals), string(b.ModelSet()), time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("vocal synthesis: %w", err)
	}

	if err := i.waiter.Wait(ctx, mix); err != nil {
		return "", err
	}
	return mix, nil
}

// synthesizeVariant retries a failed alternate-backend vocal stage once on
// the primary backend.
func (i *Invoker) synthesizeVariant(ctx context.Context, b Backend, req VocalRequest, log *zerolog.Logger) (string, error) {
	mix, err := i.SynthesizeVocals(ctx, b, req)
	if err == nil || ctx.Err() != nil {
		return mix, err
	}
	if b.ModelSet() != model.ModelSetAlternate || i.primary == nil || i.primary == b {
		return "", err
	}

	log.Warn().Err(err).Str("output_dir", req.OutputDir).Msg("alternate vocal synthesis failed, retrying on primary")
	metrics.IncVocalRetry()
	mix, retryErr := i.SynthesizeVocals(ctx, i.primary, req)
	if retryErr != nil {
		return "", fmt.Errorf("%w (primary retry: %v)", err, retryErr)
	}
	return mix, nil
}

// Run executes melody generation then vocal synthesis for every variant of
// a job. Variants are synthesized concurrently and fail independently; Run
// fails only when no variant produced a mix.
func (i *Invoker) Run(ctx context.Context, sel Selection, plan Plan) (*GenerationResult, error) {
	if err := plan.Beat.Validate(); err != nil {
		return nil, err
	}
	b := sel.Backend
	log := i.log.With().Str("job_id", plan.JobID).Str("model_set", string(b.ModelSet())).Logger()

	n := len(plan.Seeds)
	melodyDirs := VariantDirs(plan.MelodyDir, n)
	vocalDirs := VariantDirs(plan.VocalDir, n)

	melodies, melodyErrs, err := i.generateMelody(ctx, b, MelodyRequest{
		Input:      plan.Input,
		Checkpoint: plan.Checkpoint,
		Seeds:      plan.Seeds,
		SaveDir:    plan.MelodyDir,
		OutputDirs: melodyDirs,
		Beat:       plan.Beat,
	})
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{
		ModelSet: b.ModelSet(),
		Batch:    n > 1,
		BeatMix:  findBeatMix(plan.MelodyDir, melodyDirs[0]),
	}
	if result.BeatMix == "" {
		log.Warn().Msg("beat-mix diagnostic not found")
	}

	indices := make([]int, n)
	for idx := range indices {
		indices[idx] = idx
	}
	result.Variants = iter.Map(indices, func(idx *int) VariantOutcome {
		v := VariantOutcome{Label: VariantLabel(*idx), Seed: plan.Seeds[*idx], Melody: melodies[*idx]}
		if v.Melody == "" {
			v.Err = melodyErrs[*idx]
		} else {
			v.Mix, v.Err = i.synthesizeVariant(ctx, b, VocalRequest{
				Original:  plan.Input,
				Melody:    v.Melody,
				OutputDir: vocalDirs[*idx],
				Voice:     plan.Voice,
			}, &log)
		}
		if v.Err != nil {
			log.Warn().Err(v.Err).Str("variant", v.Label).Int64("seed", v.Seed).Msg("variant failed")
		}
		metrics.IncVariant(v.Succeeded())
		return v
	})

	var errs []error
	for _, v := range result.Variants {
		if v.Succeeded() {
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", v.Label, v.Err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoVariantSucceeded, errors.Join(errs...))
}

func findBeatMix(dirs ...string) string {
	for _, dir := range dirs {
		p := filepath.Join(dir, BeatMixFile)
		if fileExists(p) {
			return p
		}
	}
	return ""
}
