package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/generation"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

// Runner executes one claimed job end to end: backend selection,
// generation, collection. It never returns an error; every outcome ends as
// a terminal status on the job.
type Runner struct {
	store      store.Store
	selector   *generation.Selector
	invoker    *generation.Invoker
	collector  *Collector
	layout     generation.Layout
	checkpoint string
	notifier   Notifier
	log        *zerolog.Logger
}

func NewRunner(st store.Store, selector *generation.Selector, invoker *generation.Invoker, collector *Collector, layout generation.Layout, checkpoint string, log *zerolog.Logger) *Runner {
	return &Runner{
		store:      st,
		selector:   selector,
		invoker:    invoker,
		collector:  collector,
		layout:     layout,
		checkpoint: checkpoint,
		notifier:   nopNotifier{},
		log:        log,
	}
}

func (r *Runner) WithNotifier(n Notifier) *Runner {
	if n != nil {
		r.notifier = n
	}
	return r
}

func (r *Runner) Run(ctx context.Context, jobID string) {
	log := logging.ForJob(r.log, jobID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("job panicked")
			failJob(ctx, r.store, r.notifier, jobID, fmt.Errorf("panic: %v", rec), log)
		}
	}()

	job, err := r.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("claimed job no longer exists")
		return
	}
	if err != nil {
		// The claim already moved the job to processing; leaving it there
		// would strand it.
		failJob(ctx, r.store, r.notifier, jobID, fmt.Errorf("load job: %w", err), log)
		return
	}
	if job.Status != model.JobStatusProcessing {
		log.Warn().Str("status", string(job.Status)).Msg("job is not processing, skipping")
		return
	}

	requested := job.Parameters.ModelSet
	if requested == "" {
		requested = model.ModelSetPrimary
	}
	sel := r.selector.Select(ctx, requested)
	set := sel.ModelSet()
	metrics.IncBackendSelection(string(requested), string(set), sel.FellBack())

	seeds := job.Parameters.SeedList()
	notes := map[string]string{
		model.NoteBackend: string(set),
		model.NoteSeeds:   joinSeeds(seeds),
	}
	if sel.FellBack() {
		log.Warn().Str("reason", sel.FallbackReason).Msg("alternate backend unavailable, using primary")
		notes[model.NoteFallbackFrom] = string(requested)
		notes[model.NoteFallbackReason] = sel.FallbackReason
	}
	if _, err := r.store.Update(ctx, jobID, model.JobUpdate{Notes: notes}); err != nil {
		log.Warn().Err(err).Msg("failed to record backend selection")
	}

	voice := job.Parameters.VoiceType
	if voice == "" {
		voice = model.VoiceFemale
	}
	plan := generation.Plan{
		JobID:      jobID,
		Input:      job.InputFile,
		Checkpoint: r.checkpoint,
		Seeds:      seeds,
		Beat:       job.Parameters.Beat(),
		Voice:      voice,
		MelodyDir:  r.layout.MelodyDir(set, jobID),
		VocalDir:   r.layout.VocalDir(set, jobID),
	}

	log.Info().Str("model_set", string(set)).Int("variants", len(plan.Seeds)).Msg("generation started")
	result, err := r.invoker.Run(ctx, sel, plan)
	if err != nil {
		failJob(ctx, r.store, r.notifier, jobID, err, log)
		return
	}

	if _, err := r.collector.Collect(ctx, job, result, r.layout.Trees(set, jobID)); err != nil {
		failJob(ctx, r.store, r.notifier, jobID, err, log)
	}
}

func joinSeeds(seeds []int64) string {
	parts := make([]string, len(seeds))
	for i, s := range seeds {
		parts[i] = strconv.FormatInt(s, 10)
	}
	return strings.Join(parts, ",")
}
