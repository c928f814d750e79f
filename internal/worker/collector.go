package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/generation"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

// Uploader copies a job's local artifact trees to remote storage and
// returns a URL per uploaded file.
type Uploader interface {
	UploadJob(ctx context.Context, jobID string, trees map[string]string) (map[string]string, error)
}

// Collector turns a generation result into the job's final record.
type Collector struct {
	store    store.Store
	uploader Uploader
	notifier Notifier
	log      *zerolog.Logger
}

func NewCollector(st store.Store, uploader Uploader, log *zerolog.Logger) *Collector {
	return &Collector{store: st, uploader: uploader, notifier: nopNotifier{}, log: log}
}

func (c *Collector) WithNotifier(n Notifier) *Collector {
	if n != nil {
		c.notifier = n
	}
	return c
}

// Collect marks the job completed with its output file, then uploads the
// artifacts. Upload problems are logged and never affect the job's status.
// Subscribers are notified again once remote URLs are recorded.
func (c *Collector) Collect(ctx context.Context, job *model.Job, res *generation.GenerationResult, trees map[string]string) (*model.Job, error) {
	log := logging.ForJob(c.log, job.ID)
	status := model.JobStatusCompleted
	u := model.JobUpdate{Status: &status, Notes: map[string]string{}}

	var output string
	if res.Batch {
		variants := make(map[string]string)
		for _, v := range res.Variants {
			if !v.Succeeded() {
				if v.Err != nil {
					u.Notes[v.Label+"_error"] = v.Err.Error()
				}
				continue
			}
			variants[v.Label] = v.Mix
			if output == "" {
				output = v.Mix
			}
		}
		u.VariantResults = variants
	} else if len(res.Variants) > 0 && res.Variants[0].Succeeded() {
		output = res.Variants[0].Mix
	}
	if output == "" {
		return nil, generation.ErrNoVariantSucceeded
	}
	u.OutputFile = &output
	if res.BeatMix != "" {
		u.Notes[model.NoteBeatMixPath] = res.BeatMix
	}

	completed, err := c.store.Update(ctx, job.ID, u)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}
	metrics.IncFinished(string(model.JobStatusCompleted))
	log.Info().Str("output_file", output).Int("variants", len(completed.VariantResults)).Msg("job completed")
	c.notifier.NotifyJob(completed)

	urls := c.upload(ctx, job.ID, trees, log)
	if len(urls) == 0 {
		return completed, nil
	}
	updated, err := c.store.Update(ctx, job.ID, model.JobUpdate{RemoteURLs: urls})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record remote urls")
		return completed, nil
	}
	c.notifier.NotifyJob(updated)
	return updated, nil
}

func (c *Collector) upload(ctx context.Context, jobID string, trees map[string]string, log *zerolog.Logger) (urls map[string]string) {
	if c.uploader == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncUploadFailure()
			log.Error().Interface("panic", rec).Msg("upload panicked")
			urls = nil
		}
	}()

	urls, err := c.uploader.UploadJob(ctx, jobID, trees)
	if err != nil {
		metrics.IncUploadFailure()
		log.Warn().Err(err).Int("uploaded", len(urls)).Msg("upload incomplete")
	}
	return urls
}
