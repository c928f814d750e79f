package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

// Notifier is told about every status transition, e.g. to push it to
// websocket subscribers.
type Notifier interface {
	NotifyJob(job *model.Job)
}

type nopNotifier struct{}

func (nopNotifier) NotifyJob(*model.Job) {}

// failJob moves a job to failed with the cause in its notes. The write
// ignores cancellation of ctx so a timed-out job is still recorded.
func failJob(ctx context.Context, st store.Store, n Notifier, jobID string, cause error, log *zerolog.Logger) {
	status := model.JobStatusFailed
	job, err := st.Update(context.WithoutCancel(ctx), jobID, model.JobUpdate{
		Status: &status,
		Notes:  map[string]string{model.NoteFailureReason: cause.Error()},
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to mark job failed")
		return
	}
	metrics.IncFinished(string(model.JobStatusFailed))
	log.Error().Err(cause).Msg("job failed")
	n.NotifyJob(job)
}
