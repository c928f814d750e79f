// Package store persists jobs and enforces their lifecycle rules.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/makeasinger/melodygen/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
)

// Store is the durable record of every job. Implementations must make
// Claim atomic: of any number of concurrent callers for one pending job,
// exactly one observes true.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, u model.JobUpdate) (*model.Job, error)
	Claim(ctx context.Context, id string) (bool, error)
	ListPending(ctx context.Context) ([]*model.Job, error)
	ListRecent(ctx context.Context, n int) ([]*model.Job, error)
}

func validateNew(job *model.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status != model.JobStatusPending {
		return model.ErrInvalidTransition
	}
	return nil
}

// sortRecent orders newest first, ties broken by id descending.
func sortRecent(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}

// sortOldest orders oldest first so the dispatcher drains in arrival order.
func sortOldest(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
