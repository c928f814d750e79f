package store

import (
	"context"
	"sync"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

// Memory keeps jobs in process memory.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*model.Job),
		now:  time.Now,
	}
}

func (m *Memory) Create(_ context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, u model.JobUpdate) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := job.Clone()
	if err := next.Apply(u, m.now()); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != model.JobStatusPending {
		return false, nil
	}
	next := job.Clone()
	if err := next.Apply(model.StatusUpdate(model.JobStatusProcessing), m.now()); err != nil {
		return false, err
	}
	m.jobs[id] = next
	return true, nil
}

func (m *Memory) ListPending(_ context.Context) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*model.Job
	for _, job := range m.jobs {
		if job.Status == model.JobStatusPending {
			jobs = append(jobs, job.Clone())
		}
	}
	sortOldest(jobs)
	return jobs, nil
}

func (m *Memory) ListRecent(_ context.Context, n int) ([]*model.Job, error) {
	m.mu.Lock()
	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	m.mu.Unlock()

	sortRecent(jobs)
	if n >= 0 && len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}
