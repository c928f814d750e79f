package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/melodygen/internal/model"
)

const (
	pendingSetKey = "jobs:pending"
	recentZSetKey = "jobs:recent"

	maxTxRetries = 10
)

// errNotPending aborts a claim transaction without writing.
var errNotPending = errors.New("job not pending")

// Redis stores each job as a JSON document under job:<id>, with a set of
// pending ids and a sorted set ordering jobs by creation time. Writes to an
// existing job run under WATCH so concurrent claims cannot both succeed.
type Redis struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{redis: client, now: time.Now}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *Redis) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, pendingSetKey, job.ID)
		pipe.ZAdd(ctx, recentZSetKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.redis, id)
}

func (s *Redis) Update(ctx context.Context, id string, u model.JobUpdate) (*model.Job, error) {
	var updated *model.Job
	err := s.transact(ctx, id, func(job *model.Job) error {
		if err := job.Apply(u, s.now()); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Redis) Claim(ctx context.Context, id string) (bool, error) {
	err := s.transact(ctx, id, func(job *model.Job) error {
		if job.Status != model.JobStatusPending {
			return errNotPending
		}
		return job.Apply(model.StatusUpdate(model.JobStatusProcessing), s.now())
	})
	if errors.Is(err, errNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// transact reads the job under WATCH, lets fn mutate it and writes it back
// in a MULTI block, retrying when another writer raced us.
func (s *Redis) transact(ctx context.Context, id string, fn func(job *model.Job) error) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if job.Status != model.JobStatusPending {
				pipe.SRem(ctx, pendingSetKey, id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much write contention", id)
}

func (s *Redis) ListPending(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	pending := jobs[:0]
	for _, job := range jobs {
		if job.Status == model.JobStatusPending {
			pending = append(pending, job)
		}
	}
	sortOldest(pending)
	return pending, nil
}

// ListRecent reads the n highest scores, then widens the window to every
// member sharing the n-th score: scores are millisecond timestamps, so jobs
// created within the same millisecond are only ordered after loading.
func (s *Redis) ListRecent(ctx context.Context, n int) ([]*model.Job, error) {
	if n == 0 {
		return []*model.Job{}, nil
	}
	stop := int64(n - 1)
	if n < 0 {
		stop = -1
	}
	top, err := s.redis.ZRevRangeWithScores(ctx, recentZSetKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}

	ids := make([]string, 0, len(top))
	seen := make(map[string]bool, len(top))
	for _, z := range top {
		id, _ := z.Member.(string)
		ids = append(ids, id)
		seen[id] = true
	}
	if n > 0 && len(top) == n {
		edge := strconv.FormatFloat(top[len(top)-1].Score, 'f', -1, 64)
		ties, err := s.redis.ZRangeByScore(ctx, recentZSetKey, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list recent jobs: %w", err)
		}
		for _, id := range ties {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortRecent(jobs)
	if n > 0 && len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}

func (s *Redis) loadJobs(ctx context.Context, ids []string) ([]*model.Job, error) {
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	jobs := make([]*model.Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
