package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/melodygen/internal/model"
)

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the behavior every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job := model.NewJob(model.Parameters{Seed: 42, BatchSize: 1, ModelSet: model.ModelSetPrimary}, time.Now())
		job.InputFile = "/shared/input/a.wav"
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, int64(42), got.Parameters.Seed)
		assert.Equal(t, "/shared/input/a.wav", got.InputFile)
		assert.Empty(t, got.OutputFile)

		assert.ErrorIs(t, s.Create(ctx, job), ErrAlreadyExists)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Update(ctx, "missing", model.StatusUpdate(model.JobStatusFailed))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Claim(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lifecycle", func(t *testing.T) {
		s := newStore(t)
		job := model.NewJob(model.Parameters{BatchSize: 1}, time.Now())
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Update(ctx, job.ID, model.JobUpdate{Status: ptr(model.JobStatusCompleted), OutputFile: ptr("/o/mix.wav")})
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		ok, err := s.Claim(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Claim(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		updated, err := s.Update(ctx, job.ID, model.JobUpdate{
			Status:         ptr(model.JobStatusCompleted),
			OutputFile:     ptr("/o/mix.wav"),
			VariantResults: map[string]string{"variant_1": "/o/mix.wav"},
			Notes:          map[string]string{model.NoteBeatMixPath: "/o/beat.wav"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, updated.Status)
		assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

		_, err = s.Update(ctx, job.ID, model.StatusUpdate(model.JobStatusFailed))
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "/o/mix.wav", got.OutputFile)
		assert.Equal(t, "/o/beat.wav", got.Parameters.Notes[model.NoteBeatMixPath])
		assert.Equal(t, "/o/mix.wav", got.VariantResults["variant_1"])
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		s := newStore(t)
		job := model.NewJob(model.Parameters{BatchSize: 1}, time.Now())
		require.NoError(t, s.Create(ctx, job))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, job.ID)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("list pending and recent", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Truncate(time.Millisecond)
		var ids []string
		for i := 0; i < 4; i++ {
			job := model.NewJob(model.Parameters{BatchSize: 1}, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.Create(ctx, job))
			ids = append(ids, job.ID)
		}
		ok, err := s.Claim(ctx, ids[1])
		require.NoError(t, err)
		require.True(t, ok)

		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, ids[0], pending[0].ID)
		assert.Equal(t, ids[2], pending[1].ID)
		assert.Equal(t, ids[3], pending[2].ID)

		recent, err := s.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, ids[3], recent[0].ID)
		assert.Equal(t, ids[2], recent[1].ID)
	})

	t.Run("recent ties break by id", func(t *testing.T) {
		s := newStore(t)
		at := time.Now().Truncate(time.Millisecond)
		a := model.NewJob(model.Parameters{}, at)
		b := model.NewJob(model.Parameters{}, at)
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))

		recent, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Greater(t, recent[0].ID, recent[1].ID)
	})

	t.Run("recent orders within one millisecond", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Truncate(time.Millisecond)
		older := model.NewJob(model.Parameters{}, base.Add(100*time.Microsecond))
		older.ID = "b-older"
		newer := model.NewJob(model.Parameters{}, base.Add(900*time.Microsecond))
		newer.ID = "a-newer"
		require.NoError(t, s.Create(ctx, older))
		require.NoError(t, s.Create(ctx, newer))

		recent, err := s.ListRecent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "a-newer", recent[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := model.NewJob(model.Parameters{Notes: map[string]string{"a": "1"}}, time.Now())
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	got.Parameters.Notes["a"] = "mutated"
	got.Status = model.JobStatusFailed

	again, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", again.Parameters.Notes["a"])
	assert.Equal(t, model.JobStatusPending, again.Status)
}
