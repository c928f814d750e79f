package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolFull = errors.New("worker pool full")

// JobFunc executes one claimed job to completion.
type JobFunc func(ctx context.Context, jobID string)

// Pool runs claimed jobs on a bounded number of goroutines. When every
// slot is busy it refuses new work instead of queueing it, so unclaimed
// jobs stay pending in the store.
type Pool struct {
	slots chan struct{}
	run   JobFunc
	wg    sync.WaitGroup
}

func NewPool(size int, run JobFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size), run: run}
}

// Available reports whether a Submit would currently be accepted.
func (p *Pool) Available() bool {
	return len(p.slots) < cap(p.slots)
}

// Submit starts the job on a free slot. The job does not inherit ctx
// cancellation: once claimed it runs until it reaches a terminal status.
func (p *Pool) Submit(ctx context.Context, jobID string) error {
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolFull
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.run(context.WithoutCancel(ctx), jobID)
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
