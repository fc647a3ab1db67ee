package executor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of hardened-executor pipelines in flight at
// once. Built on x/sync's weighted semaphore and errgroup rather than a
// fixed worker-goroutine count, since step arrival is callback-driven.
type Pool struct {
	exec     *Executor
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

// NewPool builds a Pool that runs at most maxConcurrent steps at once
// through exec. maxConcurrent <= 0 means unbounded.
func NewPool(exec *Executor, maxConcurrent int) *Pool {
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return &Pool{exec: exec, sem: sem}
}

// Run acquires a pool slot (blocking until one is free or ctx is done) and
// runs one step through the pool's Executor.
func (p *Pool) Run(ctx context.Context, workflowID string, step Step, action Action) (Result, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		defer p.sem.Release(1)
	}

	p.exec.cfg.Metrics.SetInflightSteps(int(p.inflight.Add(1)))
	defer func() {
		p.exec.cfg.Metrics.SetInflightSteps(int(p.inflight.Add(-1)))
	}()

	return p.exec.Run(ctx, workflowID, step, action)
}

// RunAll runs every step concurrently, bounded by the pool's capacity, and
// returns results in the same order as steps. actionFor builds the Action
// for a given step (steps typically close over different external calls).
// The first step to return a non-nil error cancels the remaining in-flight
// steps via the shared errgroup context.
func (p *Pool) RunAll(ctx context.Context, workflowID string, steps []Step, actionFor func(Step) Action) ([]Result, error) {
	results := make([]Result, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			res, err := p.Run(gctx, workflowID, step, actionFor(step))
			results[i] = res
			return err
		})
	}

	return results, g.Wait()
}
