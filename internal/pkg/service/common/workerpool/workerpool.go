// Package workerpool runs tasks concurrently with a bounded number of running tasks.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/ccoveille/go-safecast"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type Task func(ctx context.Context)

type Pool struct {
	ctx     context.Context
	logger  log.Logger
	sem     *semaphore.Weighted
	wg      *sync.WaitGroup
	running *atomic.Int64
	waiting *atomic.Int64
}

// New creates a pool, the ctx is passed to the tasks, its cancellation is a request to stop.
func New(ctx context.Context, logger log.Logger, maxRunning int) *Pool {
	weight, err := safecast.ToInt64(maxRunning)
	if err != nil {
		panic(errors.PrefixError(err, "invalid max running tasks"))
	}
	if weight < 1 {
		panic(errors.Errorf("max running tasks must be positive, found %d", maxRunning))
	}
	return &Pool{
		ctx:     ctx,
		logger:  logger.WithComponent("worker-pool"),
		sem:     semaphore.NewWeighted(weight),
		wg:      &sync.WaitGroup{},
		running: atomic.NewInt64(0),
		waiting: atomic.NewInt64(0),
	}
}

// Submit never blocks, the task waits for a free slot in its own goroutine.
func (p *Pool) Submit(name string, task Task) error {
	if err := p.ctx.Err(); err != nil {
		return errors.Errorf(`cannot submit task "%s": the pool is stopped: %w`, name, err)
	}

	p.wg.Add(1)
	p.waiting.Inc()
	go func() {
		defer p.wg.Done()

		err := p.sem.Acquire(p.ctx, 1)
		p.waiting.Dec()
		if err != nil {
			p.logger.Warnf(p.ctx, `task "%s" has not been started: %s`, name, err)
			return
		}
		defer p.sem.Release(1)

		p.running.Inc()
		defer p.running.Dec()

		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorf(p.ctx, `task "%s" panic: %v, stacktrace: %s`, name, r, string(debug.Stack()))
			}
		}()

		task(p.ctx)
	}()
	return nil
}

// Running returns count of the running tasks.
func (p *Pool) Running() int64 {
	return p.running.Load()
}

// Waiting returns count of the tasks waiting for a free slot.
func (p *Pool) Waiting() int64 {
	return p.waiting.Load()
}

// Wait blocks until all submitted tasks are finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
