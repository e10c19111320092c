// Package workerpool provides a fixed-size pool of goroutines that is created
// once and reused across polling cycles.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("worker pool closed")

// Job is a unit of work. It must honor ctx cancellation itself.
type Job func()

// Pool runs submitted jobs on a fixed number of workers. Submit blocks until a
// worker takes the job, so nothing is queued inside the pool.
type Pool struct {
	size   int
	jobs   chan Job
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// New starts size workers. size < 1 is treated as 1.
func New(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:   size,
		jobs:   make(chan Job),
		quit:   make(chan struct{}),
		logger: logger.With("component", "worker_pool"),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit hands job to an idle worker. It returns ctx.Err() if ctx ends first
// and ErrClosed once the pool is closing.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits up to timeout for in-flight jobs to
// return. It reports whether every worker exited in time. A timeout <= 0 waits
// indefinitely. Close is idempotent.
func (p *Pool) Close(timeout time.Duration) bool {
	p.once.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		p.logger.Warn("workers still busy after close timeout", "timeout", timeout)
		return false
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.run(n, job)
		}
	}
}

// run executes job, recovering a panic so the worker survives.
func (p *Pool) run(n int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("job panic",
				"worker", n,
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	job()
}
