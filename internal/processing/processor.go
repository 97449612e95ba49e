// Package processing runs message handlers on a fixed pool of goroutines fed
// by a buffered channel.
package processing

import (
	"context"
	"log/slog"
	"sync"
)

// Job is one unit of work. Done, when set, is called with the handler's
// result from the worker goroutine.
type Job struct {
	ID      string
	Payload []byte
	Done    func(err error)
}

// Handler processes one payload.
type Handler func(ctx context.Context, id string, payload []byte) error

// Pool consumes Jobs with a fixed number of workers.
type Pool struct {
	handler Handler
	queue   chan Job
	workers int
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New builds a Pool with queue capacity tied to worker count.
func New(handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		handler: handler,
		queue:   make(chan Job, workers),
		workers: workers,
		logger:  logger.With(slog.String("component", "processing")),
	}
}

// Start launches worker goroutines. They exit when the queue is closed by
// Stop; in-flight handlers see ctx.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues a job, blocking while all workers are busy and the buffer
// is full. It returns ctx.Err() if ctx ends first.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for queued and running jobs to finish.
// Submit must not be called after Stop.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		err := p.handler(ctx, job.ID, job.Payload)
		if err != nil {
			p.logger.Debug("job failed", slog.String("id", job.ID), slog.String("error", err.Error()))
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}
