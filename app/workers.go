package app

import (
	"context"
	"sync"

	"guided-audio-stream/shared"
)

// JobRunner executes one queued job.
type JobRunner interface {
	Run(ctx context.Context, msg shared.JobMessage) error
}

// WorkerPool consumes the queue with at most MaxWorkers jobs in flight.
type WorkerPool struct {
	queue   shared.MessageQueueClient
	runner  JobRunner
	limiter chan struct{} // semaphore bounding concurrent jobs
	wg      sync.WaitGroup
}

func NewWorkerPool(queue shared.MessageQueueClient, runner JobRunner, maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = shared.DefaultMaxWorkers
	}
	return &WorkerPool{queue: queue, runner: runner, limiter: make(chan struct{}, maxWorkers)}
}

// Active returns the number of jobs in flight.
func (p *WorkerPool) Active() int { return len(p.limiter) }

// Capacity returns the concurrency limit.
func (p *WorkerPool) Capacity() int { return cap(p.limiter) }

// Run consumes until ctx is done or the queue closes, then waits for jobs in
// flight. Jobs are detached from ctx: once started, a job runs to completion
// or to its generation timeout. A message is acked only after its job ran, so
// a worker that dies mid-job leaves it for another consumer.
func (p *WorkerPool) Run(ctx context.Context) error {
	messages, err := p.queue.Consume(ctx)
	if err != nil {
		return err
	}
	shared.Info("worker started consuming messages from queue", "max_workers", p.Capacity())
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			shared.Info("queue consumer stopping", "active", p.Active())
			return nil
		case msg, ok := <-messages:
			if !ok {
				shared.Info("queue consumer stopped")
				return nil
			}
			select {
			case p.limiter <- struct{}{}:
			case <-ctx.Done():
				shared.Warn("shutdown before job could start", "job_id", msg.JobID)
				return nil
			}
			shared.Info("worker acquired slot", "job_id", msg.JobID, "active", p.Active(), "max", p.Capacity())

			p.wg.Add(1)
			go func(m shared.JobMessage) {
				defer func() {
					<-p.limiter
					p.wg.Done()
					shared.Info("worker released slot", "job_id", m.JobID, "active", p.Active(), "max", p.Capacity())
				}()
				jobCtx := context.WithoutCancel(ctx)
				if err := p.runner.Run(jobCtx, m); err != nil {
					shared.Warn("job finished with error", "job_id", m.JobID, "error", err)
				}
				// Failed jobs are acked too; the job record carries the failure.
				if err := p.queue.Ack(jobCtx, m); err != nil {
					shared.Error("failed to ack job message", "job_id", m.JobID, "error", err)
				}
			}(msg)
		}
	}
}
