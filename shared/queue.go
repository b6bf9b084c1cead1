// shared/queue.go
package shared

import (
	"context"
	"fmt"
	"sync"
)

// JobMessage represents the data sent through the queue for a job
type JobMessage struct {
	JobID   string          `json:"job_id"`
	Request GenerateRequest `json:"request"`
	// DeliveryID identifies the delivery to Ack; set by the queue.
	DeliveryID string `json:"-"`
}

// MessageQueueClient dispatches generation work from the gateway to workers.
// A consumed message stays owned by the consumer until it is acked; queues
// that can redeliver do so for messages never acked.
type MessageQueueClient interface {
	Publish(ctx context.Context, message JobMessage) error
	Consume(ctx context.Context) (<-chan JobMessage, error)
	Ack(ctx context.Context, message JobMessage) error
	Close()
}

// InMemoryQueue implements MessageQueueClient using a Go channel
type InMemoryQueue struct {
	queue chan JobMessage
	stop  chan struct{}
	once  sync.Once
	mu    sync.RWMutex
}

// NewInMemoryQueue creates a new in-memory queue instance
func NewInMemoryQueue(bufferSize int) *InMemoryQueue {
	return &InMemoryQueue{
		queue: make(chan JobMessage, bufferSize),
		stop:  make(chan struct{}),
	}
}

// Publish sends a message to the queue without blocking
func (q *InMemoryQueue) Publish(_ context.Context, message JobMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.stop:
		return fmt.Errorf("queue is closed, cannot publish")
	default:
	}

	select {
	case q.queue <- message:
		Debug("queue: published job", "job_id", message.JobID)
		return nil
	default:
		return fmt.Errorf("queue is full, cannot publish job %s", message.JobID)
	}
}

// Consume returns the channel messages are delivered on
func (q *InMemoryQueue) Consume(_ context.Context) (<-chan JobMessage, error) {
	return q.queue, nil
}

// Ack is a no-op: a channel cannot redeliver.
func (q *InMemoryQueue) Ack(context.Context, JobMessage) error { return nil }

// Close stops the queue from accepting new messages and closes the underlying channel
func (q *InMemoryQueue) Close() {
	q.once.Do(func() {
		Info("queue: closing")
		close(q.stop)
		q.mu.Lock()
		close(q.queue)
		q.mu.Unlock()
	})
}
