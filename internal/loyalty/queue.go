package loyalty

import (
	"context"
	"errors"
	"time"
)

const (
	TaskCompleted = "completed"
	TaskRefunded  = "refunded"
)

// Task is one deferred customer-analytics update. Delivery is at least
// once; the store dedups on (order id, kind) so replays are harmless.
type Task struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	TotalCents int64     `json:"total_cents"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempts   int       `json:"attempts"`
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue waits up to wait for the next task; ok is false when none
	// arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (task Task, ok bool, err error)
}

// MemoryQueue is the channel-backed queue used in dev mode and tests.
type MemoryQueue struct {
	ch chan Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Task, size)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	select {
	case q.ch <- task:
		return nil
	default:
		return errors.New("loyalty queue full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	if wait <= 0 {
		select {
		case task := <-q.ch:
			return task, true, nil
		default:
			return Task{}, false, nil
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case task := <-q.ch:
		return task, true, nil
	case <-timer.C:
		return Task{}, false, nil
	case <-ctx.Done():
		return Task{}, false, ctx.Err()
	}
}
