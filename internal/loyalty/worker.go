package loyalty

import (
	"context"
	"log"
	"sync"
	"time"
)

// Worker drains the analytics queue in the background. Failed tasks are
// re-enqueued until maxAttempts, then dropped with a warning; the dedup key
// in the store makes the extra deliveries safe.
type Worker struct {
	queue       Queue
	updater     *Updater
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(queue Queue, updater *Updater, maxAttempts int) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Worker{queue: queue, updater: updater, maxAttempts: maxAttempts}
}

func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		task, ok, err := w.queue.Dequeue(ctx, 2*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[loyalty] dequeue error: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			continue
		}

		if err := w.updater.Apply(ctx, task); err != nil {
			task.Attempts++
			if task.Attempts >= w.maxAttempts {
				log.Printf("[loyalty] WARN: dropping task order=%s kind=%s after %d attempts: %v", task.OrderID, task.Kind, task.Attempts, err)
				continue
			}
			log.Printf("[loyalty] WARN: task order=%s kind=%s failed (attempt %d), re-enqueueing: %v", task.OrderID, task.Kind, task.Attempts, err)
			if enqErr := w.queue.Enqueue(ctx, task); enqErr != nil {
				log.Printf("[loyalty] WARN: re-enqueue failed for order=%s: %v", task.OrderID, enqErr)
			}
		}
	}
}
