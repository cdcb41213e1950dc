// queue/worker.go
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one claimed job. A non-nil error engages the queue's
// retry policy.
type Handler func(ctx context.Context, job *Job) error

// Worker drains one queue with a bounded pool of goroutines. Horizontal
// scale-out is just more processes running workers on the same queue name.
type Worker struct {
	queue       *Queue
	concurrency int
	handler     Handler

	wg sync.WaitGroup
}

func NewWorker(q *Queue, concurrency int, handler Handler) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Worker{
		queue:       q,
		concurrency: concurrency,
		handler:     handler,
	}
}

// Start launches the consumer pool and the delayed-job promoter. It returns
// immediately; cancellation of ctx drains the pool.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("🔁 Starting worker pool for queue %q (concurrency=%d)", w.queue.Name(), w.concurrency)

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx)
	}
}

// Wait blocks until every consumer has exited after ctx cancellation.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Queue:%s] ⚠️ Delayed-job promotion failed: %v", w.queue.Name(), err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, raw, err := w.queue.claim(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue // timed out empty, poll again
			}
			log.Printf("[Queue:%s] ⚠️ Claim failed: %v", w.queue.Name(), err)
			time.Sleep(time.Second)
			continue
		}

		job.Attempts++
		if err := w.handler(ctx, job); err != nil {
			log.Printf("[Queue:%s] ❌ Job %s attempt %d/%d failed: %v",
				w.queue.Name(), job.ID, job.Attempts, w.queue.opts.Attempts, err)
			if rerr := w.queue.retryOrFail(ctx, job, raw); rerr != nil && ctx.Err() == nil {
				log.Printf("[Queue:%s] ⚠️ Failed to reschedule job %s: %v", w.queue.Name(), job.ID, rerr)
			}
			continue
		}

		w.queue.complete(ctx, raw)
	}
}
