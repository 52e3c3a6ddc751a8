// Package queue is the claim-dispatch queue the Simple Flow Engine's
// worker processes pull from (spec.md §4.5, cmd/flowworker): a durable
// FIFO of "this flow id is ready to claim" signals, adapted from the
// teacher's generic job queue (pkg/queue/queue.go) down to the one
// job shape flowworker needs.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Queue is the claim-signal queue interface. Implementations need
// only FIFO semantics with at-least-once delivery; duplicate delivery
// is harmless since TryClaim is itself idempotent.
type Queue interface {
	// Enqueue adds a claim signal to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue retrieves and removes the next signal, blocking up to
	// timeout waiting for one. Returns (nil, nil) on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)

	// Len returns the number of pending signals.
	Len(ctx context.Context) (int64, error)

	// Close releases the queue's connection.
	Close() error
}

// Job is a claim signal: a flow type and id ready for a worker to
// pick up via simpleflow.Executor.Execute.
type Job struct {
	ID         string    `json:"id"`
	FlowType   string    `json:"flow_type"`
	FlowID     string    `json:"flow_id"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts,omitempty"`
	MaxRetries int       `json:"max_retries,omitempty"`
}

// NewClaimJob builds a claim signal for flowID of flowType.
func NewClaimJob(flowType, flowID string) *Job {
	return &Job{
		ID:         generateID(),
		FlowType:   flowType,
		FlowID:     flowID,
		CreatedAt:  time.Now(),
		MaxRetries: 3,
	}
}

// Config holds connection settings for a Queue backend.
type Config struct {
	Address   string
	Password  string
	Database  int
	QueueName string
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:   "localhost:6379",
		QueueName: "flowcore:claims",
	}
}

// Handler processes one dequeued claim signal.
type Handler func(ctx context.Context, job *Job) error

// Worker runs Handler against every signal a Queue yields, across a
// fixed pool of goroutines.
type Worker struct {
	queue  Queue
	handle Handler
	stop   chan struct{}
}

// NewWorker returns a Worker draining queue with handle.
func NewWorker(queue Queue, handle Handler) *Worker {
	return &Worker{queue: queue, handle: handle, stop: make(chan struct{})}
}

// Start launches concurrency goroutines pulling from the queue until
// ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	for i := 0; i < concurrency; i++ {
		go w.loop(ctx)
	}
}

// Stop signals every running loop to exit.
func (w *Worker) Stop() {
	close(w.stop)
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil || job == nil {
			continue
		}

		if err := w.handle(ctx, job); err != nil {
			job.Attempts++
			if job.Attempts < job.MaxRetries {
				_ = w.queue.Enqueue(ctx, job)
			}
		}
	}
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
