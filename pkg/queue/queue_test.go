package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nuulab/flowcore/pkg/queue"
)

func TestNewClaimJob(t *testing.T) {
	job := queue.NewClaimJob("heartbeat", "flow-1")

	if job.ID == "" {
		t.Error("expected non-empty job ID")
	}
	if job.FlowType != "heartbeat" {
		t.Errorf("expected flow type 'heartbeat', got %q", job.FlowType)
	}
	if job.FlowID != "flow-1" {
		t.Errorf("expected flow id 'flow-1', got %q", job.FlowID)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected non-zero CreatedAt")
	}
	if job.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", job.MaxRetries)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := queue.DefaultConfig()

	if cfg.Address != "localhost:6379" {
		t.Errorf("expected default address 'localhost:6379', got %q", cfg.Address)
	}
	if cfg.QueueName != "flowcore:claims" {
		t.Errorf("expected queue name 'flowcore:claims', got %q", cfg.QueueName)
	}
}

// memQueue implements queue.Queue for testing without a live Redis.
type memQueue struct {
	jobs []*queue.Job
}

func (m *memQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	if len(m.jobs) == 0 {
		return nil, nil
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	return job, nil
}

func (m *memQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(m.jobs)), nil
}

func (m *memQueue) Close() error { return nil }

func TestWorkerDispatchesDequeuedJobToHandler(t *testing.T) {
	q := &memQueue{}
	q.Enqueue(context.Background(), queue.NewClaimJob("order", "flow-7"))

	handled := make(chan string, 1)
	worker := queue.NewWorker(q, func(ctx context.Context, job *queue.Job) error {
		handled <- job.FlowID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx, 1)

	select {
	case flowID := <-handled:
		if flowID != "flow-7" {
			t.Errorf("expected flow-7, got %s", flowID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestWorkerRequeuesFailedJobUntilMaxRetries(t *testing.T) {
	q := &memQueue{}
	job := queue.NewClaimJob("order", "flow-8")
	job.MaxRetries = 2
	q.Enqueue(context.Background(), job)

	var attempts int
	done := make(chan struct{})
	worker := queue.NewWorker(q, func(ctx context.Context, job *queue.Job) error {
		attempts++
		if attempts >= 2 {
			close(done)
		}
		return context.DeadlineExceeded
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least 2 attempts before giving up")
	}
}

func TestJobSerialization(t *testing.T) {
	job := queue.NewClaimJob("order", "flow-9")

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var restored queue.Job
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if restored.FlowID != job.FlowID {
		t.Error("flow id mismatch after round-trip")
	}
}
