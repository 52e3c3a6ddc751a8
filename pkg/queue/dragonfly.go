package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DragonflyQueue implements Queue against DragonflyDB/Redis using a
// plain LPUSH/BRPOP list, grounded on the teacher's
// pkg/queue/dragonfly.go (the priority-queue half of that file has no
// counterpart here: claim signals have no priority concept).
type DragonflyQueue struct {
	client   *redis.Client
	queueKey string
}

// NewDragonflyQueue dials addr and verifies it is reachable before
// returning.
func NewDragonflyQueue(cfg Config) (*DragonflyQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: failed to connect to DragonflyDB: %w", err)
	}

	return &DragonflyQueue{client: client, queueKey: cfg.QueueName}, nil
}

func (dq *DragonflyQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal job: %w", err)
	}
	if err := dq.client.LPush(ctx, dq.queueKey, data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue failed: %w", err)
	}
	return nil
}

func (dq *DragonflyQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := dq.client.BRPop(ctx, timeout, dq.queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeue failed: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (dq *DragonflyQueue) Len(ctx context.Context) (int64, error) {
	return dq.client.LLen(ctx, dq.queueKey).Result()
}

func (dq *DragonflyQueue) Close() error {
	return dq.client.Close()
}

// Client returns the underlying Redis client, mainly for diagnostics.
func (dq *DragonflyQueue) Client() *redis.Client {
	return dq.client
}
