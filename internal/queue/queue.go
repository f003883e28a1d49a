package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// One Redis list per job kind. Preview jobs get their own named lane so the
// coordinator can meter them independently of generation work.
const (
	QueueImage       = "queue:image"
	QueueGarmentSwap = "queue:garment_swap"
	QueueMotion      = "queue:motion"
	QueuePreview     = "queue:preview"
)

// QueueFor maps a job kind to its Redis list name.
func QueueFor(kind models.JobKind) string {
	switch kind {
	case models.JobKindImage:
		return QueueImage
	case models.JobKindGarmentSwap:
		return QueueGarmentSwap
	case models.JobKindMotion:
		return QueueMotion
	case models.JobKindPreview:
		return QueuePreview
	}
	return ""
}

type Queue struct {
	client *redis.Client
}

// Job is the wire form of one unit of background work.
type Job struct {
	ID        uuid.UUID              `json:"id"`
	Kind      models.JobKind         `json:"kind"`
	SceneID   uuid.UUID              `json:"scene_id"`
	Params    map[string]interface{} `json:"params,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}
