package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueTranscode is the Redis list key for transcode jobs.
	QueueTranscode = "vod:transcode"
	// QueueDLQ is the dead-letter queue for jobs that kept failing.
	QueueDLQ = "vod:transcode:dlq"
	// MaxRetries is the number of attempts before a job is moved to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// DefaultBlockTimeout bounds each BLPOP so consumers notice shutdown.
	DefaultBlockTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeTranscode JobType = "transcode"
)

// TranscodePayload identifies the upload to orchestrate.
type TranscodePayload struct {
	VideoID uuid.UUID `json:"video_id"`
	OwnerID uuid.UUID `json:"owner_id"`
	RawPath string    `json:"raw_path"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// TranscodePayload decodes the job payload.
func (j *Job) TranscodePayload() (TranscodePayload, error) {
	var p TranscodePayload
	if j.Type != JobTypeTranscode {
		return p, fmt.Errorf("unknown job type: %s", j.Type)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client       *redis.Client
	blockTimeout time.Duration
	logger       *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, blockTimeout: DefaultBlockTimeout, logger: logger}
}

// SetBlockTimeout overrides how long Dequeue waits for a job.
func (q *Queue) SetBlockTimeout(d time.Duration) { q.blockTimeout = d }

// EnqueueTranscode enqueues a transcode job and returns its ID.
func (q *Queue) EnqueueTranscode(ctx context.Context, payload TranscodePayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeTranscode,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueTranscode, raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued transcode job", zap.String("job_id", job.ID), zap.String("video_id", payload.VideoID.String()))
	return job.ID, nil
}

// Dequeue waits up to the block timeout for a job. It returns (nil, nil) when
// nothing arrived or the entry could not be decoded.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, q.blockTimeout, QueueTranscode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		if dlqErr := q.client.RPush(ctx, QueueDLQ, result[1]).Err(); dlqErr != nil {
			q.logger.Error("dlq push failed", zap.Error(dlqErr))
		}
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueTranscode, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Requeue puts a job back at the tail without counting an attempt. It is for
// jobs interrupted by shutdown rather than failed.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueTranscode, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job requeued", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Len returns the number of pending transcode jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueTranscode).Result()
}

// DeadLetters returns the number of jobs parked in the DLQ.
func (q *Queue) DeadLetters(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueDLQ).Result()
}
