// Package training submits GNN training jobs and follows them to a
// terminal state.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trimodal-rag/backend/internal/capability"
)

// QueuedJob is what a training worker pops from the queue.
type QueuedJob struct {
	JobID       string                       `json:"job_id"`
	Config      capability.TrainingJobConfig `json:"config"`
	SubmittedAt time.Time                    `json:"submitted_at"`
}

// RedisQueue is an MLTrainingService backed by a Redis list. Submitters
// LPUSH jobs; workers BRPOP them and report progress through Report. Job
// status lives under "<queue>:status:<id>" until statusTTL expires it.
type RedisQueue struct {
	client    redis.UniversalClient
	queue     string
	statusTTL time.Duration
	now       func() time.Time
}

var _ capability.MLTrainingService = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient, queue string, statusTTL time.Duration) *RedisQueue {
	if statusTTL <= 0 {
		statusTTL = 7 * 24 * time.Hour
	}
	return &RedisQueue{client: client, queue: queue, statusTTL: statusTTL, now: time.Now}
}

func (q *RedisQueue) statusKey(jobID string) string { return q.queue + ":status:" + jobID }

func (q *RedisQueue) SubmitJob(ctx context.Context, cfg capability.TrainingJobConfig) (string, error) {
	if cfg.Domain == "" {
		return "", fmt.Errorf("training job needs a domain")
	}
	job := QueuedJob{JobID: uuid.New().String(), Config: cfg, SubmittedAt: q.now().UTC()}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal training job: %w", err)
	}

	status, err := json.Marshal(capability.JobStatus{JobID: job.JobID, State: capability.JobSubmitted, UpdatedAt: job.SubmittedAt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job status: %w", err)
	}

	// Status first so a fast worker never reports on an unknown job.
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.statusKey(job.JobID), status, q.statusTTL)
		pipe.LPush(ctx, q.queue, data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to push to queue %s: %w", q.queue, err)
	}
	return job.JobID, nil
}

func (q *RedisQueue) Poll(ctx context.Context, jobID string) (capability.JobStatus, error) {
	data, err := q.client.Get(ctx, q.statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return capability.JobStatus{}, fmt.Errorf("unknown training job %s", jobID)
		}
		return capability.JobStatus{}, fmt.Errorf("failed to read job status: %w", err)
	}
	var status capability.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return capability.JobStatus{}, fmt.Errorf("failed to unmarshal job status: %w", err)
	}
	return status, nil
}

// Next blocks for up to wait for a queued job. It returns nil, nil when
// the wait elapses with the queue empty.
func (q *RedisQueue) Next(ctx context.Context, wait time.Duration) (*QueuedJob, error) {
	result, err := q.client.BRPop(ctx, wait, q.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", q.queue, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length: %d", len(result))
	}

	var job QueuedJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training job: %w", err)
	}
	return &job, nil
}

// Report records a worker's progress on jobID.
func (q *RedisQueue) Report(ctx context.Context, jobID string, state capability.JobState, message string) error {
	status := capability.JobStatus{JobID: jobID, State: state, Message: message, UpdatedAt: q.now().UTC()}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}
	if err := q.client.Set(ctx, q.statusKey(jobID), data, q.statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to write job status: %w", err)
	}
	return nil
}

func (q *RedisQueue) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.Probe(ctx, func(ctx context.Context) error {
		return q.client.Ping(ctx).Err()
	})
}
