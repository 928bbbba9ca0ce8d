// Package queue is the Redis-backed job queue shared by the API, the scheduler and the
// workers. Jobs live in a hash keyed by ID; a sorted set orders the pending ones by
// schedule time then priority. Adopted-artifact notifications go over pub/sub.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	jobsKey  = "slawatch:jobs"
	queueKey = "slawatch:job_queue"
	// ArtifactChannel carries the version of each newly trained artifact.
	ArtifactChannel = "slawatch:artifacts"
)

type Queue struct {
	client *redis.Client
	repo   repository.JobRepository
}

// NewQueue connects to Redis. repo may be nil, in which case no job history is recorded.
func NewQueue(redisAddr string, repo repository.JobRepository) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		repo:   repo,
	}, nil
}

func score(t *task.Task) float64 {
	inverted := float64(task.PriorityHigh - t.Priority)
	return float64(t.ScheduledAt.Unix())*1000 + inverted
}

func (q *Queue) store(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", t.ID, err)
	}

	return q.client.HSet(ctx, jobsKey, t.ID, taskJSON).Err()
}

func (q *Queue) record(what string, t *task.Task, err error) {
	if err != nil {
		log.Error().Err(err).Str("job_id", t.ID).Str("type", string(t.Type)).Msgf("failed to record job %s", what)
	}
}

func (q *Queue) Enqueue(ctx context.Context, t *task.Task) error {
	if err := q.store(ctx, t); err != nil {
		return err
	}

	if err := q.client.ZAdd(ctx, queueKey, redis.Z{Score: score(t), Member: t.ID}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", t.ID, err)
	}

	if q.repo != nil {
		q.record("history", t, q.repo.SaveJob(ctx, t))
	}
	metrics.RecordJobEnqueued(t.Type, t.Priority)

	return nil
}

// Dequeue claims the first due job, or returns nil when none is due. A job is handed to
// exactly one caller even with several workers polling.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	maxScore := float64(time.Now().Unix())*1000 + float64(task.PriorityHigh-task.PriorityLow)

	for {
		ids, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", maxScore),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read job queue: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		removed, err := q.client.ZRem(ctx, queueKey, ids[0]).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", ids[0], err)
		}
		if removed == 0 {
			continue
		}

		return q.GetTask(ctx, ids[0])
	}
}

func (q *Queue) UpdateTask(ctx context.Context, t *task.Task) error {
	return q.store(ctx, t)
}

// MarkRunning stamps the job as started by workerID.
func (q *Queue) MarkRunning(ctx context.Context, t *task.Task, workerID string) error {
	now := time.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	if err := q.store(ctx, t); err != nil {
		return err
	}

	if q.repo != nil {
		q.record("status", t, q.repo.UpdateJobStatus(ctx, t.ID, t.Status, workerID))
	}

	return nil
}

func (q *Queue) CompleteTask(ctx context.Context, t *task.Task, result string, duration time.Duration) error {
	now := time.Now()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.Result = result
	t.Error = ""
	if err := q.store(ctx, t); err != nil {
		return err
	}

	if q.repo != nil {
		q.record("completion", t, q.repo.CompleteJob(ctx, t.ID, result, int(duration.Milliseconds())))
	}
	metrics.RecordJobCompleted(t.Type, duration)

	return nil
}

// FailTask marks the job as permanently failed.
func (q *Queue) FailTask(ctx context.Context, t *task.Task, reason string, duration time.Duration) error {
	now := time.Now()
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.Error = reason
	if err := q.store(ctx, t); err != nil {
		return err
	}

	if q.repo != nil {
		q.record("failure", t, q.repo.FailJob(ctx, t.ID, reason, int(duration.Milliseconds())))
	}
	metrics.RecordJobFailed(t.Type, duration)

	return nil
}

// Retry puts the job back as pending after delay.
func (q *Queue) Retry(ctx context.Context, t *task.Task, reason string, delay time.Duration) error {
	t.RetryCount++
	t.Status = task.StatusPending
	t.Error = reason
	t.ScheduledAt = time.Now().Add(delay)

	if err := q.store(ctx, t); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, queueKey, redis.Z{Score: score(t), Member: t.ID}).Err(); err != nil {
		return fmt.Errorf("failed to re-enqueue job %s: %w", t.ID, err)
	}

	if q.repo != nil {
		q.record("retry", t, q.repo.IncrementRetryCount(ctx, t.ID))
	}
	metrics.RecordJobRetried(t.Type)

	return nil
}

func (q *Queue) GetTask(ctx context.Context, id string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, jobsKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for _, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// Depth is the number of jobs waiting in the queue, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

func (q *Queue) PublishArtifact(ctx context.Context, version string) error {
	if err := q.client.Publish(ctx, ArtifactChannel, version).Err(); err != nil {
		return fmt.Errorf("failed to publish artifact %s: %w", version, err)
	}

	return nil
}

// SubscribeArtifacts calls fn with every published artifact version until ctx is done.
func (q *Queue) SubscribeArtifacts(ctx context.Context, fn func(version string)) error {
	sub := q.client.Subscribe(ctx, ArtifactChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close artifact subscription")
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ArtifactChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

func (q *Queue) GetRepository() repository.JobRepository {
	return q.repo
}

func (q *Queue) Close() error {
	return q.client.Close()
}
