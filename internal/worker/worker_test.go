package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/queue"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestWorker(t *testing.T) (*Worker, *queue.Queue, *repository.MockRepository) {
	mr := miniredis.RunT(t)
	repo := repository.NewMockRepository()

	q, err := queue.NewQueue(mr.Addr(), repo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	w := NewWorker("test-worker", q)
	w.SetRetryBase(time.Millisecond)

	return w, q, repo
}

func enqueue(t *testing.T, q *queue.Queue, typ task.TaskType) *task.Task {
	t.Helper()

	job, err := task.NewTask(typ, task.TrainPayload{Trigger: "api"}, task.PriorityMedium)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))

	return job
}

func TestRegisterHandler(t *testing.T) {
	w, _, _ := setupTestWorker(t)

	w.RegisterHandler(task.TypeTrainModel, func(context.Context, *task.Task) (string, error) {
		return "", nil
	})

	assert.Contains(t, w.handlers, task.TypeTrainModel)
}

func TestProcessTask_Success(t *testing.T) {
	w, q, repo := setupTestWorker(t)
	ctx := context.Background()

	w.RegisterHandler(task.TypeTrainModel, func(_ context.Context, job *task.Task) (string, error) {
		var p task.TrainPayload
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, "api", p.Trigger)
		return "v1", nil
	})

	job := enqueue(t, q, task.TypeTrainModel)
	w.processTask(ctx, job)

	updated, err := q.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, updated.Status)
	assert.Equal(t, "v1", updated.Result)
	assert.NotNil(t, updated.StartedAt)
	assert.NotNil(t, updated.CompletedAt)

	require.Len(t, repo.StatusCalls, 1)
	assert.Equal(t, "test-worker", repo.StatusCalls[0].WorkerID)
	require.Len(t, repo.CompleteJobCalls, 1)
}

func TestProcessTask_TransientFailureRetries(t *testing.T) {
	w, q, _ := setupTestWorker(t)
	ctx := context.Background()

	w.RegisterHandler(task.TypeTrainModel, func(context.Context, *task.Task) (string, error) {
		return "", errors.New("connection reset")
	})

	job := enqueue(t, q, task.TypeTrainModel)
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	w.processTask(ctx, job)

	updated, err := q.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestProcessTask_MaxRetriesExceeded(t *testing.T) {
	w, q, repo := setupTestWorker(t)
	ctx := context.Background()

	w.RegisterHandler(task.TypeTrainModel, func(context.Context, *task.Task) (string, error) {
		return "", errors.New("connection reset")
	})

	job := enqueue(t, q, task.TypeTrainModel)
	job.RetryCount = job.MaxRetries - 1
	w.processTask(ctx, job)

	updated, err := q.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, updated.Status)
	assert.Equal(t, "connection reset", updated.Error)
	require.Len(t, repo.FailJobCalls, 1)
}

func TestProcessTask_PermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"insufficient data", faults.New(faults.InsufficientData, "rows=12", "need at least 50 rows")},
		{"invalid configuration", faults.New(faults.InvalidConfiguration, "training.l2", "must be non-negative")},
		{"explicitly permanent", Permanent(errors.New("bad payload"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, q, _ := setupTestWorker(t)
			ctx := context.Background()

			calls := 0
			w.RegisterHandler(task.TypeTrainModel, func(context.Context, *task.Task) (string, error) {
				calls++
				return "", tt.err
			})

			job := enqueue(t, q, task.TypeTrainModel)
			_, err := q.Dequeue(ctx)
			require.NoError(t, err)
			w.processTask(ctx, job)

			updated, err := q.GetTask(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, task.StatusFailed, updated.Status)
			assert.Equal(t, 0, updated.RetryCount)
			assert.Equal(t, 1, calls)

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.Zero(t, depth)
		})
	}
}

func TestProcessTask_NoHandler(t *testing.T) {
	w, q, _ := setupTestWorker(t)
	ctx := context.Background()

	job := enqueue(t, q, task.TypeRootCauseDigest)
	w.processTask(ctx, job)

	updated, err := q.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, updated.Status)
	assert.Contains(t, updated.Error, "no handler")
}

func TestWorkerStartStop(t *testing.T) {
	w, q, _ := setupTestWorker(t)
	w.SetPollInterval(10 * time.Millisecond)

	processed := make(chan string, 3)
	w.RegisterHandler(task.TypeTrainModel, func(_ context.Context, job *task.Task) (string, error) {
		processed <- job.ID
		return "ok", nil
	})

	go w.Start(context.Background())

	want := map[string]bool{}
	for range 3 {
		want[enqueue(t, q, task.TypeTrainModel).ID] = true
	}

	for range 3 {
		select {
		case id := <-processed:
			assert.True(t, want[id])
		case <-time.After(5 * time.Second):
			t.Fatal("job was not processed")
		}
	}

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.cancel != nil
	}, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("timeout")))
	assert.True(t, retryable(faults.Wrap(faults.Cancelled, "", context.Canceled)))
	assert.False(t, retryable(faults.New(faults.InsufficientData, "", "single class")))
	assert.False(t, retryable(Permanent(errors.New("x"))))
	assert.Nil(t, Permanent(nil))
}
