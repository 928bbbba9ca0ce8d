// Package worker provides the background job processor that consumes and executes jobs
// from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/queue"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/rs/zerolog/log"
)

// TaskHandler runs one job and returns a short result, e.g. the trained artifact version.
type TaskHandler func(ctx context.Context, t *task.Task) (string, error)

type Worker struct {
	id           string
	queue        *queue.Queue
	handlers     map[task.TaskType]TaskHandler
	pollInterval time.Duration
	retryBase    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(id string, q *queue.Queue) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		handlers:     make(map[task.TaskType]TaskHandler),
		pollInterval: time.Second,
		retryBase:    10 * time.Second,
	}
}

func (w *Worker) RegisterHandler(taskType task.TaskType, handler TaskHandler) {
	w.handlers[taskType] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// SetRetryBase sets the backoff unit; retry n waits n times this long.
func (w *Worker) SetRetryBase(d time.Duration) {
	w.retryBase = d
}

// Start polls until ctx is done or Stop is called. It blocks.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	defer close(done)

	log.Info().Str("worker_id", w.id).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", w.id).Msg("worker stopped")
			return
		default:
		}

		t, err := w.queue.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Str("worker_id", w.id).Msg("failed to dequeue job")
		}
		if err != nil || t == nil {
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.processTask(ctx, t)
	}
}

// Stop cancels the poll loop and waits for the job in progress to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job fails without retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// retryable reports whether another attempt could succeed. Data and configuration faults
// will not change between attempts.
func retryable(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return false
	}

	switch faults.KindOf(err) {
	case faults.InsufficientData, faults.InvalidConfiguration, faults.SchemaMismatch, faults.MalformedRecord:
		return false
	}

	return true
}

func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	logger := log.With().Str("worker_id", w.id).Str("job_id", t.ID).Str("type", string(t.Type)).Logger()
	logger.Info().Int("attempt", t.RetryCount+1).Msg("processing job")

	started := time.Now()
	if err := w.queue.MarkRunning(ctx, t, w.id); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}

	handler, exists := w.handlers[t.Type]
	if !exists {
		if err := w.queue.FailTask(ctx, t, fmt.Sprintf("no handler for job type: %s", t.Type), time.Since(started)); err != nil {
			logger.Error().Err(err).Msg("failed to update job")
		}
		logger.Error().Msg("no handler for job type")
		return
	}

	result, err := handler(ctx, t)
	duration := time.Since(started)

	// Outcomes are stored even once shutdown has begun.
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := w.queue.CompleteTask(storeCtx, t, result, duration); err != nil {
			logger.Error().Err(err).Msg("failed to update completed job")
		}
		logger.Info().Str("result", result).Dur("duration", duration).Msg("job completed")
		return
	}

	if retryable(err) && t.RetryCount+1 < t.MaxRetries {
		delay := time.Duration(t.RetryCount+1) * w.retryBase
		if err := w.queue.Retry(storeCtx, t, err.Error(), delay); err != nil {
			logger.Error().Err(err).Msg("failed to re-enqueue job")
		}
		logger.Warn().Err(err).Int("retry", t.RetryCount).Int("max_retries", t.MaxRetries).Dur("delay", delay).Msg("job failed, will retry")
		return
	}

	if err := w.queue.FailTask(storeCtx, t, err.Error(), duration); err != nil {
		logger.Error().Err(err).Msg("failed to update failed job")
	}
	logger.Error().Err(err).Str("kind", string(faults.KindOf(err))).Msg("job failed permanently")
}
