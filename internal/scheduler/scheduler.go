// Package scheduler enqueues recurring jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadmax/slawatch/internal/task"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, t *task.Task) error
}

// Job is one recurring enqueue. An empty Schedule disables it.
type Job struct {
	Name     string
	Schedule string
	Type     task.TaskType
	Priority task.TaskPriority
	Payload  func() any
}

type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	ids      map[string]cron.EntryID
}

func New(enqueuer Enqueuer) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		enqueuer: enqueuer,
		ids:      make(map[string]cron.EntryID),
	}
}

// ValidSchedule reports whether expr is a standard five-field cron expression or descriptor.
func ValidSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}

	return nil
}

func (s *Scheduler) Add(j Job) error {
	expr := strings.TrimSpace(j.Schedule)
	if expr == "" {
		log.Warn().Str("job", j.Name).Msg("no schedule configured, skipping")
		return nil
	}

	id, err := s.cron.AddFunc(expr, func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", j.Name, err)
	}
	s.ids[j.Name] = id

	log.Info().Str("job", j.Name).Str("schedule", expr).Msg("job scheduled")

	return nil
}

func (s *Scheduler) fire(j Job) {
	var payload any
	if j.Payload != nil {
		payload = j.Payload()
	}

	t, err := task.NewTask(j.Type, payload, j.Priority)
	if err != nil {
		log.Error().Err(err).Str("job", j.Name).Msg("failed to build scheduled job")
		return
	}

	if err := s.enqueuer.Enqueue(context.Background(), t); err != nil {
		log.Error().Err(err).Str("job", j.Name).Msg("failed to enqueue scheduled job")
		return
	}

	log.Info().Str("job", j.Name).Str("job_id", t.ID).Msg("scheduled job enqueued")
}

// Entries returns the scheduled job names.
func (s *Scheduler) Entries() []string {
	out := make([]string, 0, len(s.ids))
	for name := range s.ids {
		out = append(out, name)
	}

	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running enqueues to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
