package main

import (
	"context"
	"time"

	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/rs/zerolog/log"
)

type depthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// statsRefresher rebuilds the historical aggregates and open workload from the request
// store and publishes them as one snapshot.
type statsRefresher struct {
	requests     repository.RequestStore
	store        *stats.Store
	queue        depthReader
	lookbackDays int
	now          func() time.Time
}

func (s *statsRefresher) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				log.Error().Err(err).Msg("failed to refresh stats snapshot")
			}
		}
	}
}

func (s *statsRefresher) refresh(ctx context.Context) error {
	closed, err := s.requests.ListRequests(ctx, repository.RequestQuery{
		Statuses:      []workflow.Status{workflow.StatusClosed},
		SubmittedFrom: s.now().AddDate(0, 0, -s.lookbackDays),
	})
	if err != nil {
		return err
	}

	open, err := s.requests.ListRequests(ctx, repository.RequestQuery{
		Statuses: []workflow.Status{workflow.StatusOpen},
	})
	if err != nil {
		return err
	}

	scratch := stats.NewStore()
	scratch.Fold(closed)
	snap := scratch.SetWorkload(open)
	s.store.Replace(snap)

	metrics.UpdateStats(snap.Len(), len(open))

	if s.queue != nil {
		depth, err := s.queue.Depth(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read queue depth")
		} else {
			metrics.UpdateQueueDepth(int(depth))
		}
	}

	log.Debug().
		Int("closed", len(closed)).
		Int("open", len(open)).
		Int("keys", snap.Len()).
		Int64("version", snap.Version).
		Msg("stats snapshot refreshed")

	return nil
}
