package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/slawatch/internal/config"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/logging"
	"github.com/nadmax/slawatch/internal/queue"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/rootcause"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/worker"
	"github.com/nadmax/slawatch/internal/worker/handlers"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := logging.Init("slawatch-worker", cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise logging")
	}

	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	repo, err := repository.NewPostgresRepository(cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Postgres")
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close Postgres repository")
		}
	}()

	q, err := queue.NewQueue(cfg.Redis.Addr, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close worker queue")
		}
	}()

	schema, err := features.SchemaFor(cfg.Features.SchemaVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown feature schema")
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q)
	w.SetPollInterval(time.Duration(cfg.Worker.PollInterval) * time.Second)

	train := handlers.NewTrainHandler(repo, repo, q, schema, cfg.Training.Config, cfg.Training.LookbackDays)
	w.RegisterHandler(task.TypeTrainModel, train.Handle)

	if cfg.Digest.SendGridAPIKey == "" {
		log.Warn().Msg("SENDGRID_API_KEY not set, root cause digests are disabled on this worker")
	} else {
		mailer := handlers.NewSendGridMailer(cfg.Digest.SendGridAPIKey, cfg.Digest.FromName, cfg.Digest.FromAddress)
		digest := handlers.NewDigestHandler(repo, rootcause.NewAnalyzer(cfg.Analysis.Workers), mailer, handlers.DigestConfig{
			Recipients:         cfg.Digest.Recipients,
			WindowDays:         cfg.Digest.WindowDays,
			MinDistrictSamples: cfg.Analysis.MinDistrictSamples,
			MinCategorySamples: cfg.Analysis.MinCategorySamples,
		})
		w.RegisterHandler(task.TypeRootCauseDigest, digest.Handle)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go w.Start(ctx)

	<-ctx.Done()
	log.Info().Str("worker_id", workerID).Msg("shutting down worker")
	w.Stop()
}
