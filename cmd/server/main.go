package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/slawatch/internal/api"
	"github.com/nadmax/slawatch/internal/config"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/logging"
	"github.com/nadmax/slawatch/internal/middleware"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/queue"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/risk"
	"github.com/nadmax/slawatch/internal/rootcause"
	"github.com/nadmax/slawatch/internal/scheduler"
	"github.com/nadmax/slawatch/internal/scorer"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/rs/zerolog/log"
)

const statsRefreshInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := logging.Init("slawatch-server", cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise logging")
	}

	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Postgres")
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close Postgres repository")
		}
	}()

	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	q, err := queue.NewQueue(cfg.Redis.Addr, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close server queue")
		}
	}()

	schema, err := features.SchemaFor(cfg.Features.SchemaVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown feature schema")
	}

	classifier, err := risk.NewClassifier(cfg.Risk)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid risk thresholds")
	}

	store := stats.NewStore()
	refresher := &statsRefresher{
		requests:     repo,
		store:        store,
		queue:        q,
		lookbackDays: cfg.Training.LookbackDays,
		now:          time.Now,
	}
	if err := refresher.refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial stats refresh failed, starting with empty aggregates")
	}
	go refresher.run(ctx, statsRefreshInterval)

	orch := predict.New(features.NewExtractor(schema), scorer.NewHeuristic(schema, cfg.Heuristic), classifier, store, cfg.PredictConfig())
	adoptLatest(ctx, repo, orch)

	if cfg.Server.AdoptOnPublish {
		go func() {
			err := q.SubscribeArtifacts(ctx, func(version string) {
				a, err := repo.GetArtifact(ctx, version)
				if err != nil {
					log.Error().Err(err).Str("version", version).Msg("failed to load published artifact")
					return
				}
				if err := orch.Adopt(a); err != nil {
					log.Error().Err(err).Str("version", version).Msg("published artifact rejected")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("artifact subscription stopped")
			}
		}()
	}

	sched := scheduler.New(q)
	jobs := []scheduler.Job{
		{
			Name:     "nightly-training",
			Schedule: cfg.Training.Schedule,
			Type:     task.TypeTrainModel,
			Priority: task.PriorityHigh,
			Payload:  func() any { return task.TrainPayload{Trigger: "schedule"} },
		},
		{
			Name:     "root-cause-digest",
			Schedule: cfg.Digest.Schedule,
			Type:     task.TypeRootCauseDigest,
			Priority: task.PriorityLow,
			Payload: func() any {
				return task.DigestPayload{WindowDays: cfg.Digest.WindowDays, RequestedBy: "schedule"}
			},
		},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			log.Fatal().Err(err).Str("job", j.Name).Msg("failed to schedule job")
		}
	}
	sched.Start()
	defer sched.Stop()

	apiHandler := api.NewAPI(api.Deps{
		Repo:         repo,
		Queue:        q,
		Orchestrator: orch,
		Analyzer:     rootcause.NewAnalyzer(cfg.Analysis.Workers),
		Snapshots:    store,
	}, api.Config{
		AnalysisWindowDays: cfg.Analysis.WindowDays,
		MinDistrictSamples: cfg.Analysis.MinDistrictSamples,
		MinCategorySamples: cfg.Analysis.MinCategorySamples,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           middleware.AccessLog(middleware.MetricsMiddleware(apiHandler)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("redis", cfg.Redis.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// adoptLatest activates the newest stored artifact. Without one the orchestrator stays
// on the heuristic.
func adoptLatest(ctx context.Context, artifacts repository.ArtifactStore, orch *predict.Orchestrator) {
	a, err := artifacts.LatestArtifact(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn().Msg("no trained artifact stored yet")
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to load latest artifact")
		return
	}

	if err := orch.Adopt(a); err != nil {
		log.Error().Err(err).Str("version", a.Version).Msg("latest artifact is not compatible")
	}
}
