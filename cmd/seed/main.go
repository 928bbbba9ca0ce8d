// Command seed fills the request store with synthetic service requests.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/nadmax/slawatch/internal/config"
	"github.com/nadmax/slawatch/internal/logging"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/synth"
	"github.com/rs/zerolog/log"
)

const batchSize = 500

func main() {
	defaults := synth.DefaultConfig()
	count := flag.Int("count", defaults.Count, "number of requests to generate")
	seed := flag.Int64("seed", defaults.Seed, "random seed")
	days := flag.Int("days", defaults.SpanDays, "days of closed history before the end date")
	end := flag.String("end", time.Now().UTC().Format(time.DateOnly), "as-of date (YYYY-MM-DD)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := logging.Init("slawatch-seed", cfg.Logging.Level, "console"); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise logging")
	}

	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	asOf, err := time.Parse(time.DateOnly, *end)
	if err != nil {
		log.Fatal().Err(err).Str("end", *end).Msg("invalid end date")
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

	ctx := context.Background()
	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	gen := defaults
	gen.Count = *count
	gen.Seed = *seed
	gen.SpanDays = *days
	gen.End = asOf
	reqs := synth.Generate(gen)

	for lo := 0; lo < len(reqs); lo += batchSize {
		hi := min(lo+batchSize, len(reqs))
		if err := repo.SaveRequests(ctx, reqs[lo:hi]); err != nil {
			log.Fatal().Err(err).Int("offset", lo).Msg("failed to save requests")
		}
	}

	log.Info().Int("requests", len(reqs)).Time("end", asOf).Msg("seeded service requests")
}
