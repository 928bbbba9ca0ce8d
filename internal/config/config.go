// Package config loads the service configuration from an optional YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/features"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/risk"
	"github.com/nadmax/slawatch/internal/scheduler"
	"github.com/nadmax/slawatch/internal/scorer"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/trainer"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config.yaml"

type (
	Server struct {
		Port string `yaml:"port"`
		// AdoptOnPublish subscribes the server to artifact notifications from workers.
		AdoptOnPublish bool `yaml:"adopt_on_publish"`
	}
	Postgres struct {
		DSN string `yaml:"dsn"`
	}
	Redis struct {
		Addr string `yaml:"addr"`
	}
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Features struct {
		SchemaVersion int        `yaml:"schema_version"`
		Fallback      stats.Stat `yaml:"fallback"`
	}
	Analysis struct {
		MinDistrictSamples int `yaml:"min_district_samples"`
		MinCategorySamples int `yaml:"min_category_samples"`
		WindowDays         int `yaml:"window_days"`
		Workers            int `yaml:"workers"`
	}
	Training struct {
		trainer.Config `yaml:",inline"`
		LookbackDays   int    `yaml:"lookback_days"`
		Schedule       string `yaml:"schedule"`
	}
	Prediction struct {
		Workers     int `yaml:"workers"`
		HorizonDays int `yaml:"horizon_days"`
	}
	Digest struct {
		Recipients     []string `yaml:"recipients"`
		SendGridAPIKey string   `yaml:"sendgrid_api_key"`
		FromAddress    string   `yaml:"from_address"`
		FromName       string   `yaml:"from_name"`
		WindowDays     int      `yaml:"window_days"`
		// Schedule enqueues a digest job on a cron schedule; empty disables it.
		Schedule string `yaml:"schedule"`
	}
	Worker struct {
		ID           string `yaml:"id"`
		PollInterval int    `yaml:"poll_interval_seconds"`
	}
)

type Config struct {
	Server     Server                 `yaml:"server"`
	Postgres   Postgres               `yaml:"postgres"`
	Redis      Redis                  `yaml:"redis"`
	Logging    Logging                `yaml:"logging"`
	Risk       risk.Thresholds        `yaml:"risk"`
	Features   Features               `yaml:"features"`
	Heuristic  scorer.HeuristicConfig `yaml:"heuristic"`
	Analysis   Analysis               `yaml:"analysis"`
	Training   Training               `yaml:"training"`
	Prediction Prediction             `yaml:"prediction"`
	Digest     Digest                 `yaml:"digest"`
	Worker     Worker                 `yaml:"worker"`
}

func Default() Config {
	return Config{
		Server:   Server{Port: "8080"},
		Postgres: Postgres{},
		Redis:    Redis{Addr: "localhost:6379"},
		Logging:  Logging{Level: "info", Format: "json"},
		Risk:     risk.DefaultThresholds(),
		Features: Features{
			SchemaVersion: 1,
			Fallback:      stats.Stat{Count: 1, BreachRate: 0.25, MeanDelayHours: 24, MeanResidencyHours: 48},
		},
		Heuristic: scorer.DefaultHeuristicConfig(),
		Analysis:  Analysis{MinDistrictSamples: 10, MinCategorySamples: 10, WindowDays: 90, Workers: 4},
		Training:  Training{Config: trainer.DefaultConfig(), LookbackDays: 365, Schedule: "0 2 * * *"},
		Prediction: Prediction{
			Workers:     8,
			HorizonDays: 7,
		},
		Digest: Digest{FromAddress: "noreply@slawatch.local", FromName: "slawatch", WindowDays: 30},
		Worker: Worker{PollInterval: 1},
	}
}

// Load reads CONFIG_PATH (default config.yaml) if it exists, applies environment overrides
// on top and validates the result.
func Load() (Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, faults.Wrap(faults.InvalidConfiguration, path, fmt.Errorf("failed to parse config file: %w", err))
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	envOverride(&c.Server.Port, "PORT")
	envOverride(&c.Postgres.DSN, "POSTGRES_DSN")
	envOverride(&c.Redis.Addr, "REDIS_ADDR")
	envOverride(&c.Worker.ID, "WORKER_ID")
	envOverride(&c.Logging.Level, "LOG_LEVEL")
	envOverride(&c.Logging.Format, "LOG_FORMAT")
	envOverride(&c.Training.Schedule, "TRAINING_SCHEDULE")
	envOverride(&c.Digest.Schedule, "DIGEST_SCHEDULE")
	envOverride(&c.Digest.SendGridAPIKey, "SENDGRID_API_KEY")
	envOverride(&c.Digest.FromAddress, "DIGEST_FROM")
	envOverrideList(&c.Digest.Recipients, "DIGEST_RECIPIENTS")
	envOverrideBool(&c.Server.AdoptOnPublish, "ADOPT_ON_PUBLISH")

	for _, o := range []struct {
		field *int
		key   string
	}{
		{&c.Features.SchemaVersion, "FEATURE_SCHEMA_VERSION"},
		{&c.Prediction.Workers, "PREDICTION_WORKERS"},
		{&c.Prediction.HorizonDays, "PREDICTION_HORIZON_DAYS"},
		{&c.Training.MinRows, "TRAINING_MIN_ROWS"},
		{&c.Training.LookbackDays, "TRAINING_LOOKBACK_DAYS"},
	} {
		if err := envOverrideInt(o.field, o.key); err != nil {
			return err
		}
	}

	return envOverrideFloat(&c.Training.HoldoutRatio, "TRAINING_HOLDOUT_RATIO")
}

// Validate reports the first invalid setting as faults.InvalidConfiguration.
func (c Config) Validate() error {
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	if _, err := features.SchemaFor(c.Features.SchemaVersion); err != nil {
		return err
	}

	for _, s := range [][2]string{{"training.schedule", c.Training.Schedule}, {"digest.schedule", c.Digest.Schedule}} {
		if s[1] == "" {
			continue
		}
		if err := scheduler.ValidSchedule(s[1]); err != nil {
			return faults.Wrap(faults.InvalidConfiguration, s[0], err)
		}
	}

	switch {
	case c.Server.Port == "":
		return faults.New(faults.InvalidConfiguration, "server.port", "must not be empty")
	case c.Analysis.MinDistrictSamples <= 0:
		return faults.New(faults.InvalidConfiguration, "analysis.min_district_samples", "must be positive, got %d", c.Analysis.MinDistrictSamples)
	case c.Analysis.MinCategorySamples <= 0:
		return faults.New(faults.InvalidConfiguration, "analysis.min_category_samples", "must be positive, got %d", c.Analysis.MinCategorySamples)
	case c.Analysis.WindowDays <= 0:
		return faults.New(faults.InvalidConfiguration, "analysis.window_days", "must be positive, got %d", c.Analysis.WindowDays)
	case c.Training.LookbackDays <= 0:
		return faults.New(faults.InvalidConfiguration, "training.lookback_days", "must be positive, got %d", c.Training.LookbackDays)
	case c.Prediction.HorizonDays < 0:
		return faults.New(faults.InvalidConfiguration, "prediction.horizon_days", "must be non-negative, got %d", c.Prediction.HorizonDays)
	case c.Features.Fallback.BreachRate < 0 || c.Features.Fallback.BreachRate > 1:
		return faults.New(faults.InvalidConfiguration, "features.fallback.breach_rate", "must be in [0,1], got %g", c.Features.Fallback.BreachRate)
	case c.Heuristic.ProbabilityDecayPerDay <= 0:
		return faults.New(faults.InvalidConfiguration, "heuristic.probability_decay_per_day", "must be positive, got %g", c.Heuristic.ProbabilityDecayPerDay)
	case c.Heuristic.DelayScalePerDay < 0:
		return faults.New(faults.InvalidConfiguration, "heuristic.delay_scale_per_day", "must be non-negative, got %g", c.Heuristic.DelayScalePerDay)
	}

	return nil
}

// PredictConfig maps the prediction and features sections onto the orchestrator settings.
func (c Config) PredictConfig() predict.Config {
	return predict.Config{
		Workers:     c.Prediction.Workers,
		HorizonDays: c.Prediction.HorizonDays,
		Fallback:    c.Features.Fallback,
	}
}

func envOverride(field *string, key string) {
	if val := os.Getenv(key); val != "" {
		*field = val
	}
}

func envOverrideList(field *[]string, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}

	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*field = out
}

func envOverrideBool(field *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideInt(field *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}

	parsed, err := strconv.Atoi(val)
	if err != nil {
		return faults.Wrap(faults.InvalidConfiguration, key, err)
	}
	*field = parsed

	return nil
}

func envOverrideFloat(field *float64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}

	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return faults.Wrap(faults.InvalidConfiguration, key, err)
	}
	*field = parsed

	return nil
}
