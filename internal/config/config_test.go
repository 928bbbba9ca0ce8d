package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nadmax/slawatch/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
risk:
  probability: {medium: 0.3, high: 0.5, critical: 0.8}
  delay_hours: {medium: 6, high: 12, critical: 24}
training:
  min_rows: 200
  seed: 7
  schedule: "@hourly"
digest:
  recipients: [ops@example.com]
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("POSTGRES_DSN", "postgres://localhost/slawatch")
	t.Setenv("PREDICTION_WORKERS", "16")
	t.Setenv("DIGEST_RECIPIENTS", "a@example.com, b@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Risk.Probability.Critical)
	assert.Equal(t, 200, cfg.Training.MinRows)
	assert.Equal(t, int64(7), cfg.Training.Seed)
	assert.Equal(t, 0.2, cfg.Training.HoldoutRatio, "unset keys keep defaults")
	assert.Equal(t, "@hourly", cfg.Training.Schedule)
	assert.Equal(t, "postgres://localhost/slawatch", cfg.Postgres.DSN)
	assert.Equal(t, 16, cfg.Prediction.Workers)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Digest.Recipients)

	pc := cfg.PredictConfig()
	assert.Equal(t, 16, pc.Workers)
	assert.Equal(t, cfg.Features.Fallback, pc.Fallback)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		key  string
	}{
		{
			name: "non-monotonic thresholds",
			body: "risk:\n  probability: {medium: 0.7, high: 0.6, critical: 0.75}\n",
			key:  "risk.probability",
		},
		{
			name: "zero training floor",
			body: "training:\n  min_rows: 0\n",
			key:  "training.min_rows",
		},
		{
			name: "unknown schema version",
			body: "features:\n  schema_version: 99\n",
			key:  "schema_version=99",
		},
		{
			name: "holdout out of range",
			env:  map[string]string{"TRAINING_HOLDOUT_RATIO": "1.5"},
			key:  "training.holdout_ratio",
		},
		{
			name: "zero district floor",
			body: "analysis:\n  min_district_samples: 0\n",
			key:  "analysis.min_district_samples",
		},
		{
			name: "zero probability decay",
			body: "heuristic:\n  probability_decay_per_day: 0\n",
			key:  "heuristic.probability_decay_per_day",
		},
		{
			name: "negative delay scale",
			body: "heuristic:\n  delay_scale_per_day: -0.5\n",
			key:  "heuristic.delay_scale_per_day",
		},
		{
			name: "bad cron schedule",
			env:  map[string]string{"TRAINING_SCHEDULE": "nightly"},
			key:  "training.schedule",
		},
		{
			name: "malformed integer",
			env:  map[string]string{"PREDICTION_WORKERS": "many"},
			key:  "PREDICTION_WORKERS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", writeConfig(t, tt.body))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrInvalidConfiguration)
			assert.Equal(t, tt.key, faults.KeyOf(err))
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server: [unclosed"))

	_, err := Load()
	assert.ErrorIs(t, err, faults.ErrInvalidConfiguration)
}
