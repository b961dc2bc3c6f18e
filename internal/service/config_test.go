package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resdeeds/resdeeds/internal/model"
	"github.com/resdeeds/resdeeds/internal/service"
)

const workerConfig = `
version: 0
worker:
  dir: /opt/resdeeds
  env:
    PYTHONUNBUFFERED: "1"
  strategies:
    - name: venv
      path: /opt/resdeeds/.venv/bin/python
      args: ["-m", "resdeeds_worker", "--port", "{port}"]
  grace: 750ms
  start_timeout: 20s
  request_timeout: 0s
  monitor: 30s
  health:
    path: /healthz
    interval: 100ms
`

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()
	cfg, err := model.LoadConfig(strings.NewReader(workerConfig))
	require.NoError(t, err)

	opts, err := service.OptionsFromConfig(cfg.Worker)
	require.NoError(t, err)
	t.Logf("got: %+v", opts)

	require.Equal(t, []service.Strategy{{
		Name: "venv",
		Path: "/opt/resdeeds/.venv/bin/python",
		Args: []string{"-m", "resdeeds_worker", "--port", "{port}"},
	}}, opts.Strategies)
	require.Equal(t, "/opt/resdeeds", opts.Dir)
	require.Equal(t, []string{"PYTHONUNBUFFERED=1"}, opts.Env)
	require.Equal(t, 750*time.Millisecond, opts.Grace)
	require.Equal(t, 20*time.Second, opts.StartTimeout)
	require.Equal(t, 3*time.Second, opts.StopTimeout)
	require.Zero(t, opts.RequestTimeout)
	require.Equal(t, 30*time.Second, opts.Monitor)
	require.Equal(t, "/healthz", opts.HealthPath)
	require.Equal(t, 100*time.Millisecond, opts.HealthInterval)
	require.Equal(t, 12*time.Second, opts.HealthTimeout)
	require.Equal(t, model.DefaultAnalyzePath, opts.AnalyzePath)

	t.Run("cmd", func(t *testing.T) {
		cmd := opts.Strategies[0].Command(4242)
		require.Equal(t, []string{"-m", "resdeeds_worker", "--port", "4242"}, cmd.Args)
	})

	t.Run("bad duration", func(t *testing.T) {
		w := cfg.Worker
		w.Health.Timeout = "12 seconds"
		_, err := service.OptionsFromConfig(w)
		require.ErrorContains(t, err, "parsing worker.health.timeout")
	})
}
