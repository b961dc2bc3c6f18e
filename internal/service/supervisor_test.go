package service_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/resdeeds/resdeeds/internal/model"
	"github.com/resdeeds/resdeeds/internal/service"
)

func newSupervisor(t *testing.T, opts service.Options) *service.Supervisor {
	t.Helper()
	s, err := service.NewSupervisor(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})
	return s
}

func spawnLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "spawn.log")
}

func TestSupervisorFallback(t *testing.T) {
	t.Parallel()
	log := spawnLog(t)
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{
			missingStrategy("doesnotexist"),
			missingStrategy("alsomissing"),
			fakeStrategy("fake", "--ready-after", "300ms", "--spawn-log", log),
		},
	})

	start := time.Now()
	desc, err := s.EnsureRunning(t.Context())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, "fake", desc.Strategy)
	require.NotZero(t, desc.Port)
	require.True(t, desc.Alive())
	require.Equal(t, []int{desc.PID()}, spawned(t, log))

	status := s.Status()
	require.Equal(t, "ready", status.State)
	require.Equal(t, desc.ID.String(), status.ID)
	require.Equal(t, desc.Port, status.Port)
	require.Equal(t, desc.PID(), status.PID)
	require.NotNil(t, status.StartedAt)

	env := s.CheckHealth(t.Context())
	require.True(t, env.Success, env.Error)
	require.Equal(t, desc.Port, env.Port)
	require.JSONEq(t, `{"status":"ok"}`, string(env.Body))
}

func TestSupervisorSingleStart(t *testing.T) {
	t.Parallel()
	log := spawnLog(t)
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{fakeStrategy("fake", "--ready-after", "200ms", "--spawn-log", log)},
		Grace:      100 * time.Millisecond,
	})

	var g errgroup.Group
	descs := make([]*service.Descriptor, 8)
	for i := range descs {
		g.Go(func() error {
			d, err := s.EnsureRunning(t.Context())
			descs[i] = d
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, d := range descs {
		require.Equal(t, descs[0].ID, d.ID)
	}
	require.Len(t, spawned(t, log), 1)

	// a ready worker is reused
	d, err := s.EnsureRunning(t.Context())
	require.NoError(t, err)
	require.Same(t, descs[0], d)
	require.Len(t, spawned(t, log), 1)
}

func TestSupervisorNoViableStrategy(t *testing.T) {
	t.Parallel()
	log := spawnLog(t)
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{
			missingStrategy("uvx"),
			fakeStrategy("python3", "--mode", "exit", "--spawn-log", log),
		},
		Grace: 2 * time.Second,
	})

	_, err := s.EnsureRunning(t.Context())
	var noViable *service.NoViableStrategyError
	require.ErrorAs(t, err, &noViable)
	require.Len(t, noViable.Attempts, 2)
	last := noViable.Last()
	require.Equal(t, "python3", last.Strategy)

	var exitErr *service.ExitError
	require.ErrorAs(t, last, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
	require.Contains(t, exitErr.Stderr, "fatal: required runtime not found")
	require.Equal(t, "absent", s.Status().State)

	pids := spawned(t, log)
	require.Len(t, pids, 1)
	requireGone(t, pids[0])
}

func TestSupervisorHealthDeadline(t *testing.T) {
	t.Parallel()
	log := spawnLog(t)
	s := newSupervisor(t, service.Options{
		Strategies:     []service.Strategy{fakeStrategy("fake", "--mode", "unhealthy", "--spawn-log", log)},
		Grace:          100 * time.Millisecond,
		HealthInterval: 50 * time.Millisecond,
		HealthTimeout:  time.Second,
	})

	start := time.Now()
	_, err := s.EnsureRunning(t.Context())
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, time.Second)
	require.Less(t, elapsed, 10*time.Second)

	var notHealthy *service.NotHealthyError
	require.ErrorAs(t, err, &notHealthy)
	require.True(t, notHealthy.Listening)
	require.NotZero(t, notHealthy.PID)
	require.Equal(t, "absent", s.Status().State)

	pids := spawned(t, log)
	require.Equal(t, []int{notHealthy.PID}, pids)
	requireGone(t, notHealthy.PID)
}

func TestSupervisorStartTimeout(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, service.Options{
		Strategies:   []service.Strategy{fakeStrategy("fake", "--mode", "unhealthy")},
		Grace:        100 * time.Millisecond,
		StartTimeout: 500 * time.Millisecond,
	})

	start := time.Now()
	_, err := s.EnsureRunning(t.Context())
	require.Less(t, time.Since(start), 5*time.Second)
	var notHealthy *service.NotHealthyError
	require.ErrorAs(t, err, &notHealthy)
}

func TestSupervisorStopDuringStart(t *testing.T) {
	t.Parallel()
	log := spawnLog(t)
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{fakeStrategy("fake", "--ready-after", "30s", "--spawn-log", log)},
		Grace:      100 * time.Millisecond,
	})

	errc := make(chan error, 1)
	go func() {
		_, err := s.EnsureRunning(t.Context())
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return len(spawned(t, log)) == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, "starting", s.Status().State)

	require.NoError(t, s.Stop(t.Context()))
	require.ErrorIs(t, <-errc, service.ErrStopped)
	require.Equal(t, "absent", s.Status().State)
	requireGone(t, spawned(t, log)[0])
}

func TestSupervisorStop(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{fakeStrategy("fake")},
		Grace:      100 * time.Millisecond,
	})

	// stopping an absent supervisor is a no-op
	require.NoError(t, s.Stop(t.Context()))

	desc, err := s.EnsureRunning(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.Stop(t.Context()))
	require.False(t, desc.Alive())
	require.Equal(t, "absent", s.Status().State)
	requireGone(t, desc.PID())
	require.NoError(t, s.Stop(t.Context()))
}

func TestSupervisorRunAnalysis(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{fakeStrategy("fake")},
		Grace:      100 * time.Millisecond,
	})

	env := s.RunAnalysis(t.Context(), []byte(`{"buses":[{"id":"b1"}],"lines":[]}`))
	require.True(t, env.Success, env.Error)
	require.Zero(t, env.Port)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Body, &body))
	require.Equal(t, "ok", body["status"])
	require.Len(t, body["buses"], 1)
}

func TestSupervisorRejected(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{fakeStrategy("fake", "--mode", "reject")},
		Grace:      100 * time.Millisecond,
	})

	env := s.RunAnalysis(t.Context(), []byte(`{"buses":[]}`))
	require.False(t, env.Success)
	require.Equal(t, service.KindWorkerError, env.Kind)
	require.Equal(t, "analysis rejected (status 422): network has no slack bus", env.Error)
	// the worker stays registered after a rejected analysis
	require.Equal(t, "ready", s.Status().State)
}

func TestSupervisorUnavailable(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, service.Options{
		Strategies: []service.Strategy{missingStrategy("uvx"), missingStrategy("python3")},
	})

	for range 2 {
		env := s.CheckHealth(t.Context())
		require.False(t, env.Success)
		require.Equal(t, service.KindTransportError, env.Kind)
		require.True(t, strings.HasPrefix(env.Error, "compute engine unavailable: no viable launch strategy"), env.Error)
	}
}

func TestSupervisorFromConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	cfg.Worker.Strategies = []model.Strategy{{
		Name: "fake",
		Path: testBinary,
		Args: []string{fakeWorkerCmd, "--port", "{port}"},
	}}
	cfg.Worker.Grace = "100ms"
	dir := t.TempDir()
	cfg.Worker.Dir = dir

	s, err := service.SupervisorFromConfig(t.Context(), cfg.Worker)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Stop(context.Background())) })

	env := s.CheckHealth(t.Context())
	require.True(t, env.Success, env.Error)

	cfg.Worker.Grace = "soon"
	_, err = service.SupervisorFromConfig(t.Context(), cfg.Worker)
	require.ErrorContains(t, err, "worker.grace")
}
