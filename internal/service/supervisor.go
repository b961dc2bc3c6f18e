package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/resdeeds/resdeeds/internal/model"
	"github.com/resdeeds/resdeeds/internal/netscan"
)

// Supervisor owns the analysis worker: it starts it on demand, forwards
// requests to it and stops it on shutdown.
type Supervisor struct {
	opts     Options
	chain    *Chain
	probe    *Probe
	registry *Registry
	proxy    *Proxy
	client   *http.Client
	allocate func(context.Context) (uint16, error)
	watchers sync.WaitGroup
}

func NewSupervisor(opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	chain, err := NewChain(opts.Grace, opts.Strategies...)
	if err != nil {
		return nil, err
	}
	chain.WithEnv(opts.Env).WithDir(opts.Dir).WithLineFunc(logLine)

	client := &http.Client{}
	s := &Supervisor{
		opts:     opts,
		chain:    chain,
		probe:    NewProbe(client, opts.HealthPath, opts.HealthInterval),
		client:   client,
		allocate: netscan.FreePort,
	}
	s.registry = NewRegistry(s.terminate)
	s.proxy = NewProxy(s, client, opts.HealthPath, opts.AnalyzePath).WithTimeout(opts.RequestTimeout)
	return s, nil
}

func SupervisorFromConfig(ctx context.Context, cfg model.Worker) (*Supervisor, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSupervisor(opts)
	if err != nil {
		return nil, fmt.Errorf("initializing supervisor: %w", err)
	}
	slog.DebugContext(ctx, "supervisor initialized", "strategies", len(opts.Strategies), "dir", opts.Dir)
	return s, nil
}

// EnsureRunning returns the running worker, starting it when needed.
// Concurrent callers share one start attempt and its result.
func (s *Supervisor) EnsureRunning(ctx context.Context) (*Descriptor, error) {
	return s.registry.Ensure(ctx, s.start)
}

// Stop terminates the worker, including one that is still starting.
func (s *Supervisor) Stop(ctx context.Context) error {
	err := s.registry.Stop(ctx)
	workerUp.Set(0)
	s.client.CloseIdleConnections()
	return err
}

// CheckHealth starts the worker if needed and queries its health endpoint.
func (s *Supervisor) CheckHealth(ctx context.Context) Envelope {
	return s.proxy.Call(ctx, OpHealth, nil).Envelope()
}

// RunAnalysis forwards the network description to the worker.
func (s *Supervisor) RunAnalysis(ctx context.Context, network []byte) Envelope {
	return s.proxy.Call(ctx, OpRunAnalysis, network).Envelope()
}

type Status struct {
	State     string     `json:"state"`
	ID        string     `json:"id,omitempty"`
	Port      uint16     `json:"port,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Strategy  string     `json:"strategy,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

func (s *Supervisor) Status() Status {
	d, ok := s.registry.Ready()
	if !ok {
		return Status{State: s.registry.State().String()}
	}
	return Status{
		State:     StateReady.String(),
		ID:        d.ID.String(),
		Port:      d.Port,
		PID:       d.PID(),
		Strategy:  d.Strategy,
		StartedAt: &d.StartedAt,
	}
}

// start runs allocate, launch and health probe under one shared deadline.
func (s *Supervisor) start(ctx context.Context) (*Descriptor, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	slog.InfoContext(ctx, "starting analysis service", "strategies", len(s.opts.Strategies), "dir", s.opts.Dir)
	desc, err := s.launch(ctx)
	workerStartDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		workerStarts.WithLabelValues("failure").Inc()
		slog.ErrorContext(ctx, "starting analysis service failed", "error", err, "elapsed", time.Since(started))
		return nil, err
	}
	workerStarts.WithLabelValues("success").Inc()
	workerUp.Set(1)
	slog.InfoContext(ctx, "analysis service is ready",
		"id", desc.ID.String(),
		"strategy", desc.Strategy,
		"pid", desc.PID(),
		"port", desc.Port,
		"elapsed", time.Since(started))
	return desc, nil
}

func (s *Supervisor) launch(ctx context.Context) (*Descriptor, error) {
	port, err := s.allocate(ctx)
	if err != nil {
		return nil, err
	}

	launch, err := s.chain.TryLaunch(ctx, port)
	if err != nil {
		return nil, err
	}
	proc := launch.Process

	// a process alive after the grace window may still crash during its own
	// startup; that is only detected by the health deadline
	if err := s.probe.WaitUntilReady(ctx, port, s.opts.HealthTimeout); err != nil {
		var notHealthy *NotHealthyError
		if errors.As(err, &notHealthy) {
			notHealthy.PID = proc.PID()
		}
		if terr := proc.Terminate(context.WithoutCancel(ctx), s.opts.StopTimeout); terr != nil {
			slog.ErrorContext(ctx, "terminating unhealthy analysis service", "pid", proc.PID(), "error", terr)
		}
		return nil, err
	}

	desc := &Descriptor{
		ID:        uuid.New(),
		Process:   proc,
		Port:      port,
		Strategy:  launch.Strategy,
		StartedAt: time.Now().UTC(),
	}
	s.watch(context.WithoutCancel(ctx), desc)
	return desc, nil
}

// watch releases the registry slot when the worker exits on its own and
// stops what is left of its process group.
func (s *Supervisor) watch(ctx context.Context, d *Descriptor) {
	s.watchers.Go(func() {
		<-d.Process.Done()
		if s.registry.Release(d) {
			workerUp.Set(0)
			slog.WarnContext(ctx, "analysis service exited unexpectedly",
				"pid", d.PID(),
				"port", d.Port,
				"error", d.Process.Exit())
		}
		// whoever cleared the slot, the group may still hold children
		if err := d.Process.Terminate(ctx, 0); err != nil {
			slog.ErrorContext(ctx, "terminating exited analysis service", "pid", d.PID(), "error", err)
		}
	})
}

func (s *Supervisor) terminate(ctx context.Context, d *Descriptor) error {
	if d.Process == nil {
		return nil
	}
	return d.Process.Terminate(ctx, s.opts.StopTimeout)
}

// Monitor checks the registered worker every Options.Monitor until ctx is
// done. It never starts a worker. It returns immediately when disabled.
func (s *Supervisor) Monitor(ctx context.Context) error {
	if s.opts.Monitor <= 0 {
		return nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.opts.Monitor),
		gocron.NewTask(func() { s.check(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.DebugContext(ctx, "starting analysis service monitor", "every", s.opts.Monitor)
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}

// check probes the registered worker once and reports whether it is healthy.
func (s *Supervisor) check(ctx context.Context) bool {
	d, ok := s.registry.Ready()
	if !ok {
		workerUp.Set(0)
		return false
	}
	if !d.Alive() {
		if s.registry.Release(d) {
			slog.WarnContext(ctx, "analysis service is gone", "pid", d.PID(), "port", d.Port)
		}
		workerUp.Set(0)
		return false
	}
	if err := s.probe.Check(ctx, workerURL(d.Port, s.opts.HealthPath)); err != nil {
		slog.WarnContext(ctx, "analysis service health check failed", "pid", d.PID(), "port", d.Port, "error", err)
		workerUp.Set(0)
		return false
	}
	workerUp.Set(1)
	return true
}

func logLine(ctx context.Context, stream, line string) {
	slog.DebugContext(ctx, "worker output", "stream", stream, "line", line)
}
