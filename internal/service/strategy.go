package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/resdeeds/resdeeds/internal/log"
	"github.com/resdeeds/resdeeds/internal/netscan"
)

const (
	outcomeSpawnError = "spawn_error"
	outcomeExited     = "exited"
	outcomeAccepted   = "accepted"
	outcomeCanceled   = "canceled"
)

var errProcessExited = errors.New("process exited")

// Strategy is one candidate way to start the worker. Args is a template in
// which {port} and {host} are replaced for every launch.
type Strategy struct {
	Name string
	Path string
	Args []string
}

// Command expands the argument template for the given port.
func (s Strategy) Command(port uint16) Command {
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(int(port)),
		"{host}", netscan.Loopback.String(),
	)
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = r.Replace(a)
	}
	return Command{Path: s.Path, Args: args}
}

// Launch is the outcome of a successful TryLaunch.
type Launch struct {
	Process  *Process
	Strategy string
	Attempts []*StrategyError // strategies which failed before the accepted one
}

// Chain tries strategies strictly in declared order and accepts the first
// process still alive after the grace period.
type Chain struct {
	strategies []Strategy
	grace      time.Duration
	env        []string
	dir        string
	lineFunc   LineFunc
}

func NewChain(grace time.Duration, strategies ...Strategy) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}
	list := append([]Strategy(nil), strategies...)
	for i, s := range list {
		if s.Path == "" {
			return nil, fmt.Errorf("strategy #%d %q: empty path", i, s.Name)
		}
		if s.Name == "" {
			list[i].Name = s.Path
		}
	}
	return &Chain{
		strategies: list,
		grace:      grace,
	}, nil
}

// WithEnv adds KEY=value pairs to the environment inherited by the worker.
func (c *Chain) WithEnv(env []string) *Chain {
	c.env = append([]string(nil), env...)
	return c
}

// WithDir sets the working directory of the worker.
func (c *Chain) WithDir(dir string) *Chain {
	c.dir = dir
	return c
}

// WithLineFunc sets the consumer of worker output lines.
func (c *Chain) WithLineFunc(fn LineFunc) *Chain {
	c.lineFunc = fn
	return c
}

func (c *Chain) Strategies() []Strategy {
	return append([]Strategy(nil), c.strategies...)
}

// TryLaunch spawns strategies until one survives the grace period. Failed
// attempts are collected into *NoViableStrategyError. When ctx is done during
// a grace wait, the spawned process is terminated and the context error returned.
func (c *Chain) TryLaunch(ctx context.Context, port uint16) (Launch, error) {
	var attempts []*StrategyError
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return Launch{Attempts: attempts}, fmt.Errorf("launching worker: %w", context.Cause(ctx))
		}

		cmd := s.Command(port)
		cmd.Env = c.env
		cmd.Dir = c.dir
		sctx := log.ContextAttrs(ctx, slog.Group("worker",
			slog.String("strategy", s.Name),
			slog.Int("port", int(port)),
		))
		slog.DebugContext(sctx, "trying launch strategy", "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir)

		proc, err := Spawn(sctx, cmd, c.lineFunc)
		if err != nil {
			attempts = append(attempts, &StrategyError{Strategy: s.Name, Err: err})
			launchAttempts.WithLabelValues(s.Name, outcomeSpawnError).Inc()
			slog.WarnContext(sctx, "launch strategy failed to spawn", "error", err)
			continue
		}

		alive, err := settle(ctx, proc, c.grace)
		if err != nil {
			launchAttempts.WithLabelValues(s.Name, outcomeCanceled).Inc()
			if terr := proc.Terminate(context.WithoutCancel(ctx), 0); terr != nil {
				slog.ErrorContext(sctx, "terminating canceled launch", "pid", proc.PID(), "error", terr)
			}
			return Launch{Attempts: attempts}, fmt.Errorf("launching worker with %s: %w", s.Name, err)
		}
		if !alive {
			// stops whatever the launcher left behind in its process group
			if err := proc.Terminate(context.WithoutCancel(ctx), 0); err != nil {
				slog.ErrorContext(sctx, "terminating exited launch", "pid", proc.PID(), "error", err)
			}
			serr := &StrategyError{Strategy: s.Name, PID: proc.PID(), Err: errProcessExited}
			if exit := proc.Exit(); exit != nil {
				serr.Err = exit
			}
			attempts = append(attempts, serr)
			launchAttempts.WithLabelValues(s.Name, outcomeExited).Inc()
			slog.WarnContext(sctx, "launch strategy exited within grace period", "pid", serr.PID, "error", serr.Err)
			continue
		}

		launchAttempts.WithLabelValues(s.Name, outcomeAccepted).Inc()
		slog.InfoContext(sctx, "launch strategy accepted", "pid", proc.PID())
		return Launch{Process: proc, Strategy: s.Name, Attempts: attempts}, nil
	}
	return Launch{Attempts: attempts}, &NoViableStrategyError{Attempts: attempts}
}

// settle waits out the grace period and reports whether proc survived it.
func settle(ctx context.Context, proc *Process, grace time.Duration) (bool, error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Exited():
	case <-timer.C:
	case <-ctx.Done():
		return false, context.Cause(ctx)
	}
	// checked after the timer too, an exit right at the deadline is not accepted
	return proc.Alive(), nil
}
