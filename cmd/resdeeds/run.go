package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/resdeeds/resdeeds/internal/bridge"
	"github.com/resdeeds/resdeeds/internal/log"
	"github.com/resdeeds/resdeeds/internal/service"
)

// stopTimeout bounds the final Stop of the supervisor
const stopTimeout = 10 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = cmdContext(ctx, "serve")

	supervisor, err := service.SupervisorFromConfig(ctx, config.Worker)
	if err != nil {
		return err
	}
	defer stopSupervisor(ctx, supervisor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Monitor(gctx)
	})
	g.Go(func() error {
		return bridge.NewServer(config.Bridge.Listen, supervisor).Run(gctx)
	})
	return g.Wait()
}

func doHealth(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd.Context(), "health")
	supervisor, err := service.SupervisorFromConfig(ctx, config.Worker)
	if err != nil {
		return err
	}
	defer stopSupervisor(ctx, supervisor)

	env := supervisor.CheckHealth(ctx)
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(env); err != nil {
		return fmt.Errorf("writing health: %w", err)
	}
	if !env.Success {
		return errors.New(env.Error)
	}
	return nil
}

type analyzeResult struct {
	File string `json:"file"`
	service.Envelope
}

func doAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd.Context(), "analyze")
	var stdin int
	for _, name := range args {
		if name == "-" {
			stdin++
		}
	}
	if stdin > 1 {
		return errors.New("standard input can be analyzed only once")
	}

	supervisor, err := service.SupervisorFromConfig(ctx, config.Worker)
	if err != nil {
		return err
	}
	defer stopSupervisor(ctx, supervisor)

	results := make([]analyzeResult, len(args))
	var g errgroup.Group
	g.SetLimit(max(flagParallel, 1))
	for i, name := range args {
		g.Go(func() error {
			network, err := readNetwork(cmd.InOrStdin(), name)
			if err != nil {
				return err
			}
			results[i] = analyzeResult{File: name, Envelope: supervisor.RunAnalysis(ctx, network)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("writing result of %s: %w", r.File, err)
		}
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d analyses failed", failed, len(results))
	}
	return nil
}

func readNetwork(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading standard input: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading network: %w", err)
	}
	return b, nil
}

func cmdContext(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.Group("resdeeds",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}

func stopSupervisor(ctx context.Context, s *service.Supervisor) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := s.Stop(sctx); err != nil {
		slog.ErrorContext(sctx, "stopping analysis service", "error", err)
	}
}
