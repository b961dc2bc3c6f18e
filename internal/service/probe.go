package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/resdeeds/resdeeds/internal/netscan"
)

const probeRequestTimeout = time.Second

// Probe polls the worker readiness endpoint.
type Probe struct {
	client   *http.Client
	path     string
	interval time.Duration
}

func NewProbe(client *http.Client, path string, interval time.Duration) *Probe {
	if client == nil {
		client = &http.Client{}
	}
	return &Probe{
		client:   client,
		path:     path,
		interval: interval,
	}
}

// WaitUntilReady issues a readiness request immediately and then every
// interval until one succeeds. Failed requests are retried; only the
// deadline, timeout or the deadline of ctx, is fatal and yields
// *NotHealthyError. A canceled ctx returns the cancellation cause instead.
func (p *Probe) WaitUntilReady(ctx context.Context, port uint16, timeout time.Duration) error {
	started := time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := workerURL(port, p.path)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var attempts int
	for {
		attempts++
		err := p.Check(pctx, url)
		if err == nil {
			slog.DebugContext(ctx, "worker is healthy", "port", port, "attempts", attempts, "elapsed", time.Since(started))
			return nil
		}
		slog.DebugContext(ctx, "worker not ready yet", "port", port, "attempt", attempts, "error", err)

		select {
		case <-pctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("waiting for worker health: %w", context.Cause(ctx))
			}
			return &NotHealthyError{
				Port:      port,
				Timeout:   time.Since(started).Round(time.Millisecond),
				Attempts:  attempts,
				Listening: netscan.Listening(context.WithoutCancel(ctx), port),
				Last:      err,
			}
		case <-ticker.C:
		}
	}
}

// Check issues one readiness request, any 2xx status is success.
func (p *Probe) Check(ctx context.Context, url string) error {
	rctx, cancel := context.WithTimeout(ctx, probeRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func workerURL(port uint16, path string) string {
	return fmt.Sprintf("http://%s:%d%s", netscan.Loopback, port, path)
}
