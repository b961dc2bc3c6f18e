package service_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resdeeds/resdeeds/internal/service"
)

func serverPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	addr, ok := srv.Listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return uint16(addr.Port)
}

func TestWaitUntilReady(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	probe := service.NewProbe(srv.Client(), "/api/health", 20*time.Millisecond)
	err := probe.WaitUntilReady(t.Context(), serverPort(t, srv), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestWaitUntilReadyTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	port := serverPort(t, srv)

	probe := service.NewProbe(srv.Client(), "/api/health", 50*time.Millisecond)
	start := time.Now()
	err := probe.WaitUntilReady(t.Context(), port, 300*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	var notHealthy *service.NotHealthyError
	require.ErrorAs(t, err, &notHealthy)
	require.Equal(t, port, notHealthy.Port)
	require.True(t, notHealthy.Listening)
	require.GreaterOrEqual(t, notHealthy.Attempts, 2)
	require.ErrorContains(t, notHealthy.Last, "health status 500")
}

func TestWaitUntilReadyNothingListening(t *testing.T) {
	t.Parallel()
	port := freePort(t)

	probe := service.NewProbe(nil, "/api/health", 50*time.Millisecond)
	err := probe.WaitUntilReady(t.Context(), port, 200*time.Millisecond)
	var notHealthy *service.NotHealthyError
	require.ErrorAs(t, err, &notHealthy)
	require.False(t, notHealthy.Listening)
	require.ErrorContains(t, err, "nothing listening")
}

func TestWaitUntilReadyCanceled(t *testing.T) {
	t.Parallel()
	probe := service.NewProbe(nil, "/api/health", 50*time.Millisecond)

	ctx, cancel := context.WithCancelCause(t.Context())
	cancel(service.ErrStopped)
	err := probe.WaitUntilReady(ctx, freePort(t), 5*time.Second)
	require.ErrorIs(t, err, service.ErrStopped)
	var notHealthy *service.NotHealthyError
	require.False(t, errors.As(err, &notHealthy))
}

func TestCheck(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/created" {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	probe := service.NewProbe(srv.Client(), "/api/health", time.Second)
	require.NoError(t, probe.Check(t.Context(), srv.URL+"/created"))
	require.EqualError(t, probe.Check(t.Context(), srv.URL+"/missing"), "health status 404")
}
