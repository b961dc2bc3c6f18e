// Package bridge exposes the analysis supervisor to the local web UI over HTTP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resdeeds/resdeeds/internal/log"
	"github.com/resdeeds/resdeeds/internal/service"
)

const (
	maxNetwork        = 32 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Analyzer is the supervisor surface served by the bridge.
type Analyzer interface {
	CheckHealth(ctx context.Context) service.Envelope
	RunAnalysis(ctx context.Context, network []byte) service.Envelope
	Stop(ctx context.Context) error
	Status() service.Status
}

type handler struct {
	analyzer Analyzer
}

// NewRouter returns the bridge routes:
//
//	GET  /api/analysis/health
//	POST /api/analysis/run
//	POST /api/analysis/stop
//	GET  /api/analysis/status
//	GET  /metrics
func NewRouter(a Analyzer) http.Handler {
	h := handler{analyzer: a}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/analysis", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/run", h.run)
		r.Post("/stop", h.stop)
		r.Get("/status", h.status)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// requestLogging stores the chi request id on the slog context and echoes it
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimiddleware.GetReqID(r.Context())
		w.Header().Set(chimiddleware.RequestIDHeader, id)
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", id))
		started := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.DebugContext(ctx, "bridge request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(started))
	})
}

func (h handler) health(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(r.Context(), w, h.analyzer.CheckHealth(r.Context()))
}

func (h handler) run(w http.ResponseWriter, r *http.Request) {
	network, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNetwork))
	if err != nil {
		writeJSON(r.Context(), w, http.StatusRequestEntityTooLarge, service.Envelope{Error: "reading network: " + err.Error()})
		return
	}
	if !json.Valid(network) {
		writeJSON(r.Context(), w, http.StatusBadRequest, service.Envelope{Error: "network is not valid JSON"})
		return
	}
	writeEnvelope(r.Context(), w, h.analyzer.RunAnalysis(r.Context(), network))
}

func (h handler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.analyzer.Stop(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "stopping analysis service", "error", err)
		writeJSON(r.Context(), w, http.StatusInternalServerError, service.Envelope{Error: err.Error()})
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, service.Envelope{Success: true})
}

func (h handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.analyzer.Status())
}

// StatusCode maps an envelope to the bridge response status.
func StatusCode(env service.Envelope) int {
	switch {
	case env.Success:
		return http.StatusOK
	case env.Kind == service.KindWorkerError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeEnvelope(ctx context.Context, w http.ResponseWriter, env service.Envelope) {
	writeJSON(ctx, w, StatusCode(env), env)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "marshalling bridge response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.DebugContext(ctx, "writing bridge response", "error", err)
	}
}

// Server serves the bridge routes until its context is done.
type Server struct {
	addr    string
	handler http.Handler
}

func NewServer(addr string, a Analyzer) *Server {
	return &Server{addr: addr, handler: NewRouter(a)}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and shuts down gracefully once ctx is done. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	slog.InfoContext(ctx, "bridge listening", "addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving bridge: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down bridge: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving bridge: %w", err)
	}
	slog.InfoContext(ctx, "bridge stopped")
	return nil
}
