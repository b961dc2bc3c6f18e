package service_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/resdeeds/resdeeds/internal/netscan"
	"github.com/resdeeds/resdeeds/internal/service"
)

const fakeWorkerCmd = "fakeworker"

// fakeWorker mimics the analysis worker: it serves /api/health and
// /api/analyze on the loopback port it is given.
//
// modes:
//
//	ok        healthy after --ready-after
//	unhealthy binds the port, health always answers 503
//	exit      exits with --exit-code before binding
//	reject    healthy, every analysis answers 422
func fakeWorker(args []string) int {
	fs := flag.NewFlagSet(fakeWorkerCmd, flag.ContinueOnError)
	port := fs.Int("port", 0, "port to listen on")
	readyAfter := fs.Duration("ready-after", 0, "delay before health reports ok")
	mode := fs.String("mode", "ok", "ok|unhealthy|exit|reject")
	exitCode := fs.Int("exit-code", 3, "exit code of mode exit")
	spawnLog := fs.String("spawn-log", "", "file to append the pid to")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *spawnLog != "" {
		f, err := os.OpenFile(*spawnLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 2
		}
		_, _ = fmt.Fprintln(f, os.Getpid())
		_ = f.Close()
	}

	fmt.Println("fake worker starting")
	if *mode == "exit" {
		fmt.Fprintln(os.Stderr, "fatal: required runtime not found")
		return *exitCode
	}

	ln, err := net.Listen("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 4
	}
	started := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		if *mode == "unhealthy" || time.Since(started) < *readyAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST /api/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if *mode == "reject" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"detail":"network has no slack bus"}`)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":"invalid json"}`)
			return
		}
		payload["status"] = "ok"
		_ = json.NewEncoder(w).Encode(payload)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return 5
	}
	return 0
}

func fakeStrategy(name string, args ...string) service.Strategy {
	return service.Strategy{
		Name: name,
		Path: testBinary,
		Args: append([]string{fakeWorkerCmd, "--port", "{port}"}, args...),
	}
}

func missingStrategy(name string) service.Strategy {
	return service.Strategy{Name: name, Path: "resdeeds-missing-" + name}
}

// spawned returns the pids the fake workers wrote to the spawn log
func spawned(t *testing.T, path string) []int {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var pids []int
	for _, line := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(line)
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	return pids
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	port, err := netscan.FreePort(t.Context())
	require.NoError(t, err)
	return port
}
