package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

const (
	contentType = "application/json"
	maxBody     = 64 << 20
	maxDetail   = 512
)

type Operation string

const (
	OpHealth      Operation = "health"
	OpRunAnalysis Operation = "run-analysis"
)

// Kind classifies the outcome of a forwarded request.
type Kind string

const (
	KindOk             Kind = "ok"
	KindWorkerError    Kind = "worker_error"
	KindUnhealthy      Kind = "unhealthy"
	KindTransportError Kind = "transport_error"
)

// Response is the classified worker answer. Body is passed through unmodified.
type Response struct {
	Op     Operation
	Kind   Kind
	Port   uint16
	Status int
	Body   []byte
	Err    error // cause for transport errors, summary for worker errors
}

// Envelope is the uniform shape handed to the UI.
type Envelope struct {
	Success bool            `json:"success"`
	Port    uint16          `json:"port,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    Kind            `json:"kind,omitempty"`
	Status  int             `json:"status,omitempty"`
}

// Envelope converts the response. Messages tell an unavailable or unhealthy
// engine apart from a rejected network.
func (r Response) Envelope() Envelope {
	switch r.Kind {
	case KindOk:
		env := Envelope{Success: true, Body: rawBody(r.Body)}
		if r.Op == OpHealth {
			env.Port = r.Port
		}
		return env
	case KindUnhealthy:
		return Envelope{
			Error:  fmt.Sprintf("compute engine unhealthy (status %d): %s", r.Status, detail(r.Body)),
			Kind:   KindUnhealthy,
			Status: r.Status,
			Body:   rawBody(r.Body),
		}
	case KindWorkerError:
		return Envelope{
			Error:  fmt.Sprintf("analysis rejected (status %d): %s", r.Status, detail(r.Body)),
			Kind:   KindWorkerError,
			Status: r.Status,
			Body:   rawBody(r.Body),
		}
	default:
		msg := "compute engine unavailable"
		if r.Err != nil {
			msg += ": " + r.Err.Error()
		}
		return Envelope{Error: msg, Kind: KindTransportError}
	}
}

func rawBody(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return quoted
}

func detail(b []byte) string {
	var problem struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(b, &problem); err == nil && problem.Detail != nil {
		if s, ok := problem.Detail.(string); ok {
			return truncate(s)
		}
		if raw, err := json.Marshal(problem.Detail); err == nil {
			return truncate(string(raw))
		}
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty response"
	}
	return truncate(s)
}

// truncate cuts s to maxDetail bytes without splitting a rune
func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	cut := maxDetail
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Ensurer provides a running worker.
type Ensurer interface {
	EnsureRunning(ctx context.Context) (*Descriptor, error)
}

// Proxy forwards typed requests to the worker. It never retries and never
// returns errors: every failure is a Response value.
type Proxy struct {
	ensurer     Ensurer
	client      *http.Client
	healthPath  string
	analyzePath string
	timeout     time.Duration
}

func NewProxy(ensurer Ensurer, client *http.Client, healthPath, analyzePath string) *Proxy {
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{
		ensurer:     ensurer,
		client:      client,
		healthPath:  healthPath,
		analyzePath: analyzePath,
	}
}

// WithTimeout bounds every forwarded request, zero means no limit.
func (p *Proxy) WithTimeout(d time.Duration) *Proxy {
	p.timeout = d
	return p
}

func (p *Proxy) Call(ctx context.Context, op Operation, payload []byte) (resp Response) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			resp = Response{Op: op, Kind: KindTransportError, Err: fmt.Errorf("proxy panicked: %v", rec)}
		}
		proxyRequests.WithLabelValues(string(op), string(resp.Kind)).Inc()
		proxyDuration.WithLabelValues(string(op)).Observe(time.Since(started).Seconds())
	}()

	desc, err := p.ensurer.EnsureRunning(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "analysis service unavailable", "operation", op, "error", err)
		return Response{Op: op, Kind: KindTransportError, Err: err}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := p.request(ctx, op, desc.Port, payload)
	if err != nil {
		return Response{Op: op, Kind: KindTransportError, Port: desc.Port, Err: err}
	}
	slog.DebugContext(ctx, "forwarding request", "operation", op, "url", req.URL.String())

	httpResp, err := p.client.Do(req)
	if err != nil {
		slog.ErrorContext(ctx, "request to analysis service failed", "operation", op, "port", desc.Port, "error", err)
		return Response{Op: op, Kind: KindTransportError, Port: desc.Port, Err: err}
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	if err != nil {
		return Response{Op: op, Kind: KindTransportError, Port: desc.Port, Err: fmt.Errorf("reading response: %w", err)}
	}

	resp = Response{Op: op, Port: desc.Port, Status: httpResp.StatusCode, Body: body}
	if httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299 {
		resp.Kind = KindOk
		return resp
	}
	// a failing health endpoint is an engine problem, not a rejected network
	resp.Kind = KindWorkerError
	if op == OpHealth {
		resp.Kind = KindUnhealthy
	}
	resp.Err = fmt.Errorf("worker returned status %d", httpResp.StatusCode)
	slog.WarnContext(ctx, "analysis service reported an error", "operation", op, "status", httpResp.StatusCode)
	return resp
}

func (p *Proxy) request(ctx context.Context, op Operation, port uint16, payload []byte) (*http.Request, error) {
	switch op {
	case OpHealth:
		return http.NewRequestWithContext(ctx, http.MethodGet, workerURL(port, p.healthPath), nil)
	case OpRunAnalysis:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL(port, p.analyzePath), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", contentType)
		return req, nil
	default:
		return nil, errors.New("unsupported operation " + string(op))
	}
}
