package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateAbsent State = iota
	StateStarting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Descriptor identifies the one running worker.
type Descriptor struct {
	ID        uuid.UUID
	Process   *Process
	Port      uint16
	Strategy  string
	StartedAt time.Time
}

// Alive reports whether the worker process still runs. A descriptor without
// a process is not owned by the registry and is always considered alive.
func (d *Descriptor) Alive() bool {
	if d.Process == nil {
		return true
	}
	return d.Process.Alive()
}

func (d *Descriptor) PID() int {
	return d.Process.PID()
}

// StartFunc brings a worker up. Its context is detached from the caller
// who triggered the start and is canceled by Registry.Stop.
type StartFunc func(ctx context.Context) (*Descriptor, error)

// TerminateFunc tears a worker down.
type TerminateFunc func(ctx context.Context, d *Descriptor) error

// pending is the shared result of one start attempt.
type pending struct {
	done     chan struct{} // closed once desc/err are published
	finished chan struct{} // closed once the StartFunc returned
	cancel   context.CancelCauseFunc
	desc     *Descriptor
	err      error
}

// Registry holds at most one worker and serializes attempts to start it.
// States: absent -> starting -> ready | absent; Stop always ends in absent.
type Registry struct {
	mx        sync.Mutex
	state     State
	pending   *pending
	ready     *Descriptor
	terminate TerminateFunc
}

func NewRegistry(terminate TerminateFunc) *Registry {
	if terminate == nil {
		terminate = func(ctx context.Context, d *Descriptor) error {
			if d.Process == nil {
				return nil
			}
			return d.Process.Terminate(ctx, defaultStopTimeout)
		}
	}
	return &Registry{terminate: terminate}
}

// Ensure returns the ready worker, joins the start in progress or begins a
// new one using start. All callers joining one attempt observe the same
// result. ctx bounds only the wait of this caller, never the start itself.
func (r *Registry) Ensure(ctx context.Context, start StartFunc) (*Descriptor, error) {
	r.mx.Lock()
	if r.state == StateReady {
		if r.ready.Alive() {
			d := r.ready
			r.mx.Unlock()
			return d, nil
		}
		slog.WarnContext(ctx, "registered analysis service is gone", "pid", r.ready.PID(), "port", r.ready.Port)
		r.state = StateAbsent
		r.ready = nil
	}
	p := r.pending
	if r.state == StateAbsent {
		p = r.begin(ctx, start)
	}
	r.mx.Unlock()

	select {
	case <-p.done:
		return p.desc, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for analysis service start: %w", context.Cause(ctx))
	}
}

// begin must be called with r.mx held
func (r *Registry) begin(ctx context.Context, start StartFunc) *pending {
	sctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	p := &pending{
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	r.state = StateStarting
	r.pending = p
	go r.run(sctx, p, start)
	return p
}

func (r *Registry) run(ctx context.Context, p *pending, start StartFunc) {
	defer close(p.finished)
	defer p.cancel(nil)

	desc, err := safeStart(ctx, start)

	r.mx.Lock()
	if r.pending != p {
		// Stop has already resolved this attempt
		r.mx.Unlock()
		if desc != nil {
			slog.InfoContext(ctx, "analysis service started after stop: terminating", "pid", desc.PID())
			if terr := r.terminate(context.WithoutCancel(ctx), desc); terr != nil {
				slog.ErrorContext(ctx, "terminating analysis service", "pid", desc.PID(), "error", terr)
			}
		}
		return
	}
	r.pending = nil
	if err != nil {
		r.state = StateAbsent
	} else {
		r.state = StateReady
		r.ready = desc
	}
	p.desc, p.err = desc, err
	close(p.done)
	r.mx.Unlock()
}

func safeStart(ctx context.Context, start StartFunc) (desc *Descriptor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			desc, err = nil, fmt.Errorf("starting analysis service panicked: %v", rec)
		}
	}()
	desc, err = start(ctx)
	if err == nil && desc == nil {
		err = errors.New("starting analysis service returned no descriptor")
	}
	if err != nil {
		desc = nil
	}
	return desc, err
}

// Stop terminates the ready worker or interrupts the start in progress. The
// registry is absent afterwards whatever the outcome; termination failures
// are only logged. Callers waiting for an interrupted start get ErrStopped.
// The returned error reports only that ctx ended before the start unwound.
func (r *Registry) Stop(ctx context.Context) error {
	r.mx.Lock()
	p, desc := r.pending, r.ready
	r.state, r.pending, r.ready = StateAbsent, nil, nil
	if p != nil {
		p.err = ErrStopped
		close(p.done)
	}
	r.mx.Unlock()

	switch {
	case p != nil:
		p.cancel(ErrStopped)
		select {
		case <-p.finished:
		case <-ctx.Done():
			return fmt.Errorf("waiting for analysis service start to unwind: %w", context.Cause(ctx))
		}
	case desc != nil:
		if err := r.terminate(ctx, desc); err != nil {
			slog.ErrorContext(ctx, "terminating analysis service", "pid", desc.PID(), "error", err)
		} else {
			slog.InfoContext(ctx, "analysis service stopped", "pid", desc.PID(), "port", desc.Port)
		}
	}
	return nil
}

// Release clears the registry if it still holds d. It reports whether it did.
func (r *Registry) Release(d *Descriptor) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state != StateReady || r.ready != d {
		return false
	}
	r.state = StateAbsent
	r.ready = nil
	return true
}

// Ready returns the registered worker if there is one.
func (r *Registry) Ready() (*Descriptor, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state != StateReady {
		return nil, false
	}
	return r.ready, true
}

func (r *Registry) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}
