package service

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/resdeeds/resdeeds/internal/netscan"
)

var (
	// ErrStopped is returned to callers waiting on a start that Stop interrupted.
	ErrStopped = errors.New("analysis service stopped")
	// ErrNoStrategies is returned by NewChain for an empty strategy list.
	ErrNoStrategies = errors.New("no launch strategies configured")
)

// AllocationError reports that no free port could be obtained.
type AllocationError = netscan.AllocationError

// ExitError describes a worker that exited on its own, either within
// the grace window or later.
type ExitError struct {
	State  *os.ProcessState
	Err    error    // error returned by Wait, if any
	Stderr []string // last lines written to stderr
}

func (e *ExitError) Error() string {
	var b strings.Builder
	switch {
	case e.State != nil:
		b.WriteString("process exited: ")
		b.WriteString(e.State.String())
	case e.Err != nil:
		b.WriteString("process exited: ")
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("process exited")
	}
	if n := len(e.Stderr); n > 0 {
		b.WriteString(": ")
		b.WriteString(e.Stderr[n-1])
	}
	return b.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code or -1 if the process was killed by a signal
// or has no state.
func (e *ExitError) ExitCode() int {
	if e.State == nil {
		return -1
	}
	return e.State.ExitCode()
}

// StrategyError is one failed launch attempt.
type StrategyError struct {
	Strategy string
	PID      int // zero when the spawn itself failed
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %s", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// NoViableStrategyError is returned when no strategy produced a surviving process.
type NoViableStrategyError struct {
	Attempts []*StrategyError
}

func (e *NoViableStrategyError) Error() string {
	if len(e.Attempts) == 0 {
		return "no viable launch strategy"
	}
	return "no viable launch strategy: " + e.Last().Error()
}

// Last returns the most recent failure, nil if there was no attempt.
func (e *NoViableStrategyError) Last() *StrategyError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *NoViableStrategyError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// NotHealthyError is returned when the worker did not answer its health
// endpoint before the deadline.
type NotHealthyError struct {
	Port      uint16
	PID       int
	Timeout   time.Duration
	Attempts  int
	Listening bool  // something accepted TCP connections on Port
	Last      error // last probe failure
}

func (e *NotHealthyError) Error() string {
	msg := fmt.Sprintf("analysis service did not become healthy in %s on port %d after %d probes", e.Timeout, e.Port, e.Attempts)
	if !e.Listening {
		msg += " (nothing listening)"
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *NotHealthyError) Unwrap() error {
	return e.Last
}
