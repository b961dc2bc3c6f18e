package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// drainWait bounds waiting for the output pipes once the process exited,
	// a child left behind may keep them open.
	drainWait = 250 * time.Millisecond
	// killWait bounds waiting for the exit after SIGKILL.
	killWait  = 3 * time.Second
	tailLines = 20
	maxLine   = 64 * 1024
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineFunc receives every line the worker writes to stdout or stderr.
type LineFunc func(ctx context.Context, stream, line string)

// Command is one fully expanded invocation of the worker.
type Command struct {
	Path string
	Args []string
	Env  []string // added to the current environment
	Dir  string
}

// Process wraps one spawned worker. Both output streams are read from
// pipes owned by the Process, so the exit of the worker is observed
// independently of children still holding the pipes.
type Process struct {
	cmd     *exec.Cmd
	started time.Time
	stdout  *lineWriter
	stderr  *lineWriter
	exited  chan struct{} // closed once the process was reaped
	done    chan struct{} // closed once the exit description is published
	drained chan struct{} // closed once both pipes reached EOF

	mx   sync.RWMutex
	exit *ExitError
}

// Spawn starts the command. It returns the error of exec.Cmd.Start unchanged,
// so callers can inspect *exec.Error or *fs.PathError. It does NOT wait for
// the process to finish, use Exited or Done for that.
func Spawn(ctx context.Context, proto Command, lineFunc LineFunc) (*Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	setProcAttr(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	// *os.File is handed to the child as is, Wait does not copy
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	lineCtx := context.WithoutCancel(ctx)
	p := &Process{
		cmd:     cmd,
		stdout:  newLineWriter(lineCtx, StreamStdout, lineFunc),
		stderr:  newLineWriter(lineCtx, StreamStderr, lineFunc),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	p.started = time.Now().UTC()
	err = cmd.Start()
	// the child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, err
	}

	var streams sync.WaitGroup
	streams.Go(func() { p.stdout.readFrom(stdoutR) })
	streams.Go(func() { p.stderr.readFrom(stderrR) })
	go func() {
		streams.Wait()
		close(p.drained)
	}()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	close(p.exited)

	timer := time.NewTimer(drainWait)
	select {
	case <-p.drained:
	case <-timer.C:
	}
	timer.Stop()

	p.mx.Lock()
	p.exit = &ExitError{
		State:  p.cmd.ProcessState,
		Err:    err,
		Stderr: p.stderr.Tail(),
	}
	p.mx.Unlock()
	close(p.done)
}

func (p *Process) PID() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Started() time.Time {
	return p.started
}

// Exited is closed as soon as the process has exited and was reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Done is closed after Exited, once Exit returns the exit description. The
// stderr tail is complete unless a child still holds the pipe.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exit returns the exit description, nil until Done is closed.
func (p *Process) Exit() *ExitError {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.exit
}

// Stderr returns the last lines written to stderr.
func (p *Process) Stderr() []string {
	return p.stderr.Tail()
}

// Terminate asks the process group (the process only on windows) to exit and
// kills it when it does not within grace or when ctx is done. The group is
// signalled even when the process itself is already gone, so children it
// left behind are stopped too. It returns once the process has been reaped
// and the output pipes are closed, or with an error when the kill did not
// take effect.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	intErr := interrupt(p.cmd.Process)
	if intErr == nil && p.Alive() {
		timer := time.NewTimer(grace)
		select {
		case <-p.exited:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	killErr := kill(p.cmd.Process)
	timer := time.NewTimer(killWait)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		return errors.Join(
			fmt.Errorf("process %d did not exit after kill", p.PID()),
			intErr,
			killErr,
		)
	}
	select {
	case <-p.drained:
		return nil
	case <-timer.C:
		return errors.Join(
			fmt.Errorf("output of process %d is still held open after kill", p.PID()),
			killErr,
		)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type lineWriter struct {
	mx     sync.Mutex
	ctx    context.Context
	stream string
	fn     LineFunc
	buf    []byte
	tail   []string
}

func newLineWriter(ctx context.Context, stream string, fn LineFunc) *lineWriter {
	return &lineWriter{ctx: ctx, stream: stream, fn: fn}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(b), nil
}

// readFrom forwards r until EOF and closes it.
func (w *lineWriter) readFrom(r io.ReadCloser) {
	_, _ = io.Copy(w, r)
	_ = r.Close()
	w.flush()
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

// emit must be called with w.mx held
func (w *lineWriter) emit(raw []byte) {
	line := string(bytes.TrimRight(raw, "\r"))
	if len(w.tail) == tailLines {
		copy(w.tail, w.tail[1:])
		w.tail = w.tail[:tailLines-1]
	}
	w.tail = append(w.tail, line)
	if w.fn != nil {
		w.fn(w.ctx, w.stream, line)
	}
}

func (w *lineWriter) Tail() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return append([]string(nil), w.tail...)
}
