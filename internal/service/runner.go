package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// MaxLineSize is the longest output line the capture loop accepts.
const MaxLineSize = 1024 * 1024

// CloseDelay is how long the output is still read after the process was
// killed. Processes which left the process group may keep the pipe open,
// it is closed after CloseDelay.
const CloseDelay = time.Second

// LineFunc receives every line of the merged stdout and stderr.
type LineFunc func(ctx context.Context, line string)

// Runner is a thin wrapper around os/exec running at most one process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of the current process
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Lines   int
	// Err is the error of the process itself, usually *exec.ExitError.
	Err error
	// CaptureErr is set when reading the output failed, the process
	// output after the failure was discarded.
	CaptureErr error
}

// ExitCode returns the exit code of the process or -1 if it did not exit
// on its own.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the underlying process with stderr merged into stdout. Every
// line is passed to lineFunc by an internal goroutine, the process is waited
// once the output reaches EOF. Returns ErrInProgress or an exec error,
// otherwise nil. Does NOT wait on command to finish, use WaitChan method instead.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	var cancel context.CancelFunc
	if proto.Timeout == 0 {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	setProcessGroup(cmd)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append([]string(nil), proto.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		r.result.Err = err
		return err
	}
	// the same *os.File, so both streams share one pipe and keep their order
	cmd.Stderr = cmd.Stdout

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}

	r.cmd = cmd
	r.cancelFunc = cancel
	go r.run(ctx, cmd, stdout, lineFunc)
	return nil
}

func (r *Runner) run(ctx context.Context, cmd *exec.Cmd, stdout io.ReadCloser, lineFunc LineFunc) {
	captured := make(chan struct{})
	go closeOnCancel(ctx, stdout, captured)
	lines, captureErr := capture(ctx, stdout, lineFunc)
	if captureErr != nil {
		slog.ErrorContext(ctx, "capturing output", "error", captureErr)
		// keep the process from blocking on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	close(captured)

	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancelFunc()
	r.cancelFunc = nil
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Lines = lines
	r.result.Err = err
	r.result.CaptureErr = captureErr
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// closeOnCancel closes the output pipe CloseDelay after ctx is done, unless
// the capture reached EOF before.
func closeOnCancel(ctx context.Context, stdout io.Closer, captured <-chan struct{}) {
	select {
	case <-captured:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(CloseDelay)
	defer timer.Stop()
	select {
	case <-captured:
	case <-timer.C:
		slog.WarnContext(ctx, "output still open after the runner was killed, closing it")
		_ = stdout.Close()
	}
}

func capture(ctx context.Context, stdout io.Reader, lineFunc LineFunc) (int, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	var lines int
	for scanner.Scan() {
		lines++
		if lineFunc != nil {
			lineFunc(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		return lines, fmt.Errorf("reading output line %d: %w", lines+1, err)
	}
	return lines, nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. If nothing runs,
// the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Running reports whether a process is active.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

// LastResult returns a last command result
// or result with ErrNotStarted if nothing has been executed yet.
// While a process runs, the result carries no Err.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Stop kills the running process, if any. The result is still delivered
// through WaitChan.
func (r *Runner) Stop() {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

// Close stops the process and waits for its end.
func (r *Runner) Close() {
	r.Stop()
	<-r.WaitChan()
}
