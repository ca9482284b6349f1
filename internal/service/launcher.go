package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/planrun/internal/log"
	"github.com/CZERTAINLY/planrun/internal/logbuf"
	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/google/uuid"
)

// LogExt is the extension of the execution log files.
const LogExt = ".log"

var ErrClosed = errors.New("launcher closed")

// Launcher starts the runner in the background, one worker per execution,
// and feeds its output to the log buffer and a log file.
type Launcher struct {
	cfg     model.Runner
	timeout time.Duration
	logsDir string
	cache   *logbuf.Cache
	db      *sql.DB
	now     func() time.Time

	mx         sync.Mutex
	closed     bool
	active     map[uuid.UUID]*Execution
	executions map[string]*Execution // launched, by log path
	wg         sync.WaitGroup
}

type LauncherOption func(*Launcher)

// WithHistory records every execution in the sqlite database.
func WithHistory(db *sql.DB) LauncherOption {
	return func(l *Launcher) {
		l.db = db
	}
}

// WithNow replaces time.Now, log file names use it.
func WithNow(now func() time.Time) LauncherOption {
	return func(l *Launcher) {
		l.now = now
	}
}

func NewLauncher(cfg model.Runner, logsDir string, cache *logbuf.Cache, opts ...LauncherOption) (*Launcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("runner.path is empty")
	}
	if cache == nil {
		return nil, errors.New("log buffer is nil")
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	if logsDir == "" {
		logsDir = model.DefaultLogsDir
	}
	l := &Launcher{
		cfg:        cfg,
		timeout:    timeout,
		logsDir:    logsDir,
		cache:      cache,
		now:        time.Now,
		active:     make(map[uuid.UUID]*Execution),
		executions: make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LogsDir is where the log files are created.
func (l *Launcher) LogsDir() string {
	return l.logsDir
}

// Launch returns immediately with a PENDING execution, the process is
// started by a background worker. Invalid requests are LAUNCH_FAILED
// before Launch returns. The execution outlives ctx, only its log
// attributes are kept.
func (l *Launcher) Launch(ctx context.Context, req Request) *Execution {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := newExecution(req, l.now().UTC(), cancel)
	wctx = log.ContextAttrs(wctx,
		slog.String("execution_id", e.ID.String()),
		slog.String("kind", string(req.Kind)),
	)
	l.recordStart(wctx, e)

	if err := req.Validate(); err != nil {
		l.fail(wctx, e, fmt.Errorf("invalid request: %w", err))
		return e
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	if l.closed {
		l.fail(wctx, e, ErrClosed)
		return e
	}
	l.active[e.ID] = e
	l.wg.Go(func() {
		defer func() {
			cancel()
			l.mx.Lock()
			delete(l.active, e.ID)
			l.mx.Unlock()
		}()
		l.run(wctx, e, req)
	})
	return e
}

// Execution returns a launched execution by its log path.
func (l *Launcher) Execution(logPath string) (*Execution, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()
	e, ok := l.executions[logPath]
	return e, ok
}

// Close cancels pending and running executions and waits for their workers.
// Executions launched later fail.
func (l *Launcher) Close() {
	l.mx.Lock()
	l.closed = true
	for _, e := range l.active {
		e.Cancel()
	}
	l.mx.Unlock()
	l.wg.Wait()
}

func (l *Launcher) fail(ctx context.Context, e *Execution, err error) {
	slog.ErrorContext(ctx, "launch failed", "request", e.req, "error", err)
	l.recordFailed(ctx, e, err)
	e.setFailed(err)
}

func (l *Launcher) run(ctx context.Context, e *Execution, req Request) {
	if l.cfg.ModulesDir != "" {
		report, err := CheckModules(ctx, l.cfg.ModulesDir, l.cfg.StrictModules)
		for _, w := range report.Warnings {
			slog.WarnContext(ctx, "module check", "path", w.Path, "line", w.Line, "reason", w.Reason)
		}
		if err != nil {
			l.fail(ctx, e, fmt.Errorf("checking modules: %w", err))
			return
		}
	}

	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		l.fail(ctx, e, fmt.Errorf("creating logs directory: %w", err))
		return
	}
	if err := ctx.Err(); err != nil {
		l.fail(ctx, e, err)
		return
	}

	logPath, f := l.createLog(ctx, e, req)
	out := &logWriter{cache: l.cache, key: logPath, f: f}
	cmd := Command{
		Path:    l.cfg.Path,
		Args:    req.Args(l.cfg.Switches),
		Dir:     l.cfg.Home,
		Timeout: l.timeout,
	}
	slog.DebugContext(ctx, "starting runner", "path", cmd.Path, "args", maskArgs(cmd.Args, l.cfg.Switches), "dir", cmd.Dir)

	runner := NewRunner()
	if err := runner.Start(ctx, cmd, out.line); err != nil {
		out.discard(ctx)
		l.fail(ctx, e, fmt.Errorf("starting runner: %w", err))
		return
	}

	ctx = log.ContextAttrs(ctx, slog.String("log_path", logPath))
	l.cache.Touch(logPath)
	l.mx.Lock()
	l.executions[logPath] = e
	l.mx.Unlock()
	e.setLaunched(logPath)
	slog.InfoContext(ctx, "runner launched", "request", req)
	l.recordLaunched(ctx, e)

	res := <-runner.WaitChan()

	out.close(ctx)
	if err := l.cache.MarkCompleted(logPath); err != nil {
		slog.ErrorContext(ctx, "marking log completed", "error", err)
	}
	l.mx.Lock()
	delete(l.executions, logPath)
	l.mx.Unlock()

	switch {
	case res.CaptureErr != nil:
		slog.ErrorContext(ctx, "runner output capture failed", "lines", res.Lines, "error", res.CaptureErr)
	case res.Err != nil:
		slog.WarnContext(ctx, "runner failed", "exit_code", res.ExitCode(), "lines", res.Lines, "error", res.Err)
	default:
		slog.InfoContext(ctx, "runner finished", "lines", res.Lines, "duration", res.Stopped.Sub(res.Started).String())
	}
	l.recordFinished(ctx, e, res)
	e.setResult(res)
}

// createLog creates a new log file named after the request and the launch
// time. On failure the path is still unique, but no file is written.
func (l *Launcher) createLog(ctx context.Context, e *Execution, req Request) (string, *os.File) {
	base := req.LogName() + "-" + e.StartedAt.Format("20060102-150405")
	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name += "-" + strconv.Itoa(i)
		}
		path := filepath.Join(l.logsDir, name+LogExt)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f
		}
		if !errors.Is(err, fs.ErrExist) {
			slog.ErrorContext(ctx, "creating log file, output is kept in memory only", "path", path, "error", err)
			return l.uniquePath(base, e), nil
		}
	}
	path := l.uniquePath(base, e)
	slog.ErrorContext(ctx, "no free log file name, output is kept in memory only", "path", path)
	return path, nil
}

func (l *Launcher) uniquePath(base string, e *Execution) string {
	return filepath.Join(l.logsDir, base+"-"+e.ID.String()[:8]+LogExt)
}

// logWriter mirrors the output lines to the log buffer and to the log file.
// Only the runner capture goroutine calls line.
type logWriter struct {
	cache *logbuf.Cache
	key   string
	f     *os.File
}

func (w *logWriter) line(ctx context.Context, line string) {
	w.cache.Append(w.key, line)
	if w.f == nil {
		return
	}
	if _, err := w.f.WriteString(line + "\n"); err != nil {
		slog.ErrorContext(ctx, "writing log file, output is kept in memory only", "path", w.f.Name(), "error", err)
		_ = w.f.Close()
		w.f = nil
	}
}

func (w *logWriter) close(ctx context.Context) {
	if w.f == nil {
		return
	}
	if err := w.f.Close(); err != nil {
		slog.ErrorContext(ctx, "closing log file", "path", w.f.Name(), "error", err)
	}
	w.f = nil
}

// discard removes the log file of a process which did not start.
func (w *logWriter) discard(ctx context.Context) {
	if w.f == nil {
		return
	}
	name := w.f.Name()
	w.close(ctx)
	if err := os.Remove(name); err != nil {
		slog.DebugContext(ctx, "removing unused log file", "path", name, "error", err)
	}
}
