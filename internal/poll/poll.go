// Package poll serves the output of executions to pollers, either from the
// in-memory log buffer or from the log files on disk.
package poll

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/planrun/internal/logbuf"
)

// MaxLineSize is the longest line read from a log file.
const MaxLineSize = 1024 * 1024

type Mode int

const (
	// Cached reads the log buffer of a live or recently finished execution.
	Cached Mode = iota
	// Direct reads the log file, used for historical inspection.
	Direct
)

func (m Mode) String() string {
	switch m {
	case Cached:
		return "CACHED"
	case Direct:
		return "DIRECT"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "CACHED":
		return Cached, nil
	case "DIRECT":
		return Direct, nil
	default:
		return 0, fmt.Errorf("unknown poll mode %q", s)
	}
}

// Status tells a poller whether to keep polling.
type Status int

const (
	StatusOK Status = iota
	// StatusNotFound means the execution never started, its buffer was
	// evicted or the log file does not exist.
	StatusNotFound
	StatusOutOfRange
	// StatusUnreadable means the log file can't be opened, it is a
	// directory, or the path is outside of the logs directory. The latter
	// is reported even if no such file exists.
	StatusUnreadable
	// StatusReadFailed means reading failed in the middle of the file.
	StatusReadFailed
)

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusOutOfRange:
		return "OUT_OF_RANGE"
	case StatusUnreadable:
		return "UNREADABLE"
	case StatusReadFailed:
		return "READ_FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type LogResult struct {
	// LastLineIndex is the fromLine of the next poll: from plus the number
	// of returned lines. It equals from when the poll failed.
	LastLineIndex int      `json:"lastLineIndex"`
	Completed     bool     `json:"completed"`
	Status        Status   `json:"status"`
	Lines         []string `json:"lines"`
	Err           error    `json:"-"`
}

type Poller struct {
	cache   *logbuf.Cache
	logsDir string
}

// New returns a poller reading cache in Cached mode and the files under
// logsDir in Direct mode. Either may be empty.
func New(cache *logbuf.Cache, logsDir string) *Poller {
	return &Poller{
		cache:   cache,
		logsDir: logsDir,
	}
}

// GetLog returns the lines of logPath with index >= from. It never fails,
// problems are reported by LogResult.Status.
func (p *Poller) GetLog(ctx context.Context, logPath string, from int, mode Mode) LogResult {
	var res LogResult
	switch mode {
	case Cached:
		res = p.cached(logPath, from)
	case Direct:
		res = p.direct(logPath, from)
	default:
		res = failed(from, StatusNotFound, fmt.Errorf("unknown poll mode %d", int(mode)))
	}
	if res.Err != nil {
		slog.DebugContext(ctx, "poll failed", "log_path", logPath, "from", from, "mode", mode.String(), "status", res.Status.String(), "error", res.Err)
	}
	return res
}

func (p *Poller) cached(logPath string, from int) LogResult {
	if p.cache == nil {
		return failed(from, StatusNotFound, logbuf.ErrNotFound)
	}
	lines, completed, err := p.cache.Read(logPath, from)
	switch {
	case errors.Is(err, logbuf.ErrNotFound):
		return failed(from, StatusNotFound, err)
	case errors.Is(err, logbuf.ErrOutOfRange):
		res := failed(from, StatusOutOfRange, err)
		res.Completed = completed
		return res
	case err != nil:
		return failed(from, StatusReadFailed, err)
	}
	return LogResult{
		LastLineIndex: from + len(lines),
		Completed:     completed,
		Status:        StatusOK,
		Lines:         lines,
	}
}

func (p *Poller) direct(logPath string, from int) LogResult {
	f, err := p.open(logPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return failed(from, StatusNotFound, err)
	case err != nil:
		return failed(from, StatusUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return failed(from, StatusUnreadable, err)
	}
	if info.IsDir() {
		return failed(from, StatusUnreadable, fmt.Errorf("%s: is a directory", logPath))
	}

	lines, err := readLines(f)
	if err != nil {
		return failed(from, StatusReadFailed, fmt.Errorf("reading %s: %w", logPath, err))
	}
	if from < 0 || from > len(lines) {
		return failed(from, StatusOutOfRange,
			fmt.Errorf("reading from line %d of %d: %w", from, len(lines), logbuf.ErrOutOfRange))
	}
	return LogResult{
		LastLineIndex: len(lines),
		Completed:     true,
		Status:        StatusOK,
		Lines:         lines[from:],
	}
}

// open reads the log files through os.Root, so a log path can't escape
// the logs directory. A relative path names a file in the logs directory,
// unless it already points there from the working directory.
func (p *Poller) open(logPath string) (*os.File, error) {
	if p.logsDir == "" {
		return os.Open(logPath)
	}
	rel, err := p.relative(logPath)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(p.logsDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = root.Close() }()
	return root.Open(rel)
}

func (p *Poller) relative(logPath string) (string, error) {
	logsDir, err := filepath.Abs(p.logsDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(logPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(logsDir, abs)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(logPath) || filepath.IsLocal(rel) {
		return rel, nil
	}
	return logPath, nil
}

func readLines(f *os.File) ([]string, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	lines := []string{}
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func failed(from int, status Status, err error) LogResult {
	return LogResult{
		LastLineIndex: from,
		Status:        status,
		Lines:         []string{},
		Err:           err,
	}
}
