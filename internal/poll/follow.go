package poll

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowInterval is how often Follow re-reads the file when no write
// notification arrives.
const FollowInterval = 250 * time.Millisecond

// Follow passes every line of the file at path with index >= from to fn and
// keeps passing lines appended later, until ctx is done or fn returns an
// error. A trailing line without a newline is held back until completed.
// Write notifications come from fsnotify, the file is re-read every
// FollowInterval as well, for filesystems without notifications.
func Follow(ctx context.Context, path string, from int, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.DebugContext(ctx, "fsnotify not available, polling only", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(path); err != nil {
			slog.DebugContext(ctx, "can't watch log, polling only", "path", path, "error", err)
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(FollowInterval)
	defer ticker.Stop()

	r := bufio.NewReader(f)
	var partial strings.Builder
	var idx int
	for {
		for {
			chunk, err := r.ReadString('\n')
			partial.WriteString(chunk)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("reading log: %w", err)
			}
			line := strings.TrimSuffix(partial.String(), "\n")
			partial.Reset()
			if idx >= from {
				if err := fn(line); err != nil {
					return err
				}
			}
			idx++
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				slog.DebugContext(ctx, "followed log moved away", "path", path, "op", ev.Op.String())
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.DebugContext(ctx, "watching log", "path", path, "error", err)
		case <-ticker.C:
		}
	}
}
