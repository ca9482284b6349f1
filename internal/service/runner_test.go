package service_test

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/planrun/internal/service"
	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

type lines struct {
	mx sync.Mutex
	l  []string
}

func (l *lines) add(_ context.Context, line string) {
	l.mx.Lock()
	l.l = append(l.l, line)
	l.mx.Unlock()
}

func (l *lines) get() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.l...)
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrNotStarted)
		require.Equal(t, -1, res.ExitCode())
	})

	dir := t.TempDir()
	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "pwd; echo out; echo err 1>&2; exec sleep 0.2"},
		Dir:  dir,
	}
	ctx := t.Context()
	var got lines

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, got.add)
		require.NoError(t, err)
		res := runner.LastResult()
		require.NoError(t, res.Err)
		require.True(t, runner.Running())
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, service.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, sh, res.Path)
		require.Equal(t, dir, res.Dir)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.NoError(t, res.Err)
		require.NoError(t, res.CaptureErr)
		require.Equal(t, 0, res.ExitCode())
		require.Equal(t, 3, res.Lines)
		require.Equal(t, []string{dir, "out", "err"}, got.get())
		require.False(t, runner.Running())
	})
	t.Run("wait after end", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, 3, res.Lines)
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.ErrorIs(t, runner.LastResult().Err, exec.ErrNotFound)
	})
}

func TestRunnerExitCode(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	err := runner.Start(t.Context(), service.Command{
		Path: sh,
		Args: []string{"-c", "echo failing; exit 3"},
	}, nil)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	var exitErr *exec.ExitError
	require.ErrorAs(t, res.Err, &exitErr)
	require.Equal(t, 3, res.ExitCode())
	require.Equal(t, 1, res.Lines)
}

func TestRunnerStop(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	var testCases = []struct {
		scenario string
		given    service.Command
		stop     bool
	}{
		{"stop", service.Command{Path: sh, Args: []string{"-c", "exec sleep 30"}}, true},
		{"timeout", service.Command{Path: sh, Args: []string{"-c", "exec sleep 30"}, Timeout: 100 * time.Millisecond}, false},
		{"stop child", service.Command{Path: sh, Args: []string{"-c", "echo sleeping; sleep 30; echo done"}}, true},
		{"timeout child", service.Command{Path: sh, Args: []string{"-c", "echo sleeping; sleep 30; echo done"}, Timeout: 100 * time.Millisecond}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			runner := service.NewRunner()
			t.Cleanup(runner.Close)

			start := time.Now()
			require.NoError(t, runner.Start(t.Context(), tc.given, nil))
			if tc.stop {
				runner.Stop()
			}
			res := <-runner.WaitChan()
			require.Error(t, res.Err)
			require.Equal(t, -1, res.ExitCode())
			require.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestRunnerLongLine(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	t.Cleanup(runner.Close)

	var got lines
	// a line over the limit aborts the capture, the rest is drained
	script := "echo first; head -c " + strconv.Itoa(service.MaxLineSize+10) + " /dev/zero | tr '\\0' x; echo; echo last"
	require.NoError(t, runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", script}}, got.add))
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Error(t, res.CaptureErr)
	require.Equal(t, []string{"first"}, got.get())
	require.True(t, strings.Contains(res.CaptureErr.Error(), "line 2"))
}
