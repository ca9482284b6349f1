package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/planrun/internal/log"
	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/CZERTAINLY/planrun/internal/poll"
	"github.com/CZERTAINLY/planrun/internal/service"

	"github.com/spf13/cobra"
)

var errInterrupted = errors.New("interrupted")

var (
	flagConfigID string
	flagUser     string
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "run launches the runner executing a plan and prints its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doLaunch(cmd, service.Request{
			Kind:     model.KindExecute,
			PlanPath: args[0],
			ConfigID: flagConfigID,
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "init launches the runner initializing a configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doLaunch(cmd, service.Request{
			Kind:     model.KindInit,
			ConfigID: flagConfigID,
			User:     flagUser,
			Password: v.GetString("password"),
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, initCmd} {
		cmd.Flags().StringVar(&flagConfigID, "config-id", "", "configuration passed to the runner")
	}
	initCmd.Flags().StringVar(&flagUser, "user", "", "user passed to the runner")
	initCmd.Flags().String("password", "", "password passed to the runner, PLANRUN_PASSWORD is preferred")
	bindFlags(initCmd, false, "password")
}

// doLaunch starts the runner and follows its output through the log buffer
// until the capture ends. SIGINT or SIGTERM kill the runner.
func doLaunch(cmd *cobra.Command, req service.Request) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("planrun",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))

	interval, err := config.Service.PollEvery()
	if err != nil {
		return err
	}
	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing service", "error", err)
		}
	}()

	e := svc.Launch(ctx, req)
	state, err := e.WaitLaunched(ctx)
	if err != nil {
		e.Cancel()
		<-e.Done()
		return err
	}
	if state == model.LaunchFailed {
		return e.Err()
	}
	slog.InfoContext(ctx, "launched", "execution_id", e.ID.String(), "log_path", e.LogPath())

	if err := printLog(ctx, svc, e, interval, cmd.OutOrStdout()); err != nil {
		return err
	}
	<-e.Done()
	res, _ := e.Result()
	if ctx.Err() != nil {
		return fmt.Errorf("%w, runner exit code %d", errInterrupted, res.ExitCode())
	}
	if res.CaptureErr != nil {
		return fmt.Errorf("capturing runner output: %w", res.CaptureErr)
	}
	if res.Err != nil {
		return fmt.Errorf("runner failed with exit code %d: %w", res.ExitCode(), res.Err)
	}
	return nil
}

// printLog polls the log buffer every interval. A canceled ctx kills the
// runner, the remaining output is printed anyway.
func printLog(ctx context.Context, svc *service.Service, e *service.Execution, interval time.Duration, w io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	from := 0
	for {
		res := svc.GetLog(ctx, e.LogPath(), from, poll.Cached)
		if res.Status != poll.StatusOK {
			return fmt.Errorf("polling log %s: %s: %w", e.LogPath(), res.Status, res.Err)
		}
		for _, line := range res.Lines {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		from = res.LastLineIndex
		if res.Completed {
			return nil
		}

		select {
		case <-done:
			slog.WarnContext(ctx, "interrupted, stopping the runner", "cause", context.Cause(ctx))
			e.Cancel()
			done = nil
		case <-ticker.C:
		case <-e.Done():
		}
	}
}
