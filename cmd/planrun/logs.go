package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/planrun/internal/poll"
	"github.com/CZERTAINLY/planrun/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagFrom   int
	flagFollow bool
	flagJSON   bool
	flagLimit  int
)

var logCmd = &cobra.Command{
	Use:   "log <path>",
	Short: "log prints a log file of a past or running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  doLog,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists the recorded executions, newest first",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

func init() {
	logCmd.Flags().IntVar(&flagFrom, "from", 0, "index of the first line")
	logCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep printing lines appended to the log")
	logCmd.Flags().BoolVar(&flagJSON, "json", false, "print the poll result as JSON")
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "number of executions, 0 lists all")
}

func doLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if flagFrom < 0 {
		return fmt.Errorf("--from must not be negative, got %d", flagFrom)
	}
	logsDir, err := filepath.Abs(config.Service.LogsDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if flagFollow {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return poll.Follow(ctx, resolveLog(logsDir, args[0]), flagFrom, func(line string) error {
			_, err := fmt.Fprintln(out, line)
			return err
		})
	}

	res := poll.New(nil, logsDir).GetLog(ctx, args[0], flagFrom, poll.Direct)
	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		for _, line := range res.Lines {
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
	}
	if res.Status != poll.StatusOK {
		return fmt.Errorf("reading log %s: %s: %w", args[0], res.Status, res.Err)
	}
	return nil
}

// resolveLog returns the file a log path refers to, relative paths are
// looked up in the logs directory first.
func resolveLog(logsDir, path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(filepath.Clean(path), filepath.Clean(config.Service.LogsDir)+string(filepath.Separator)) {
		return path
	}
	if p := filepath.Join(logsDir, path); exists(p) {
		return p
	}
	return path
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	rows, err := svc.History(ctx, flagLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, row := range rows {
		if _, err := fmt.Fprintf(out, "%s %s\n", row.StartedAt.Local().Format("2006-01-02 15:04:05"), row); err != nil {
			return err
		}
	}
	return nil
}
