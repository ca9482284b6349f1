package service

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/CZERTAINLY/planrun/internal/store"
)

// The execution history is best effort, a failing database never fails
// an execution. Records are written even after the execution was canceled.

func (l *Launcher) recordStart(ctx context.Context, e *Execution) {
	if l.db == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := store.Start(ctx, l.db, store.Execution{
		UUID:        e.ID.String(),
		Kind:        string(e.req.Kind),
		PlanPath:    e.req.PlanPath,
		ConfigID:    e.req.ConfigID,
		LaunchState: model.Pending.String(),
		StartedAt:   e.StartedAt,
	})
	if err != nil {
		slog.ErrorContext(ctx, "recording execution start", "error", err)
	}
}

func (l *Launcher) recordLaunched(ctx context.Context, e *Execution) {
	if l.db == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := store.Launched(ctx, l.db, e.ID.String(), model.Launched.String(), e.LogPath()); err != nil {
		slog.ErrorContext(ctx, "recording execution launch", "error", err)
	}
}

func (l *Launcher) recordFailed(ctx context.Context, e *Execution, reason error) {
	if l.db == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := store.FinishErr(ctx, l.db, e.ID.String(), model.LaunchFailed.String(), l.now().UTC(), nil, reason.Error())
	if err != nil {
		slog.ErrorContext(ctx, "recording execution failure", "error", err)
	}
}

func (l *Launcher) recordFinished(ctx context.Context, e *Execution, res Result) {
	if l.db == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case res.Err == nil && res.CaptureErr == nil:
		err = store.FinishOK(ctx, l.db, e.ID.String(), res.Stopped, res.ExitCode())
	default:
		var exitCode *int
		if code := res.ExitCode(); code >= 0 {
			exitCode = &code
		}
		reason := res.Err
		if reason == nil {
			reason = res.CaptureErr
		}
		err = store.FinishErr(ctx, l.db, e.ID.String(), model.Launched.String(), res.Stopped, exitCode, reason.Error())
	}
	if err != nil {
		slog.ErrorContext(ctx, "recording execution end", "error", err)
	}
}
