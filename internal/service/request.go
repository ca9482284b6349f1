package service

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/CZERTAINLY/planrun/internal/model"
)

const masked = "*****"

// Request is everything a launch needs. It is passed by value to the
// background worker and never changed afterwards.
type Request struct {
	Kind     model.Kind
	PlanPath string // required for model.KindExecute
	ConfigID string
	User     string // model.KindInit only
	Password string // model.KindInit only
}

// Validate returns all problems of the request joined.
func (r Request) Validate() error {
	var errs []error
	switch r.Kind {
	case model.KindExecute:
		if r.PlanPath == "" {
			errs = append(errs, model.ErrMissingPlanPath)
		}
	case model.KindInit:
	default:
		errs = append(errs, fmt.Errorf("%q: %w", r.Kind, model.ErrUnknownKind))
	}
	if r.ConfigID == "" {
		errs = append(errs, model.ErrMissingConfigID)
	}
	return errors.Join(errs...)
}

// Args returns the runner command line arguments.
func (r Request) Args(sw model.Switches) []string {
	config := model.BaseName(r.ConfigID)
	switch r.Kind {
	case model.KindExecute:
		return []string{sw.Run, r.PlanPath, sw.Config, config}
	case model.KindInit:
		args := []string{sw.Init}
		if r.User != "" {
			args = append(args, sw.User, r.User)
		}
		if r.Password != "" {
			args = append(args, sw.Password, r.Password)
		}
		return append(args, sw.Config, config)
	default:
		return nil
	}
}

// LogName is the base of the log file name: the plan for executions, the
// configuration for init.
func (r Request) LogName() string {
	if r.Kind == model.KindExecute && r.PlanPath != "" {
		return model.BaseName(r.PlanPath)
	}
	if name := model.BaseName(r.ConfigID); name != "" {
		return name
	}
	return string(r.Kind)
}

// LogValue implements slog.LogValuer, the password is never logged.
func (r Request) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(r.Kind)),
		slog.String("config_id", r.ConfigID),
	}
	if r.PlanPath != "" {
		attrs = append(attrs, slog.String("plan", r.PlanPath))
	}
	if r.User != "" {
		attrs = append(attrs, slog.String("user", r.User))
	}
	if r.Password != "" {
		attrs = append(attrs, slog.String("password", masked))
	}
	return slog.GroupValue(attrs...)
}

// maskArgs hides the value following the password switch.
func maskArgs(args []string, sw model.Switches) []string {
	ret := slices.Clone(args)
	for i := 0; i+1 < len(ret); i++ {
		if ret[i] == sw.Password {
			ret[i+1] = masked
			i++
		}
	}
	return ret
}
