package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/CZERTAINLY/planrun/internal/parallel"
	"github.com/CZERTAINLY/planrun/internal/plan"
	"github.com/CZERTAINLY/planrun/internal/walk"
)

// ModuleExts are the extensions of the module files checked before a launch.
var ModuleExts = []string{".plan", ".txt"}

var ErrModuleWarnings = errors.New("module files contain malformed steps")

type ModuleWarning struct {
	Path string
	plan.Warning
}

type ModuleReport struct {
	Files    int
	Steps    int
	Warnings []ModuleWarning
}

// CheckModules parses every module file under dir in parallel. Files which
// can't be read are errors, parser warnings are errors only if strict.
func CheckModules(ctx context.Context, dir string, strict bool) (ModuleReport, error) {
	var report ModuleReport
	root, err := os.OpenRoot(dir)
	if err != nil {
		return report, fmt.Errorf("opening modules dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	seq := walk.Ext(walk.Root(ctx, root), ModuleExts...)
	var errs []error
	for p, err := range parallel.NewMap(ctx, runtime.NumCPU(), parseModule).Iter(seq) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Files++
		report.Steps += len(p.Steps)
		for _, w := range p.Warnings {
			report.Warnings = append(report.Warnings, ModuleWarning{Path: p.Path, Warning: w})
		}
	}
	slices.SortFunc(report.Warnings, func(a, b ModuleWarning) int {
		return cmp.Or(strings.Compare(a.Path, b.Path), cmp.Compare(a.Line, b.Line))
	})
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if strict && len(report.Warnings) > 0 {
		errs = append(errs, fmt.Errorf("%d warnings: %w", len(report.Warnings), ErrModuleWarnings))
	}
	return report, errors.Join(errs...)
}

func parseModule(_ context.Context, e walk.Entry) (*plan.Plan, error) {
	f, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", e.Path(), err)
	}
	defer func() { _ = f.Close() }()
	p, err := plan.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", e.Path(), err)
	}
	p.Path = e.Path()
	return p, nil
}
