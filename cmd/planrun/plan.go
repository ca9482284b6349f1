package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/CZERTAINLY/planrun/internal/plan"
	"github.com/CZERTAINLY/planrun/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagOutput   string
	flagNoBackup bool
	flagForce    bool
	flagStrict   bool
)

var errPlanWarnings = errors.New("plan contains malformed steps, use --force to drop them")

var fmtCmd = &cobra.Command{
	Use:   "fmt <plan>",
	Short: "fmt rewrites a plan in the canonical format",
	Args:  cobra.ExactArgs(1),
	RunE:  doFmt,
}

var checkCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "check parses the module files, default is runner.modules_dir",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doCheck,
}

func init() {
	fmtCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "destination, default rewrites the plan in place, - prints it")
	fmtCmd.Flags().BoolVar(&flagNoBackup, "no-backup", false, "do not keep the previous plan as "+plan.BackupSuffix)
	fmtCmd.Flags().BoolVar(&flagForce, "force", false, "write even if malformed steps are dropped")
	checkCmd.Flags().BoolVar(&flagStrict, "strict", false, "malformed steps are errors, default is runner.strict_modules")
}

func doFmt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := plan.ParseFile(args[0])
	if err != nil {
		return err
	}
	for _, w := range p.Warnings {
		slog.WarnContext(ctx, "malformed step", "path", p.Path, "line", w.Line, "reason", w.Reason, "text", w.Text)
	}
	if len(p.Warnings) > 0 && !flagForce {
		return errPlanWarnings
	}

	template, err := plan.LoadTemplate(config.Plan.Template)
	if err != nil {
		return err
	}

	switch flagOutput {
	case "-":
		return plan.WriteTo(cmd.OutOrStdout(), p, filepath.Base(p.Path), template)
	case "":
		flagOutput = p.Path
	}
	err = plan.Write(p, flagOutput, plan.WriteOptions{
		Template: template,
		Backup:   config.Plan.BackupEnabled() && !flagNoBackup,
	})
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "plan written", "path", flagOutput, "steps", len(p.Steps))
	return nil
}

func doCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := config.Runner.ModulesDir
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		return errors.New("no directory given and runner.modules_dir is empty")
	}
	strict := flagStrict || config.Runner.StrictModules

	report, err := service.CheckModules(ctx, dir, strict)
	out := cmd.OutOrStdout()
	for _, w := range report.Warnings {
		_, _ = fmt.Fprintf(out, "%s:%d: %s\n\t%s\n", w.Path, w.Line, w.Reason, w.Text)
	}
	_, _ = fmt.Fprintf(out, "%d files, %d steps, %d warnings\n", report.Files, report.Steps, len(report.Warnings))
	return err
}
