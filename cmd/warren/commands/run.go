package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/clock"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/scenario"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/coord"
)

var (
	runExport  string
	runStart   string
	runMetrics bool
)

var runCmd = &cobra.Command{
	Use:   "run SCENARIO",
	Short: "Replay a scenario against a fresh coordination core",
	Long: `Run a scenario file step by step against a core built from warren.yml.

The core runs on a virtual clock that only moves on 'advance' steps, so TTLs
and expiry behave the same on every run. Each step's expectations are checked
and the run stops at the first step that misses one.

Examples:
  # Replay the example workflow
  warren run scenario.yml

  # Keep the audit trail for later inspection
  warren run scenario.yml --export audit.jsonl

  # Pin the virtual clock
  warren run scenario.yml --start 2026-01-05T09:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	runCmd.Flags().StringVar(&runExport, "export", "", "Write the audit log to FILE when the run ends (.jsonl for JSON lines, otherwise JSON)")
	runCmd.Flags().StringVar(&runStart, "start", "", "Virtual clock start time (RFC3339, or a duration meaning that long ago)")
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "Print counter totals after the run")
	rootCmd.AddCommand(runCmd)
}

func runScenario(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p := newPrinter(cmd)

	sc, err := scenario.Load(args[0])
	if err != nil {
		return p.ErrorWithContext("invalid scenario", err.Error(), map[string]string{"Scenario": args[0]}, nil)
	}

	start := time.Now().UTC()
	if runStart != "" {
		if start, err = timespec.Parse(runStart, start); err != nil {
			return p.Error("invalid --start", err.Error(), nil)
		}
	}
	vc := clock.NewVirtual(start)

	core, err := openCore(ctx, p, coord.WithClock(vc.Now))
	if err != nil {
		return err
	}
	defer core.Close()

	if sc.Name != "" {
		p.Info("Running scenario %q\n\n", sc.Name)
	}
	runner := scenario.NewRunner(core, vc.Advance, p, logging.New("scenario"))
	res, runErr := runner.Run(ctx, sc)

	// The audit trail is most useful when a run fails, so export either way.
	if runExport != "" {
		if err := exportAudit(ctx, core, runExport); err != nil {
			return p.ErrorWithContext("audit export failed", err.Error(), map[string]string{"File": runExport}, nil)
		}
	}

	if runErr != nil {
		var stepErr *scenario.StepError
		if errors.As(runErr, &stepErr) {
			return p.ErrorWithContext(
				fmt.Sprintf("scenario failed at step %d", stepErr.Index),
				stepErr.Err.Error(),
				map[string]string{"Scenario": args[0], "Step": stepErr.Step},
				[]string{"Inspect the audit trail:\n  warren run " + args[0] + " --export audit.jsonl\n  warren audit timeline --input audit.jsonl"},
			)
		}
		return runErr
	}

	p.Info("\n")
	p.Success("Scenario passed: %d steps, %s of virtual time\n", res.Steps, res.Elapsed)
	if runExport != "" {
		p.Info("Audit log written to %s\n", runExport)
	}

	if runMetrics {
		totals, err := core.Metrics(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect metrics: %w", err)
		}
		names := make([]string, 0, len(totals))
		for name := range totals {
			names = append(names, name)
		}
		sort.Strings(names)
		p.Info("\nMetrics:\n")
		for _, name := range names {
			p.Info("  %-36s %g\n", name, totals[name])
		}
	}
	return nil
}

// exportAudit writes every retained audit event to path.
func exportAudit(ctx context.Context, core *coord.Core, path string) error {
	if err := core.Flush(ctx); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := core.Audit.Export(f, formatFor(path), audit.Filter{}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// formatFor picks the export format from a file extension.
func formatFor(path string) audit.Format {
	if filepath.Ext(path) == ".jsonl" {
		return audit.FormatJSONL
	}
	return audit.FormatJSON
}
