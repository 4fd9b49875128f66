package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/resolver"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/internal/view"
	"github.com/dyluth/warren/pkg/audit"
)

var (
	auditInput   string
	auditOutput  string
	auditSince   string
	auditUntil   string
	auditAgent   string
	auditType    string
	auditSubject string
	auditStatus  string
	auditLimit   int
	auditFormat  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect exported audit logs and archives",
	Long: `Read audit events from an export written by 'warren run --export'
(JSON or JSON lines) or from a SQLite archive configured with
audit_archive_path (.db).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var auditTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "List audit events in time order with filtering",
	Long: `List events matching the filters, oldest first.

Time Filters:
  --since  - Show events at or after this time
  --until  - Show events at or before this time
  Both accept a duration (meaning that long ago) or an RFC3339 timestamp.

Examples:
  warren audit timeline --input audit.jsonl
  warren audit timeline --input audit.db --agent dev --type "task_*"
  warren audit timeline --input audit.jsonl --since 2026-03-01T09:00:00Z -o jsonl`,
	RunE: runAuditTimeline,
}

var auditReportCmd = &cobra.Command{
	Use:   "report SUBJECT",
	Short: "Summarize the trail of one task, context, conflict or message",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditReport,
}

var auditExportCmd = &cobra.Command{
	Use:   "export OUTPUT",
	Short: "Convert an audit source to a JSON or JSON lines file",
	Long: `Write the events from --input to OUTPUT. The format comes from --format,
or from OUTPUT's extension (.jsonl for JSON lines, otherwise JSON).

Example:
  warren audit export --input audit.db archive.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditExport,
}

func init() {
	auditCmd.PersistentFlags().StringVarP(&auditInput, "input", "i", "", "Audit export (.json/.jsonl) or SQLite archive (.db)")

	auditTimelineCmd.Flags().StringVarP(&auditOutput, "output", "o", "default", "Output format: default or jsonl")
	auditTimelineCmd.Flags().StringVar(&auditSince, "since", "", "Show events after time (duration or RFC3339)")
	auditTimelineCmd.Flags().StringVar(&auditUntil, "until", "", "Show events before time (duration or RFC3339)")
	auditTimelineCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent (exact match)")
	auditTimelineCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type (glob pattern: \"task_*\")")
	auditTimelineCmd.Flags().StringVar(&auditSubject, "subject", "", "Filter by subject (glob pattern)")
	auditTimelineCmd.Flags().StringVar(&auditStatus, "status", "", "Filter by status")
	auditTimelineCmd.Flags().IntVar(&auditLimit, "limit", 0, "Keep only the most recent N events")

	auditReportCmd.Flags().StringVarP(&auditOutput, "output", "o", "default", "Output format: default or json")

	auditExportCmd.Flags().StringVar(&auditFormat, "format", "", "json or jsonl (default from the file extension)")

	auditCmd.AddCommand(auditTimelineCmd, auditReportCmd, auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func isArchive(path string) bool {
	switch filepath.Ext(path) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// loadEvents reads the events in path that match filter, in timestamp order.
func loadEvents(ctx context.Context, p *printer.Printer, path string, filter audit.Filter) ([]audit.Event, error) {
	if path == "" {
		return nil, p.Error("no audit source given", "Audit commands read an export or archive file.", []string{
			"Export one from a run:\n  warren run scenario.yml --export audit.jsonl",
			"Then pass it with:\n  --input audit.jsonl",
		})
	}
	if _, err := os.Stat(path); err != nil {
		return nil, p.ErrorWithContext("audit source not readable", err.Error(), map[string]string{"Input": path}, nil)
	}

	if isArchive(path) {
		archive, err := audit.NewSQLiteArchive(path)
		if err != nil {
			return nil, err
		}
		defer archive.Close()
		return archive.Load(ctx, filter)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := audit.Decode(f)
	if err != nil {
		return nil, p.ErrorWithContext("invalid audit export", err.Error(), map[string]string{"Input": path}, nil)
	}

	log := audit.NewLog(audit.WithCapacity(len(events) + 1))
	if err := log.Import(events); err != nil {
		return nil, p.ErrorWithContext("invalid audit export", err.Error(), map[string]string{"Input": path}, nil)
	}
	return log.Query(filter), nil
}

func runAuditTimeline(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	if auditOutput != "default" && auditOutput != "jsonl" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", auditOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	since, until, err := timespec.ParseRange(auditSince, auditUntil, time.Now())
	if err != nil {
		return p.Error("invalid time range", err.Error(), []string{
			"Use a duration such as --since 1h",
			"Or an RFC3339 timestamp such as --since 2026-03-01T09:00:00Z",
		})
	}

	criteria := filter.Criteria{TypeGlob: auditType, SubjectGlob: auditSubject}
	if err := criteria.Validate(); err != nil {
		return p.Error("invalid filter", err.Error(), []string{"Patterns use shell glob syntax, e.g. --type \"conflict_*\""})
	}

	events, err := loadEvents(cmd.Context(), p, auditInput, audit.Filter{
		Agent:  auditAgent,
		Status: auditStatus,
		Since:  since,
		Until:  until,
	})
	if err != nil {
		return err
	}
	events = criteria.Apply(events, auditLimit)

	if auditOutput == "jsonl" {
		return view.FormatJSONL(p.Out(), events)
	}
	view.FormatEvents(p.Out(), events, auditInput)
	return nil
}

func runAuditReport(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	if auditOutput != "default" && auditOutput != "json" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", auditOutput),
			[]string{"Valid formats: default, json"},
		)
	}

	all, err := loadEvents(cmd.Context(), p, auditInput, audit.Filter{})
	if err != nil {
		return err
	}

	subject, err := resolver.ResolveSubject(all, args[0])
	if err != nil {
		if ambiguous, ok := err.(*resolver.AmbiguousError); ok {
			return p.Error("ambiguous subject", resolver.FormatAmbiguousError(ambiguous), nil)
		}
		return p.Error(
			fmt.Sprintf("subject '%s' not found", args[0]),
			fmt.Sprintf("No events in %s concern this subject.", auditInput),
			[]string{"List subjects:\n  warren audit timeline --input " + auditInput},
		)
	}

	var events []audit.Event
	for _, ev := range all {
		if ev.Subject == subject {
			events = append(events, ev)
		}
	}

	report := audit.Summarize(subject, events)
	if auditOutput == "json" {
		return view.FormatJSON(p.Out(), report)
	}
	view.FormatReport(p.Out(), report)
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	output := args[0]

	format := formatFor(output)
	if auditFormat != "" {
		format = audit.Format(auditFormat)
	}
	if err := format.Validate(); err != nil {
		return p.Error("invalid export format", err.Error(), []string{"Valid formats: json, jsonl"})
	}

	events, err := loadEvents(cmd.Context(), p, auditInput, audit.Filter{})
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := audit.Encode(f, format, events); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	p.Success("Exported %d events to %s\n", len(events), output)
	return nil
}
