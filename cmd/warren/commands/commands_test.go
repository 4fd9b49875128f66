package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/audit"
)

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

// initProject runs 'warren init' in a fresh working directory.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	out, _, err := execute(t, "init")
	require.NoError(t, err)
	require.Contains(t, out, "Successfully initialized Warren project!")
	return dir
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, _, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "warren")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, _, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestInit_RefusesExistingProject(t *testing.T) {
	initProject(t)

	_, errOut, err := execute(t, "init")
	require.Error(t, err)
	assert.Contains(t, errOut, "warren init --force")

	out, _, err := execute(t, "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Removing existing warren.yml")
}

func TestValidate(t *testing.T) {
	initProject(t)

	out, _, err := execute(t, "validate", "scenario.yml")
	require.NoError(t, err)
	assert.Contains(t, out, "warren.yml is valid")
	assert.Contains(t, out, "product_manager")
	assert.Contains(t, out, "scenario.yml is valid (22 steps)")
}

func TestValidate_Failures(t *testing.T) {
	dir := initProject(t)

	t.Run("missing config", func(t *testing.T) {
		_, errOut, err := execute(t, "--config", filepath.Join(dir, "nope.yml"), "validate")
		require.Error(t, err)
		assert.Contains(t, errOut, "warren init")
	})

	t.Run("undeclared agent in scenario", func(t *testing.T) {
		path := filepath.Join(dir, "ghost.yml")
		require.NoError(t, os.WriteFile(path, []byte("steps:\n  - agent: ghost\n    op: pending\n"), 0644))
		_, errOut, err := execute(t, "validate", path)
		require.Error(t, err)
		assert.Contains(t, errOut, "not declared")
	})

	t.Run("broken schema", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "task_request.json"), []byte("{not json"), 0644))
		_, errOut, err := execute(t, "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid payload schema")
		assert.Contains(t, errOut, "task_request")
	})
}

func TestRunExportAndInspect(t *testing.T) {
	dir := initProject(t)

	out, _, err := execute(t, "run", "scenario.yml", "--export", "audit.jsonl", "--metrics", "--start", "2026-03-01T09:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Scenario passed: 22 steps, 2h0m0s of virtual time")
	assert.Contains(t, out, "warren.bus.messages.sent")
	assert.FileExists(t, filepath.Join(dir, "audit.jsonl"))

	out, _, err = execute(t, "audit", "timeline", "--input", "audit.jsonl", "--type", "task_completed")
	require.NoError(t, err)
	assert.Contains(t, out, "3 events")

	out, _, err = execute(t, "audit", "timeline", "--input", "audit.jsonl", "--agent", "qa", "--type", "vote_cast", "-o", "jsonl")
	require.NoError(t, err)
	events, err := audit.Decode(bytes.NewBufferString(out))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "encoding", events[0].Subject)

	out, _, err = execute(t, "audit", "timeline", "--input", "audit.jsonl", "--type", "conflict_*")
	require.NoError(t, err)
	assert.Contains(t, out, "conflict_created")
	assert.Contains(t, out, "conflict_resolved")
	assert.NotContains(t, out, "vote_cast")

	_, _, err = execute(t, "audit", "report", "no-such-subject", "--input", "audit.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject 'no-such-subject' not found")

	out, _, err = execute(t, "audit", "report", "build", "--input", "audit.jsonl")
	require.NoError(t, err)
	assert.Contains(t, out, "Report for build")
	assert.Contains(t, out, "task_completed")

	out, _, err = execute(t, "audit", "export", "--input", "audit.jsonl", "copy.json")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported")

	original, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	want, err := audit.Decode(bytes.NewReader(original))
	require.NoError(t, err)
	copied, err := os.ReadFile(filepath.Join(dir, "copy.json"))
	require.NoError(t, err)
	got, err := audit.Decode(bytes.NewReader(copied))
	require.NoError(t, err)
	assert.Len(t, got, len(want))
}

func TestRun_FailingStep(t *testing.T) {
	dir := initProject(t)
	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: broken
steps:
  - agent: dev
    op: receive
    expect: {type: task_request}
`), 0644))

	_, errOut, err := execute(t, "run", path, "--export", "failed.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario failed at step 1")
	assert.Contains(t, errOut, "expected a message")
	assert.FileExists(t, filepath.Join(dir, "failed.json"))
}

func TestAuditTimeline_Validation(t *testing.T) {
	initProject(t)

	_, _, err := execute(t, "audit", "timeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audit source given")

	_, _, err = execute(t, "audit", "timeline", "--input", "missing.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit source not readable")

	_, _, err = execute(t, "audit", "timeline", "--input", "missing.jsonl", "-o", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")

	_, _, err = execute(t, "audit", "timeline", "--input", "missing.jsonl", "--type", "[task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter")

	_, _, err = execute(t, "audit", "timeline", "--input", "missing.jsonl", "--since", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid time range")
}

func TestAuditTimeline_Archive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	archive, err := audit.NewSQLiteArchive(path)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, archive.Store(context.Background(), []audit.Event{
		{ID: "e1", Seq: 1, Timestamp: base, Type: audit.EventTaskCreated, Agent: "pm", Subject: "T1", Action: "created", Status: audit.StatusSuccess},
		{ID: "e2", Seq: 2, Timestamp: base.Add(time.Minute), Type: audit.EventTaskCompleted, Agent: "dev", Subject: "T1", Action: "completed", Status: audit.StatusSuccess},
	}))
	require.NoError(t, archive.Close())

	out, _, err := execute(t, "audit", "timeline", "--input", path, "--agent", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "task_completed")
	assert.Contains(t, out, "1 event")

	out, _, err = execute(t, "audit", "report", "T1", "--input", path, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_events": 2`)
}

func networkedConfig(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "warren.yml")
	yml := fmt.Sprintf(`version: "1.0"
backend: networked
namespace: cli
redis:
  url: redis://%s/0
agents:
  pm:
    role: product_manager
  dev:
    role: developer
`, mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
	return path
}

func TestInbox(t *testing.T) {
	cfg := networkedConfig(t)

	out, _, err := execute(t, "-c", cfg, "inbox", "send", "--as", "pm", "--to", "dev",
		"--type", "task_update", "--subject", "export is half done", "--payload", `{"progress": 50}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Sent task_update to dev")

	out, _, err = execute(t, "-c", cfg, "inbox", "len", "--as", "dev")
	require.NoError(t, err)
	assert.Regexp(t, `dev\s+1`, out)

	out, _, err = execute(t, "-c", cfg, "inbox", "receive", "--as", "dev", "-o", "jsonl")
	require.NoError(t, err)
	assert.Contains(t, out, `"subject":"export is half done"`)
	assert.Contains(t, out, `"from":"pm"`)

	out, _, err = execute(t, "-c", cfg, "inbox", "len")
	require.NoError(t, err)
	assert.Regexp(t, `dev\s+0`, out)
	assert.Regexp(t, `pm\s+0`, out)

	out, _, err = execute(t, "-c", cfg, "inbox", "receive", "--as", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "No messages for agent 'dev'")
}

func TestInbox_Failures(t *testing.T) {
	cfg := networkedConfig(t)

	_, _, err := execute(t, "-c", cfg, "inbox", "len", "--as", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent 'ghost'")

	_, _, err = execute(t, "-c", cfg, "inbox", "send", "--to", "dev", "--type", "ack")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent given")

	_, _, err = execute(t, "-c", cfg, "inbox", "send", "--as", "pm", "--to", "nobody", "--type", "ack")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message rejected")

	_, _, err = execute(t, "-c", cfg, "inbox", "send", "--as", "pm", "--to", "dev", "--type", "ack", "--payload", "[1]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --payload")

	initProject(t)
	_, _, err = execute(t, "inbox", "len")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "networked backend")
}
