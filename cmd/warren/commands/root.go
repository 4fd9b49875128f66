package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/coord"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - coordination core for cooperating agents",
	Long: `Warren coordinates a team of agents: a prioritized message bus,
task dependency tracking, shared contexts with access control, conflict
resolution and an append-only audit log.

Agents and limits are declared in warren.yml. The memory backend keeps inboxes
in-process; the networked backend stores them in Redis so several processes
can share them.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to warren.yml")
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// loadConfig reads --config, turning the common failures into guided errors.
func loadConfig(p *printer.Printer) (*config.WarrenConfig, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, p.Error(
			fmt.Sprintf("%s not found", configPath),
			"No Warren configuration exists at this path.",
			[]string{
				"Create a project here:\n  warren init",
				"Point at an existing file:\n  warren --config path/to/warren.yml",
			},
		)
	}
	return nil, p.ErrorWithContext(
		"invalid configuration",
		err.Error(),
		map[string]string{"Config": configPath},
		[]string{"Check the file with:\n  warren validate"},
	)
}

// openCore opens a core from --config with the CLI's loggers.
func openCore(ctx context.Context, p *printer.Printer, opts ...coord.Option) (*coord.Core, error) {
	cfg, err := loadConfig(p)
	if err != nil {
		return nil, err
	}
	opts = append([]coord.Option{coord.WithLogger(logging.New("core"))}, opts...)
	core, err := coord.New(ctx, cfg, opts...)
	if err != nil {
		return nil, p.ErrorWithContext(
			"failed to start coordination core",
			err.Error(),
			map[string]string{"Config": configPath, "Backend": cfg.Backend},
			nil,
		)
	}
	return core, nil
}
