package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/scaffold"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Warren project",
	Long: `Initialize a new Warren project in the current directory.

Creates:
  • warren.yml - Agents, backend and limits
  • scenario.yml - An example workflow to replay with 'warren run'
  • schemas/task_request.json - Payload schema for task_request messages

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (removes existing warren.yml, scenario.yml and schemas/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return p.Error("project already initialized", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(dir, forceInit, p); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess(p)
	return nil
}
