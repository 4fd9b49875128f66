package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/scenario"
	"github.com/dyluth/warren/pkg/protocol"
)

var validateCmd = &cobra.Command{
	Use:   "validate [SCENARIO...]",
	Short: "Check warren.yml, its payload schemas and any scenario files",
	Long: `Validate the configuration without starting a core.

Checks that warren.yml parses and passes validation, that every payload
schema it references compiles, and that each scenario file given as an
argument is well formed.

Examples:
  warren validate
  warren validate scenario.yml release.yml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	v := protocol.NewValidator(nil)
	for msgType := range cfg.PayloadSchemas {
		path := cfg.SchemaPath(msgType)
		data, err := os.ReadFile(path)
		if err != nil {
			return p.ErrorWithContext(
				"payload schema not readable",
				err.Error(),
				map[string]string{"Message type": msgType, "Path": path},
				nil,
			)
		}
		if err := v.RegisterSchema(protocol.MessageType(msgType), data); err != nil {
			return p.ErrorWithContext(
				"invalid payload schema",
				err.Error(),
				map[string]string{"Message type": msgType, "Path": path},
				nil,
			)
		}
	}

	p.Success("%s is valid\n", configPath)
	p.Info("  Backend: %s (namespace %s)\n", cfg.Backend, cfg.Namespace)
	p.Info("  Payload schemas: %d\n\n", len(cfg.PayloadSchemas))

	p.Info("%-16s %-20s %s\n", "AGENT", "ROLE", "RANK")
	for _, name := range cfg.AgentNames() {
		a := cfg.Agents[name]
		p.Info("%-16s %-20s %d\n", name, a.Role, a.Rank)
	}

	for _, path := range args {
		sc, err := scenario.Load(path)
		if err != nil {
			return p.ErrorWithContext("invalid scenario", err.Error(), map[string]string{"Scenario": path}, nil)
		}
		for _, step := range sc.Steps {
			if _, ok := cfg.Agents[step.Agent]; step.Agent != "" && !ok {
				return p.ErrorWithContext(
					"invalid scenario",
					fmt.Sprintf("step %q uses agent %s, which is not declared in %s", step.Label(), step.Agent, configPath),
					map[string]string{"Scenario": path},
					nil,
				)
			}
		}
		p.Success("%s is valid (%d steps)\n", path, len(sc.Steps))
	}
	return nil
}
