package scaffold

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scenario"
	"github.com/dyluth/warren/pkg/coord"
)

//go:embed templates/*
var templatesFS embed.FS

// Files created by Initialize, relative to the project directory
const (
	ScenarioFile = "scenario.yml"
	SchemasDir   = "schemas"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates a Warren project in dir.
// If force is true, it will remove existing warren.yml, scenario.yml and schemas/ directory
func Initialize(dir string, force bool, out *printer.Printer) error {
	if force {
		if err := handleForce(dir, out); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, SchemasDir), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", SchemasDir, err)
	}

	if err := writeFiles(dir, files); err != nil {
		return err
	}

	return validateCreatedFiles(dir)
}

// handleForce removes existing files if --force was specified
func handleForce(dir string, out *printer.Printer) error {
	for _, name := range []string{config.DefaultFile, ScenarioFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			out.Warning("Removing existing %s...\n", name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
	}

	schemas := filepath.Join(dir, SchemasDir)
	if info, err := os.Stat(schemas); err == nil && info.IsDir() {
		out.Warning("Removing existing %s/ directory...\n", SchemasDir)
		if err := os.RemoveAll(schemas); err != nil {
			return fmt.Errorf("failed to remove %s/ directory: %w", SchemasDir, err)
		}
	}

	return nil
}

// getTemplateFiles reads all template files
func getTemplateFiles() ([]FileInfo, error) {
	templates := []struct {
		name string
		path string
	}{
		{"warren.yml.tmpl", config.DefaultFile},
		{"scenario.yml.tmpl", ScenarioFile},
		{"task_request.json.tmpl", filepath.Join(SchemasDir, "task_request.json")},
	}

	files := make([]FileInfo, 0, len(templates))
	for _, t := range templates {
		content, err := templatesFS.ReadFile("templates/" + t.name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", t.path, err)
		}
		files = append(files, FileInfo{Path: t.path, Content: content, Permissions: 0644})
	}
	return files, nil
}

// writeFiles writes all template files under dir
func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.Path), file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles opens a core from the new config, which compiles the
// payload schemas, and parses the example scenario.
func validateCreatedFiles(dir string) error {
	core, err := coord.Open(context.Background(), filepath.Join(dir, config.DefaultFile))
	if err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultFile, err)
	}
	if err := core.Close(); err != nil {
		return err
	}

	if _, err := scenario.Load(filepath.Join(dir, ScenarioFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ScenarioFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess(out *printer.Printer) {
	out.Success("Successfully initialized Warren project!\n")
	out.Info("\nCreated:\n")
	out.Info("  ✓ %s\n", config.DefaultFile)
	out.Info("  ✓ %s\n", ScenarioFile)
	out.Info("  ✓ %s/task_request.json\n", SchemasDir)
	out.Info("\nNext steps:\n")
	out.Info("  1. Edit %s to declare your agents\n", config.DefaultFile)
	out.Info("  2. Run 'warren validate' to check the configuration\n")
	out.Info("  3. Run 'warren run %s' to replay the example workflow\n", ScenarioFile)
}
