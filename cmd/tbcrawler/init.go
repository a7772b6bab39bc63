package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nao1215/tbcrawler/internal/config"
	"github.com/spf13/cobra"
)

//go:embed templates/tbcrawler.yaml
var configTemplate embed.FS

const templatePath = "templates/tbcrawler.yaml"

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new tbcrawler configuration file",
		Long: `Initialize creates a new .tbcrawler configuration file in the current directory.

The generated file lists every setting with its default value:
- Batches, visits and the crawl variant
- Visit timeouts and pauses
- Tor, browser and dumpcap settings

Examples:
  # Create .tbcrawler in current directory
  tbcrawler init

  # Create config file at a specific path
  tbcrawler init -o crawl.yaml

  # Force overwrite existing file
  tbcrawler init -f`,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultConfigFile,
		"Output file path for the configuration")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite existing configuration file")

	return cmd
}

func runInitCmd(cmd *cobra.Command, _ []string) error {
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", outputPath)
		}
	}

	content, err := configTemplate.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read config template: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created configuration file: %s\n", outputPath)
	fmt.Fprintln(out, "\nEdit this file to set up the crawl, for example:")
	fmt.Fprintln(out, "  - the capture device of dumpcap")
	fmt.Fprintln(out, "  - batches and visits per site")
	fmt.Fprintln(out, "  - an external Tor or the middle relay fingerprint")
	return nil
}
