package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nao1215/tbcrawler/internal/database"
	"github.com/nao1215/tbcrawler/internal/report"
	"github.com/spf13/cobra"
)

// ErrUnknownFormat is returned for an unsupported report format.
var ErrUnknownFormat = errors.New("unknown report format: must be text, markdown or json")

// NewReportCmd creates the report command.
func NewReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <crawl-dir>",
		Short: "Summarize the visits of a crawl",
		Long: `Report reads the visit log of a crawl directory and prints how every visit
ended, per outcome and per site, with the captchas that were detected and the
share of packets kept by the entry relay filter.

The log can be read while the crawl is still running.

Examples:
  # Print a summary to the terminal
  tbcrawler report ./traces

  # Write a Markdown report
  tbcrawler report -f markdown -o traces.md ./traces

  # Export all records as JSON
  tbcrawler report -f json ./traces > traces.json`,
		Args: cobra.ExactArgs(1),
		RunE: runReportCmd,
	}

	cmd.Flags().StringP("format", "f", "text", "Report format: text, markdown or json")
	cmd.Flags().StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")

	return cmd
}

func runReportCmd(cmd *cobra.Command, args []string) error {
	root := args[0]

	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	db, err := database.Open(root, database.ReadOnlyOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.Visits(context.Background())
	if err != nil {
		return err
	}
	r := report.New(root, records, time.Now())

	out := cmd.OutOrStdout()
	if outputPath != "" {
		if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // user-provided output path
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	w, err := newReportWriter(format, out, getVerboseFlag(cmd))
	if err != nil {
		return err
	}
	_, err = w.Write(r)
	return err
}

func newReportWriter(format string, out io.Writer, verbose bool) (report.Writer, error) {
	switch format {
	case "text":
		return report.NewSimpleWriter(out, report.WithVerbose(verbose)), nil
	case "markdown", "md":
		return report.NewMarkdownWriter(out), nil
	case "json":
		return report.NewJSONWriter(out, report.WithPrettyPrint()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
