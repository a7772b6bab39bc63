package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/tbcrawler/internal/model"
)

// SimpleWriter outputs a plain text summary for the terminal.
type SimpleWriter struct {
	baseWriter

	// verbose lists every unsuccessful visit.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose lists unsuccessful visits with their errors.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the report in human-readable format.
func (w *SimpleWriter) Write(report *Report) (int, error) {
	var sb strings.Builder
	sum := report.Summary

	rule(&sb, "=")
	sb.WriteString("                           CRAWL REPORT\n")
	rule(&sb, "=")
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Crawl Directory: %s\n", report.Root)
	fmt.Fprintf(&sb, "Sites:           %d\n", len(sum.Sites))
	fmt.Fprintf(&sb, "Visits:          %d\n", sum.Total())
	fmt.Fprintf(&sb, "Captchas:        %d\n", sum.Captchas)
	fmt.Fprintf(&sb, "Packets Kept:    %d of %d (%.1f%%)\n", sum.PacketsKept, sum.PacketsRead, report.KeptRate())
	sb.WriteString("\n")

	rule(&sb, "-")
	sb.WriteString("OUTCOMES\n")
	rule(&sb, "-")
	sb.WriteString("\n")
	for _, o := range model.Outcomes() {
		fmt.Fprintf(&sb, "  %-8s %d\n", strings.ToUpper(o.String())+":", sum.Outcomes[o])
	}
	sb.WriteString("\n")

	if problems := report.Problems(); w.verbose && len(problems) > 0 {
		rule(&sb, "-")
		sb.WriteString("UNSUCCESSFUL VISITS\n")
		rule(&sb, "-")
		sb.WriteString("\n")
		for _, r := range problems {
			fmt.Fprintf(&sb, "  [%s] %s %s\n", r.Outcome, r.Dir, r.URL)
			if r.Error != "" {
				fmt.Fprintf(&sb, "    Error: %s\n", r.Error)
			}
		}
		sb.WriteString("\n")
	}

	rule(&sb, "=")
	return io.WriteString(w.output, sb.String())
}

func rule(sb *strings.Builder, char string) {
	sb.WriteString(strings.Repeat(char, 70))
	sb.WriteString("\n")
}
