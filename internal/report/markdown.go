package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
	"github.com/nao1215/tbcrawler/internal/model"
)

// Below this share of successful visits the report warns that the dataset
// needs another batch.
const lowSuccessRate = 80.0

const timeLayout = "2006-01-02 15:04:05 MST"

// MarkdownWriter outputs the crawl summary in Markdown, with a mermaid pie
// chart of the visit outcomes.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the report in Markdown format.
func (w *MarkdownWriter) Write(report *Report) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeOutcomes(md, report)
	w.writeSites(md, report)
	w.writeProblems(md, report)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *Report) {
	sum := report.Summary

	md.H1("Crawl Report")
	md.PlainText("")

	rows := [][]string{
		{"Crawl Directory", "`" + report.Root + "`"},
		{"Generated", report.GeneratedAt.Format(timeLayout)},
		{"Sites", strconv.Itoa(len(sum.Sites))},
		{"Visits", strconv.Itoa(sum.Total())},
		{"Captchas", strconv.Itoa(sum.Captchas)},
		{"Packets Kept", fmt.Sprintf("%d of %d (%.1f%%)", sum.PacketsKept, sum.PacketsRead, report.KeptRate())},
	}
	if !sum.FirstVisit.IsZero() {
		rows = append(rows,
			[]string{"First Visit", sum.FirstVisit.Format(timeLayout)},
			[]string{"Last Visit", sum.LastVisit.Format(timeLayout)},
		)
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeOutcomes(md *markdown.Markdown, report *Report) {
	sum := report.Summary

	md.H2("Visit Outcomes")
	md.PlainText("")

	rows := make([][]string, 0, len(model.Outcomes())+1)
	for _, o := range model.Outcomes() {
		rows = append(rows, []string{o.String(), strconv.Itoa(sum.Outcomes[o])})
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(sum.Total()) + "**"})
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Visits"},
		Rows:   rows,
	})
	md.PlainText("")

	if sum.Total() > 0 {
		w.writePieChart(md, sum)
	}
	w.writeAlert(md, report)
}

func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, sum model.CrawlSummary) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Visit Outcomes"),
		piechart.WithShowData(true),
	)
	for _, o := range model.Outcomes() {
		if n := sum.Outcomes[o]; n > 0 {
			chart.LabelAndIntValue(o.String(), uint64(n))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *Report) {
	sum := report.Summary
	switch rate := report.SuccessRate(); {
	case sum.Total() == 0:
		md.Note("No visits have been recorded yet.")
	case rate < lowSuccessRate:
		md.Warningf("Only %.1f%% of the visits succeeded. Consider crawling another batch.", rate)
	case sum.Captchas > 0:
		md.Importantf("%d visit(s) hit a captcha. Their directories carry the captcha_ prefix.", sum.Captchas)
	default:
		md.Tip("Every site was crawled without captchas.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeSites(md *markdown.Markdown, report *Report) {
	md.H2("Sites")
	md.PlainText("")

	if len(report.Summary.Sites) == 0 {
		md.PlainText("No sites crawled.")
		md.PlainText("")
		return
	}

	header := []string{"#", "URL"}
	for _, o := range model.Outcomes() {
		header = append(header, o.String())
	}
	header = append(header, "captcha")

	rows := make([][]string, 0, len(report.Summary.Sites))
	for _, s := range report.Summary.Sites {
		row := []string{strconv.Itoa(s.Site), truncateString(s.URL, 60)}
		for _, o := range model.Outcomes() {
			row = append(row, strconv.Itoa(s.Outcomes[o]))
		}
		row = append(row, strconv.Itoa(s.Captchas))
		rows = append(rows, row)
	}
	md.Table(markdown.TableSet{
		Header: header,
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeProblems(md *markdown.Markdown, report *Report) {
	problems := report.Problems()
	if len(problems) == 0 {
		return
	}

	md.H2("Unsuccessful Visits")
	md.PlainText("")

	rows := make([][]string, len(problems))
	for i, r := range problems {
		msg := r.Error
		if msg == "" {
			msg = "-"
		}
		rows[i] = []string{
			"`" + r.Dir + "`",
			truncateString(r.URL, 40),
			r.Outcome.String(),
			truncateString(msg, 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Directory", "URL", "Outcome", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [tbcrawler](https://github.com/nao1215/tbcrawler)*")
}
