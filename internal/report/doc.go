// Package report renders the visit log of a crawl.
//
// Writers:
//   - MarkdownWriter: crawl summary for sharing, built with nao1215/markdown
//   - SimpleWriter: plain text for the terminal
//   - JSONWriter: records and summary for further processing
//
// All writers take a Report, which pairs the records of a crawl with their
// model.CrawlSummary.
package report
