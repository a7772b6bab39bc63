package report

import (
	"time"

	"github.com/nao1215/tbcrawler/internal/model"
)

// Report is the input of every writer.
type Report struct {
	// Root is the crawl directory the records belong to.
	Root string `json:"root"`

	GeneratedAt time.Time `json:"generated_at"`

	Summary model.CrawlSummary  `json:"summary"`
	Records []model.VisitRecord `json:"records"`
}

// New summarizes records of the crawl in root.
func New(root string, records []model.VisitRecord, now time.Time) *Report {
	return &Report{
		Root:        root,
		GeneratedAt: now,
		Summary:     model.Summarize(records),
		Records:     records,
	}
}

// Problems returns the records that did not end ok, in crawl order.
func (r *Report) Problems() []model.VisitRecord {
	var out []model.VisitRecord
	for _, rec := range r.Records {
		if rec.Outcome != model.OutcomeOK {
			out = append(out, rec)
		}
	}
	return out
}

// SuccessRate returns the share of visits that ended ok, in percent.
func (r *Report) SuccessRate() float64 {
	total := r.Summary.Total()
	if total == 0 {
		return 0
	}
	return float64(r.Summary.Outcomes[model.OutcomeOK]) * 100 / float64(total)
}

// KeptRate returns the share of captured packets kept by filtering, in
// percent.
func (r *Report) KeptRate() float64 {
	if r.Summary.PacketsRead == 0 {
		return 0
	}
	return float64(r.Summary.PacketsKept) * 100 / float64(r.Summary.PacketsRead)
}
