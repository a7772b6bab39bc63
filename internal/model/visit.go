package model

import (
	"net/netip"
	"sort"
	"time"
)

// VisitRecord describes one visit of a crawl. Visits that are re-run after
// a resume produce a second record with the same GlobalVisit; the later one
// wins.
type VisitRecord struct {
	Batch       int    `json:"batch"`
	Site        int    `json:"site"`
	Visit       int    `json:"visit"`
	Instance    int    `json:"instance"`
	GlobalVisit int    `json:"global_visit"`
	URL         string `json:"url"`

	// Dir is the visit directory relative to the crawl root, including the
	// captcha prefix when one was detected.
	Dir string `json:"dir"`

	Outcome Outcome `json:"outcome"`
	Captcha bool    `json:"captcha"`

	// Error is the message of the failure that ended or degraded the visit.
	Error string `json:"error,omitempty"`

	// EntryIPs are the entry relay addresses the capture was filtered against.
	EntryIPs []netip.Addr `json:"entry_ips,omitempty"`

	PacketsRead     int `json:"packets_read"`
	PacketsKept     int `json:"packets_kept"`
	PacketsStripped int `json:"packets_stripped"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SiteSummary aggregates the visits of one URL.
type SiteSummary struct {
	Site     int             `json:"site"`
	URL      string          `json:"url"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Captchas int             `json:"captchas"`
}

// Visits returns the number of recorded visits to the site.
func (s SiteSummary) Visits() int {
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// CrawlSummary aggregates all visit records of a crawl.
type CrawlSummary struct {
	Outcomes map[Outcome]int `json:"outcomes"`
	Captchas int             `json:"captchas"`
	Sites    []SiteSummary   `json:"sites"`

	PacketsRead int `json:"packets_read"`
	PacketsKept int `json:"packets_kept"`

	FirstVisit time.Time `json:"first_visit"`
	LastVisit  time.Time `json:"last_visit"`
}

// Summarize aggregates records. Sites are ordered by index.
func Summarize(records []VisitRecord) CrawlSummary {
	sum := CrawlSummary{Outcomes: make(map[Outcome]int)}
	sites := make(map[int]*SiteSummary)

	for _, r := range records {
		sum.Outcomes[r.Outcome]++
		sum.PacketsRead += r.PacketsRead
		sum.PacketsKept += r.PacketsKept
		if r.Captcha {
			sum.Captchas++
		}
		if !r.StartedAt.IsZero() {
			if sum.FirstVisit.IsZero() || r.StartedAt.Before(sum.FirstVisit) {
				sum.FirstVisit = r.StartedAt
			}
			if end := r.StartedAt.Add(r.Duration); end.After(sum.LastVisit) {
				sum.LastVisit = end
			}
		}

		s, ok := sites[r.Site]
		if !ok {
			s = &SiteSummary{Site: r.Site, URL: r.URL, Outcomes: make(map[Outcome]int)}
			sites[r.Site] = s
		}
		s.Outcomes[r.Outcome]++
		if r.Captcha {
			s.Captchas++
		}
	}

	for _, s := range sites {
		sum.Sites = append(sum.Sites, *s)
	}
	sort.Slice(sum.Sites, func(i, j int) bool { return sum.Sites[i].Site < sum.Sites[j].Site })
	return sum
}

// Total returns the number of summarized visits.
func (s CrawlSummary) Total() int {
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}
