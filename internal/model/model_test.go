package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		outcome  Outcome
		expected string
	}{
		{OutcomeOK, "ok"},
		{OutcomeTimeout, "timeout"},
		{OutcomeFailed, "failed"},
		{OutcomeSkipped, "skipped"},
		{Outcome(99), "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()
			if tc.outcome.String() != tc.expected {
				t.Errorf("got %q, expected %q", tc.outcome.String(), tc.expected)
			}
		})
	}
}

func TestParseOutcome(t *testing.T) {
	t.Parallel()

	for _, o := range Outcomes() {
		got, err := ParseOutcome(o.String())
		if err != nil || got != o {
			t.Errorf("ParseOutcome(%q) = %v, %v", o.String(), got, err)
		}
	}
	if _, err := ParseOutcome("unknown"); err == nil {
		t.Error("expected error for unknown outcome")
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []VisitRecord{
		{Site: 1, URL: "https://b.example", Outcome: OutcomeOK, PacketsRead: 10, PacketsKept: 4, StartedAt: start.Add(time.Minute), Duration: time.Second},
		{Site: 0, URL: "https://a.example", Outcome: OutcomeOK, Captcha: true, PacketsRead: 5, PacketsKept: 5, StartedAt: start, Duration: time.Second},
		{Site: 0, URL: "https://a.example", Outcome: OutcomeTimeout, StartedAt: start.Add(30 * time.Second), Duration: 2 * time.Minute},
		{Site: 1, URL: "https://b.example", Outcome: OutcomeSkipped},
	}

	sum := Summarize(records)
	if sum.Total() != 4 {
		t.Errorf("Total() = %d, want 4", sum.Total())
	}
	if sum.Outcomes[OutcomeOK] != 2 || sum.Outcomes[OutcomeTimeout] != 1 || sum.Outcomes[OutcomeSkipped] != 1 {
		t.Errorf("outcomes = %v", sum.Outcomes)
	}
	if sum.Captchas != 1 || sum.PacketsRead != 15 || sum.PacketsKept != 9 {
		t.Errorf("unexpected totals %+v", sum)
	}
	if !sum.FirstVisit.Equal(start) {
		t.Errorf("FirstVisit = %v, want %v", sum.FirstVisit, start)
	}
	if want := start.Add(30*time.Second + 2*time.Minute); !sum.LastVisit.Equal(want) {
		t.Errorf("LastVisit = %v, want %v", sum.LastVisit, want)
	}

	if len(sum.Sites) != 2 || sum.Sites[0].Site != 0 || sum.Sites[1].Site != 1 {
		t.Fatalf("sites = %+v", sum.Sites)
	}
	if sum.Sites[0].Visits() != 2 || sum.Sites[0].Captchas != 1 {
		t.Errorf("site 0 = %+v", sum.Sites[0])
	}
}

func TestOutcomeJSON(t *testing.T) {
	t.Parallel()

	in := map[Outcome]int{OutcomeOK: 3, OutcomeTimeout: 1}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":3,"timeout":1}` {
		t.Errorf("Marshal() = %s", data)
	}

	var out map[Outcome]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out[OutcomeOK] != 3 || out[OutcomeTimeout] != 1 {
		t.Errorf("Unmarshal() = %v", out)
	}

	var o Outcome
	if err := json.Unmarshal([]byte(`"crashed"`), &o); err == nil {
		t.Error("expected error for an unknown outcome")
	}
}
