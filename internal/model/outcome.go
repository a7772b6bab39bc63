package model

import "fmt"

// Outcome is the result of a single visit.
type Outcome int

const (
	// OutcomeOK means the page loaded and the capture was kept.
	OutcomeOK Outcome = iota

	// OutcomeTimeout means the soft, hard or capture stop timeout fired.
	OutcomeTimeout

	// OutcomeFailed means a browser, network or capture error ended the visit.
	OutcomeFailed

	// OutcomeSkipped means the visit never started, e.g. because the URL is
	// too long or the batch had no Tor session.
	OutcomeSkipped
)

// outcomes lists every outcome in report order.
var outcomes = []Outcome{OutcomeOK, OutcomeTimeout, OutcomeFailed, OutcomeSkipped}

// Outcomes returns all outcomes in report order.
func Outcomes() []Outcome {
	return append([]Outcome(nil), outcomes...)
}

// String returns the lower case name used in logs and the database.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range outcomes {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown visit outcome %q", s)
}

// MarshalText encodes the outcome by name, in records and as a map key.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}
