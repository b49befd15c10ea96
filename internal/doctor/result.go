package doctor

import "encoding/json"

// Severity orders check outcomes; a higher value is worse.
type Severity int

const (
	SeverityPass Severity = iota
	// SeverityInfo reports state worth knowing, such as a target that a
	// first backup will create.
	SeverityInfo
	// SeverityWarning means backups still work but something needs care,
	// like leftovers from an interrupted run or a target others can read.
	SeverityWarning
	// SeverityError means a backup, rebase or restore would fail.
	SeverityError
)

var severityNames = [...]string{"pass", "info", "warning", "error"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Category groups checks by what they inspect.
type Category string

const (
	CategoryConfig    Category = "config"
	CategoryTarget    Category = "target"
	CategorySnapshots Category = "snapshots"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Status   Severity `json:"status"`
	Message  string   `json:"message"`

	// Snapshots names the snapshot directories the result is about, so a
	// caller can act on them without parsing Details.
	Snapshots []string `json:"snapshots,omitempty"`

	// Details holds check specific values such as free bytes or the list
	// of foreign directories in the target.
	Details map[string]any `json:"details,omitempty"`

	// Fixable is set when doctor --fix can repair the problem.
	Fixable bool   `json:"fixable,omitempty"`
	FixHint string `json:"fix_hint,omitempty"`
}

// Summary counts results per severity.
type Summary struct {
	Passed   int `json:"passed"`
	Info     int `json:"info"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
}

func (s *Summary) record(sev Severity) {
	switch sev {
	case SeverityPass:
		s.Passed++
	case SeverityInfo:
		s.Info++
	case SeverityWarning:
		s.Warnings++
	case SeverityError:
		s.Errors++
	}
}

// Worst returns the highest severity counted.
func (s Summary) Worst() Severity {
	switch {
	case s.Errors > 0:
		return SeverityError
	case s.Warnings > 0:
		return SeverityWarning
	case s.Info > 0:
		return SeverityInfo
	}
	return SeverityPass
}

func newResult(c Check, status Severity, msg string) *CheckResult {
	return &CheckResult{Name: c.Name(), Category: c.Category(), Status: status, Message: msg}
}
