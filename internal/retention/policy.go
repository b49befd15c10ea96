package retention

import (
	"strconv"
	"strings"
	"time"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Mode selects how Purge chooses snapshots to remove.
type Mode int

const (
	// Off disables purging.
	Off Mode = iota
	// Age removes everything older than a number of days.
	Age
	// Log thins out snapshots in buckets that widen with age.
	Log
)

// Policy is a parsed purge setting.
type Policy struct {
	Mode Mode
	Days int
}

// ParsePolicy accepts "", "log" or a positive number of days.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "off", "none":
		return Policy{Mode: Off}, nil
	case "log":
		return Policy{Mode: Log}, nil
	}
	days, err := strconv.Atoi(s)
	if err != nil || days <= 0 {
		return Policy{}, errors.Newf("invalid purge policy %q: want \"log\" or a positive number of days", s)
	}
	return Policy{Mode: Age, Days: days}, nil
}

func (p Policy) String() string {
	switch p.Mode {
	case Age:
		return strconv.Itoa(p.Days)
	case Log:
		return "log"
	}
	return "off"
}

const day = 24 * time.Hour

// bucket is a half-open age interval [Start, End).
type bucket struct {
	Start, End time.Duration
}

func (b bucket) contains(age time.Duration) bool {
	return age >= b.Start && age < b.End
}

// logBuckets partitions ages from one day up to at least maxAge. Snapshots
// younger than a day are never thinned. Every bucket has a non-zero width.
func logBuckets(maxAge time.Duration) []bucket {
	steps := []struct {
		width, until time.Duration
	}{
		{day, 7 * day},
		{7 * day, 28 * day},
		{30 * day, 365 * day},
	}

	var out []bucket
	start := day
	for _, s := range steps {
		for start < s.until {
			end := min(start+s.width, s.until)
			out = append(out, bucket{start, end})
			start = end
		}
	}
	for start <= maxAge {
		out = append(out, bucket{start, start + 365*day})
		start += 365 * day
	}
	return out
}
