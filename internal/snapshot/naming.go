package snapshot

import (
	"regexp"
	"strings"
	"time"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Kind distinguishes self-contained snapshots from incremental ones. The
// value is the suffix used in the directory name.
type Kind string

const (
	Full        Kind = "ful"
	Incremental Kind = "inc"
)

// TimeLayout is the UTC timestamp at the start of every snapshot name. It
// sorts lexicographically in time order and avoids ':' in file names.
const TimeLayout = "2006-01-02T15.04.05.000000"

var namePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}\.\d{2}\.\d{2}\.\d{6})\.(.+)\.(ful|inc)$`)

// Name is a parsed snapshot directory name.
type Name struct {
	Time time.Time
	Host string
	Kind Kind
}

// NewName formats a snapshot directory name.
func NewName(t time.Time, host string, kind Kind) string {
	return Name{Time: t, Host: host, Kind: kind}.String()
}

func (n Name) String() string {
	return n.Time.UTC().Format(TimeLayout) + "." + n.Host + "." + string(n.Kind)
}

// WithKind returns n with a different kind suffix.
func (n Name) WithKind(k Kind) Name {
	n.Kind = k
	return n
}

// ParseName parses a snapshot directory name. Host names may contain dots.
func ParseName(s string) (Name, error) {
	m := namePattern.FindStringSubmatch(s)
	if m == nil {
		return Name{}, errors.Newf("%q is not a snapshot name", s)
	}
	if strings.ContainsAny(m[2], "/\x00") {
		return Name{}, errors.Newf("%q has an invalid host part", s)
	}
	t, err := time.ParseInLocation(TimeLayout, m[1], time.UTC)
	if err != nil {
		return Name{}, errors.Wrapf(err, "parsing timestamp of %q", s)
	}
	return Name{Time: t, Host: m[2], Kind: Kind(m[3])}, nil
}
