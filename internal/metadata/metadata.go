package metadata

import (
	"strconv"
	"strings"
	"time"
)

// DefaultArchiver is the archiver identifier written into new headers.
const DefaultArchiver = "GNU tar-1.35"

// FormatVersion is the manifest format version produced by this package.
const FormatVersion = 2

// Control is the storage flag that prefixes every Entry.
type Control byte

// Known control flags. Any other byte is preserved verbatim.
const (
	// Included marks a file stored in this snapshot's archive.
	Included Control = 'Y'
	// NotIncluded marks a file that is unchanged and stored by an ancestor.
	NotIncluded Control = 'N'
	// Directory marks a nested directory described by its own Record.
	Directory Control = 'D'
)

func (c Control) String() string {
	switch c {
	case Included:
		return "included"
	case NotIncluded:
		return "not-included"
	case Directory:
		return "directory"
	}
	return "control(" + strconv.QuoteRune(rune(c)) + ")"
}

// Header precedes all Records.
type Header struct {
	// Archiver identifies the tool that produced the archive, e.g. "GNU tar-1.35".
	Archiver string
	// Version is the manifest format version.
	Version int
	// Seconds and Nanos record when the backup run started.
	Seconds int64
	Nanos   int64
}

// NewHeader returns a header stamped with t.
func NewHeader(t time.Time) Header {
	return Header{
		Archiver: DefaultArchiver,
		Version:  FormatVersion,
		Seconds:  t.Unix(),
		Nanos:    int64(t.Nanosecond()),
	}
}

// Time returns the backup start time recorded in the header.
func (h Header) Time() time.Time {
	return time.Unix(h.Seconds, h.Nanos)
}

func (h Header) banner() string {
	return h.Archiver + "-" + strconv.Itoa(h.Version)
}

// Stat holds the stat-like fields recorded for a directory.
type Stat struct {
	Dev   uint64
	Ino   uint64
	MTime int64
	Mode  uint32
	Size  int64
}

// Entry names one child of a directory.
type Entry struct {
	Control Control
	Name    string
}

// Record describes one directory and its children.
type Record struct {
	Dir     string
	Stat    Stat
	Entries []Entry
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Entries = append([]Entry(nil), r.Entries...)
	return out
}

// Path joins the record directory with an entry name.
func (r Record) Path(name string) string {
	if strings.HasSuffix(r.Dir, "/") {
		return r.Dir + name
	}
	return r.Dir + "/" + name
}

// MemberName converts an absolute path into the archive member name.
func MemberName(path string) string {
	return strings.TrimLeft(path, "/")
}
