package metadata

import (
	"bufio"
	"os"
	"path"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/pkg/fileutil"
)

// Manifest is a decoded manifest with an index built once at load time.
type Manifest struct {
	header  Header
	records []Record

	dirs    map[string]int
	entries []map[string]int
}

// NewManifest indexes header and records. Records are used as-is.
func NewManifest(h Header, records []Record) *Manifest {
	m := &Manifest{
		header:  h,
		records: records,
		dirs:    make(map[string]int, len(records)),
		entries: make([]map[string]int, len(records)),
	}
	for i, rec := range records {
		m.dirs[rec.Dir] = i
		names := make(map[string]int, len(rec.Entries))
		for j, e := range rec.Entries {
			names[e.Name] = j
		}
		m.entries[i] = names
	}
	return m
}

// Load reads and indexes the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata")
	}
	defer f.Close()

	h, records, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return NewManifest(h, records), nil
}

// Save writes the manifest to path through a temp file and rename.
func (m *Manifest) Save(path string) error {
	data, err := Encode(m.header, m.records)
	if err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(path, data, 0o644)
}

// Header returns the manifest header.
func (m *Manifest) Header() Header { return m.header }

// Records returns the records in manifest order. The slice must not be modified.
func (m *Manifest) Records() []Record { return m.records }

// Dirs returns the directory of every record in manifest order.
func (m *Manifest) Dirs() []string {
	out := make([]string, len(m.records))
	for i, rec := range m.records {
		out[i] = rec.Dir
	}
	return out
}

// Len returns the number of records.
func (m *Manifest) Len() int { return len(m.records) }

// Lookup returns the Record for directory dir.
func (m *Manifest) Lookup(dir string) (Record, bool) {
	i, ok := m.dirs[dir]
	if !ok {
		return Record{}, false
	}
	return m.records[i], true
}

// ListEntries returns the entries recorded for dir, or nil if dir is unknown.
func (m *Manifest) ListEntries(dir string) []Entry {
	i, ok := m.dirs[dir]
	if !ok {
		return nil
	}
	return m.records[i].Entries
}

// Entry looks up the entry for a file path through its parent directory.
func (m *Manifest) Entry(p string) (Entry, bool) {
	i, ok := m.dirs[path.Dir(p)]
	if !ok {
		return Entry{}, false
	}
	j, ok := m.entries[i][path.Base(p)]
	if !ok {
		return Entry{}, false
	}
	return m.records[i].Entries[j], true
}

// Stored returns the archive member names of every Included entry.
func (m *Manifest) Stored() []string {
	var out []string
	for _, rec := range m.records {
		for _, e := range rec.Entries {
			if e.Control == Included {
				out = append(out, MemberName(rec.Path(e.Name)))
			}
		}
	}
	return out
}

// FileWriter streams a manifest into a file.
type FileWriter struct {
	*Writer
	f       *os.File
	records int
}

// Create truncates path and writes the header.
func Create(path string, h Header) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "creating metadata file")
	}
	w, err := NewWriter(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileWriter{Writer: w, f: f}, nil
}

// AppendRecord encodes one Record into the file.
func (fw *FileWriter) AppendRecord(rec Record) error {
	if err := fw.Writer.AppendRecord(rec); err != nil {
		return err
	}
	fw.records++
	return nil
}

// Records returns how many records were appended.
func (fw *FileWriter) Records() int { return fw.records }

// Close flushes, syncs and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.Flush(); err != nil {
		fw.f.Close()
		return errors.Wrap(err, "flushing metadata")
	}
	if err := fw.f.Sync(); err != nil {
		fw.f.Close()
		return errors.Wrap(err, "syncing metadata")
	}
	return errors.Wrap(fw.f.Close(), "closing metadata")
}
