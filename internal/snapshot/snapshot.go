package snapshot

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juju/collections/set"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/metadata"
	"github.com/thoreinstein/snapkeep/pkg/fileutil"
)

// Files inside a snapshot directory.
const (
	ManifestFile = "files.snar"
	BaseFile     = "base"
	VersionFile  = "ver"
	IncludesFile = "includes.list"
	ExcludesFile = "excludes.list"
	RegexFile    = "regex.list"
	PackagesFile = "packages"
)

// Snapshot is one backup directory inside a Store.
type Snapshot struct {
	name  Name
	path  string
	store *Store

	manifest *metadata.Manifest
}

// Name returns the directory name.
func (s *Snapshot) Name() string { return s.name.String() }

// ParsedName returns the decoded directory name.
func (s *Snapshot) ParsedName() Name { return s.name }

// Path returns the snapshot directory.
func (s *Snapshot) Path() string { return s.path }

// Kind returns whether the snapshot is full or incremental.
func (s *Snapshot) Kind() Kind { return s.name.Kind }

// IsFull reports whether the snapshot is self-contained.
func (s *Snapshot) IsFull() bool { return s.name.Kind == Full }

// Date returns the time encoded in the name.
func (s *Snapshot) Date() time.Time { return s.name.Time }

// Older reports whether s sorts strictly before other.
func (s *Snapshot) Older(other *Snapshot) bool { return s.Name() < other.Name() }

func (s *Snapshot) file(name string) string {
	return filepath.Join(s.path, name)
}

// Base returns the name of the parent snapshot, or "" for a full snapshot.
func (s *Snapshot) Base() string {
	if s.IsFull() {
		return ""
	}
	base, err := fileutil.ReadMarker(s.file(BaseFile))
	if err != nil {
		return ""
	}
	return base
}

// SetBase points the snapshot at a new parent. An empty name removes the
// base file.
func (s *Snapshot) SetBase(name string) error {
	if name == "" {
		if err := os.Remove(s.file(BaseFile)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing base file")
		}
		return nil
	}
	return fileutil.AtomicWriteFile(s.file(BaseFile), []byte(name+"\n"), 0o644)
}

// BaseSnapshot resolves the parent through the owning store. It returns nil
// for a full snapshot and a BrokenChainError if the parent is missing.
func (s *Snapshot) BaseSnapshot() (*Snapshot, error) {
	if s.IsFull() {
		return nil, nil
	}
	base := s.Base()
	if base == "" || s.store == nil {
		return nil, &errors.BrokenChainError{Name: s.Name(), Base: base}
	}
	parent, err := s.store.Get(base)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, &errors.BrokenChainError{Name: s.Name(), Base: base}
		}
		return nil, err
	}
	return parent, nil
}

// Chain returns s followed by its ancestors, ending with a full snapshot.
func (s *Snapshot) Chain() ([]*Snapshot, error) {
	chain := []*Snapshot{s}
	cur := s
	for !cur.IsFull() {
		parent, err := cur.BaseSnapshot()
		if err != nil {
			return nil, err
		}
		if !parent.Older(cur) {
			return nil, &errors.BrokenChainError{Name: cur.Name(), Base: parent.Name()}
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// Version returns the committed format version.
func (s *Snapshot) Version() (int, error) {
	data, err := fileutil.ReadMarker(s.file(VersionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &errors.IncompleteSnapshotError{Name: s.Name()}
		}
		return 0, errors.Wrap(err, "reading version file")
	}
	v, err := strconv.Atoi(data)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing version of %s", s.Name())
	}
	return v, nil
}

// IsCommitted reports whether the ver marker is present.
func (s *Snapshot) IsCommitted() bool {
	_, err := os.Stat(s.file(VersionFile))
	return err == nil
}

// Commit writes the ver marker. The manifest must have been written first.
func (s *Snapshot) Commit() error {
	if _, err := os.Stat(s.file(ManifestFile)); err != nil {
		return &errors.IncompleteSnapshotError{Name: s.Name()}
	}
	data := []byte(strconv.Itoa(metadata.FormatVersion) + "\n")
	return fileutil.AtomicWriteFile(s.file(VersionFile), data, 0o644)
}

// Uncommit removes the ver marker so an interrupted rewrite is never taken
// for a committed snapshot.
func (s *Snapshot) Uncommit() error {
	if err := os.Remove(s.file(VersionFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing version file")
	}
	return nil
}

// Includes returns the explicit include list.
func (s *Snapshot) Includes() ([]string, error) { return fileutil.ReadLines(s.file(IncludesFile)) }

// Excludes returns the explicit exclude list.
func (s *Snapshot) Excludes() ([]string, error) { return fileutil.ReadLines(s.file(ExcludesFile)) }

// Regexes returns the exclusion expressions in effect for this snapshot.
func (s *Snapshot) Regexes() ([]string, error) { return fileutil.ReadLines(s.file(RegexFile)) }

// AddInclude adds paths to the include list. Adding a path twice is a no-op.
func (s *Snapshot) AddInclude(paths ...string) error { return s.addLines(IncludesFile, paths) }

// AddExclude adds paths to the exclude list. Adding a path twice is a no-op.
func (s *Snapshot) AddExclude(paths ...string) error { return s.addLines(ExcludesFile, paths) }

func (s *Snapshot) addLines(file string, paths []string) error {
	existing, err := fileutil.ReadLines(s.file(file))
	if err != nil {
		return err
	}
	lines := set.NewStrings(existing...)
	for _, p := range paths {
		lines.Add(p)
	}
	if lines.Size() == len(existing) {
		return nil
	}
	return fileutil.AtomicWriteLines(s.file(file), lines.SortedValues(), 0o644)
}

// SetRegexes replaces the stored exclusion expressions.
func (s *Snapshot) SetRegexes(exprs []string) error {
	return fileutil.AtomicWriteLines(s.file(RegexFile), exprs, 0o644)
}

// Packages returns the stored package listing, or nil if none was recorded.
func (s *Snapshot) Packages() ([]byte, error) {
	data, err := os.ReadFile(s.file(PackagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading package listing")
	}
	return data, nil
}

// SetPackages stores an opaque package listing.
func (s *Snapshot) SetPackages(data []byte) error {
	return fileutil.AtomicWriteFile(s.file(PackagesFile), data, 0o644)
}

// ManifestPath returns the location of the manifest file.
func (s *Snapshot) ManifestPath() string { return s.file(ManifestFile) }

// Metadata loads the manifest on first use.
func (s *Snapshot) Metadata() (*metadata.Manifest, error) {
	if s.manifest != nil {
		return s.manifest, nil
	}
	m, err := metadata.Load(s.ManifestPath())
	if err != nil {
		return nil, err
	}
	s.manifest = m
	return m, nil
}

// WriteMetadata replaces the manifest.
func (s *Snapshot) WriteMetadata(h metadata.Header, records []metadata.Record) error {
	m := metadata.NewManifest(h, records)
	if err := m.Save(s.ManifestPath()); err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// CreateMetadata starts a streamed manifest for the snapshot.
func (s *Snapshot) CreateMetadata(h metadata.Header) (*metadata.FileWriter, error) {
	s.manifest = nil
	return metadata.Create(s.ManifestPath(), h)
}

// Archive locates the archive stored in the snapshot.
func (s *Snapshot) Archive() (archive.Ref, bool) {
	return archive.Detect(s.path)
}

// NewArchive returns the reference a new archive should be written to.
func (s *Snapshot) NewArchive(c archive.Compression, splitSize int64) archive.Ref {
	return archive.NewRef(s.path, c, splitSize)
}
