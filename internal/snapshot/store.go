package snapshot

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Corrupt describes a directory in the target that is not a usable
// snapshot.
type Corrupt struct {
	Name   string
	Path   string
	Reason string
	// Sweepable is set when the directory was clearly written by this
	// engine, so a purge sweep may delete it.
	Sweepable bool
	// Referenced is set when a committed snapshot names this directory as
	// its base. Such a directory is never removed: it usually holds the
	// data of a rebase that was interrupted after its ver file went away.
	Referenced bool
}

// Store enumerates the snapshots of one target directory. It is not safe
// for concurrent use; callers serialize access with a lock on the target.
type Store struct {
	target string
	logger *slog.Logger

	loaded    bool
	snapshots []*Snapshot
	byName    map[string]*Snapshot
	corrupt   []Corrupt
}

// Open returns a Store for target, which must be an existing directory.
func Open(target string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, &errors.InvalidTargetError{Path: target, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &errors.InvalidTargetError{Path: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, &errors.InvalidTargetError{Path: abs, Err: errors.New("not a directory")}
	}
	return &Store{target: abs, logger: logger}, nil
}

// Target returns the absolute target directory.
func (st *Store) Target() string { return st.target }

// Logger returns the logger the store reports to.
func (st *Store) Logger() *slog.Logger { return st.logger }

// List returns committed snapshots sorted by name, newest first. The result
// is cached until forceReload is set or the store itself changes the target.
func (st *Store) List(forceReload bool) ([]*Snapshot, error) {
	if !st.loaded || forceReload {
		if err := st.load(); err != nil {
			return nil, err
		}
	}
	return slices.Clone(st.snapshots), nil
}

func (st *Store) load() error {
	entries, err := os.ReadDir(st.target)
	if err != nil {
		return &errors.InvalidTargetError{Path: st.target, Err: err}
	}

	var (
		snapshots []*Snapshot
		corrupt   []Corrupt
	)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(st.target, entry.Name())

		name, err := ParseName(entry.Name())
		if err != nil {
			c := Corrupt{Name: entry.Name(), Path: path, Reason: "invalid name", Sweepable: looksLikeSnapshot(path)}
			if c.Sweepable {
				st.logger.Warn("ignoring snapshot with invalid name", "path", path)
			}
			corrupt = append(corrupt, c)
			continue
		}
		if _, err := os.Stat(filepath.Join(path, VersionFile)); err != nil {
			st.logger.Warn("ignoring uncommitted snapshot", "path", path)
			corrupt = append(corrupt, Corrupt{Name: entry.Name(), Path: path, Reason: "not committed", Sweepable: true})
			continue
		}
		snapshots = append(snapshots, &Snapshot{name: name, path: path, store: st})
	}

	slices.SortFunc(snapshots, func(a, b *Snapshot) int {
		return strings.Compare(b.Name(), a.Name())
	})

	bases := make(map[string]struct{})
	for _, s := range snapshots {
		if b := s.Base(); b != "" {
			bases[b] = struct{}{}
		}
	}
	for i := range corrupt {
		if _, ok := bases[corrupt[i].Name]; ok {
			corrupt[i].Referenced = true
			st.logger.Warn("uncommitted snapshot is still a base", "path", corrupt[i].Path)
		}
	}

	st.snapshots = snapshots
	st.corrupt = corrupt
	st.byName = make(map[string]*Snapshot, len(snapshots))
	for _, s := range snapshots {
		st.byName[s.Name()] = s
	}
	st.loaded = true
	return nil
}

// looksLikeSnapshot reports whether dir carries any file this engine writes
// or a kind suffix, so unrelated directories in the target are never swept.
func looksLikeSnapshot(dir string) bool {
	if strings.HasSuffix(dir, "."+string(Full)) || strings.HasSuffix(dir, "."+string(Incremental)) {
		return true
	}
	for _, f := range []string{ManifestFile, VersionFile, BaseFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
			return true
		}
	}
	return false
}

func (st *Store) invalidate() {
	st.loaded = false
}

// Get returns the committed snapshot called name.
func (st *Store) Get(name string) (*Snapshot, error) {
	if !st.loaded {
		if err := st.load(); err != nil {
			return nil, err
		}
	}
	s, ok := st.byName[name]
	if !ok {
		return nil, &errors.NotFoundError{Name: name}
	}
	return s, nil
}

// Latest returns the newest committed snapshot, or nil if there is none.
func (st *Store) Latest() (*Snapshot, error) {
	list, err := st.List(false)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ByDateRange returns snapshots dated within [from, to], newest first.
func (st *Store) ByDateRange(from, to time.Time) ([]*Snapshot, error) {
	list, err := st.List(false)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, s := range list {
		d := s.Date()
		if !d.Before(from) && !d.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Dependents returns the snapshots whose base is name, newest first.
func (st *Store) Dependents(name string) ([]*Snapshot, error) {
	list, err := st.List(false)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, s := range list {
		if !s.IsFull() && s.Base() == name {
			out = append(out, s)
		}
	}
	return out, nil
}

// Broken returns the incremental snapshots whose chain does not reach a
// full snapshot.
func (st *Store) Broken() ([]*Snapshot, error) {
	list, err := st.List(false)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, s := range list {
		if _, err := s.Chain(); err != nil {
			if !errors.Is(err, errors.ErrBrokenChain) {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// Corrupt returns the directories excluded by the last load.
func (st *Store) Corrupt() ([]Corrupt, error) {
	if !st.loaded {
		if err := st.load(); err != nil {
			return nil, err
		}
	}
	return slices.Clone(st.corrupt), nil
}

// Create makes the directory for a new, uncommitted snapshot. Incremental
// snapshots must name their base.
func (st *Store) Create(kind Kind, base string, t time.Time, host string) (*Snapshot, error) {
	if kind == Incremental && base == "" {
		return nil, errors.New("incremental snapshot requires a base")
	}
	if kind == Full {
		base = ""
	}
	name := Name{Time: t.UTC().Truncate(time.Microsecond), Host: host, Kind: kind}
	path := filepath.Join(st.target, name.String())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating snapshot directory %s", path)
	}

	s := &Snapshot{name: name, path: path, store: st}
	if err := s.SetBase(base); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	st.invalidate()
	st.logger.Debug("created snapshot", "name", s.Name(), "base", base)
	return s, nil
}

// Delete removes the snapshot directory. It does not check dependents;
// retention is the only caller.
func (st *Store) Delete(s *Snapshot) error {
	if err := os.RemoveAll(s.path); err != nil {
		return errors.Wrapf(err, "removing snapshot %s", s.Name())
	}
	st.invalidate()
	st.logger.Info("deleted snapshot", "name", s.Name())
	return nil
}

// RemoveCorrupt deletes a directory reported by Corrupt.
func (st *Store) RemoveCorrupt(c Corrupt) error {
	if !c.Sweepable {
		return errors.Newf("%s does not look like a snapshot, refusing to remove it", c.Path)
	}
	if c.Referenced {
		return errors.Newf("%s is the base of a committed snapshot, refusing to remove it", c.Path)
	}
	if filepath.Dir(c.Path) != st.target {
		return errors.Newf("%s is outside %s", c.Path, st.target)
	}
	if err := os.RemoveAll(c.Path); err != nil {
		return errors.Wrapf(err, "removing %s", c.Path)
	}
	st.invalidate()
	st.logger.Info("swept corrupt snapshot", "name", c.Name, "reason", c.Reason)
	return nil
}

// Rename moves s to newName and points its dependents at the new name.
func (st *Store) Rename(s *Snapshot, newName Name) (*Snapshot, error) {
	dependents, err := st.Dependents(s.Name())
	if err != nil {
		return nil, err
	}

	path := filepath.Join(st.target, newName.String())
	if _, err := os.Lstat(path); err == nil {
		return nil, errors.Newf("snapshot %s already exists", newName)
	}
	if err := os.Rename(s.path, path); err != nil {
		return nil, errors.Wrapf(err, "renaming %s", s.Name())
	}
	renamed := &Snapshot{name: newName, path: path, store: st}
	if newName.Kind == Full {
		if err := renamed.SetBase(""); err != nil {
			return nil, err
		}
	}

	for _, d := range dependents {
		if err := d.SetBase(newName.String()); err != nil {
			return nil, errors.Wrapf(err, "updating base of %s", d.Name())
		}
	}
	st.invalidate()
	st.logger.Info("renamed snapshot", "from", s.Name(), "to", renamed.Name())
	return renamed, nil
}
