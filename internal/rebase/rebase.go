package rebase

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/juju/collections/set"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/metadata"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
	"github.com/thoreinstein/snapkeep/pkg/fileutil"
)

const (
	workspacePrefix = ".rebase-"
	deltaFile       = "delta.snar"
)

// Engine rebases incremental snapshots onto older ancestors.
type Engine struct {
	store    *snapshot.Store
	archiver archive.Archiver
	logger   *slog.Logger
}

// NewEngine returns an Engine operating on store.
func NewEngine(store *snapshot.Store, archiver archive.Archiver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = store.Logger()
	}
	return &Engine{store: store, archiver: archiver, logger: logger}
}

// RebaseOnParent removes c's dependency on its immediate parent b: the
// content c needs from b is copied into c and c's base becomes b's base.
// When b is full, c is promoted to a full snapshot and renamed; the returned
// snapshot always carries the current identity.
//
// Until the commit point nothing in c's directory is modified, so a failure
// leaves c exactly as it was.
func (e *Engine) RebaseOnParent(ctx context.Context, c *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if c.IsFull() {
		return nil, &errors.RebaseNotApplicableError{Name: c.Name()}
	}
	b, err := e.store.Get(c.Base())
	if err != nil {
		return nil, err
	}
	if !b.Older(c) {
		return nil, &errors.RebaseOrderError{Name: c.Name(), Target: b.Name()}
	}

	logger := e.logger.With("snapshot", c.Name(), "parent", b.Name())
	logger.Debug("rebasing snapshot")

	ws, err := os.MkdirTemp(c.Path(), workspacePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating rebase workspace")
	}
	defer os.RemoveAll(ws)

	staged, err := e.stage(ctx, b, c, ws, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "rebasing %s off %s", c.Name(), b.Name())
	}

	if err := e.swap(c, b.Base(), staged); err != nil {
		logger.Error("rebase failed after commit point, snapshot left uncommitted", "error", err)
		return nil, errors.Wrapf(err, "committing rebase of %s", c.Name())
	}
	// The workspace must be gone before a promotion renames the directory.
	if err := os.RemoveAll(ws); err != nil {
		logger.Warn("removing rebase workspace", "error", err)
	}

	// A promoted snapshot is renamed before ver is written, so a committed
	// .inc never lacks its base file.
	if b.IsFull() {
		promoted, err := e.store.Rename(c, c.ParsedName().WithKind(snapshot.Full))
		if err != nil {
			logger.Error("promotion failed, snapshot left uncommitted", "error", err)
			return nil, errors.Wrapf(err, "promoting %s", c.Name())
		}
		if err := promoted.Commit(); err != nil {
			return nil, errors.Wrapf(err, "committing rebase of %s", promoted.Name())
		}
		logger.Info("rebased snapshot", "new_base", "", "promoted", promoted.Name(), "moved", staged.moved)
		return promoted, nil
	}

	if err := c.Commit(); err != nil {
		return nil, errors.Wrapf(err, "committing rebase of %s", c.Name())
	}
	logger.Info("rebased snapshot", "new_base", b.Base(), "moved", staged.moved)

	if _, err := e.store.List(true); err != nil {
		return nil, err
	}
	return e.store.Get(c.Name())
}

// RebaseChain rebases c repeatedly until its base is target. An empty
// target collapses c into a full snapshot.
func (e *Engine) RebaseChain(ctx context.Context, c *snapshot.Snapshot, target string) (*snapshot.Snapshot, error) {
	if target != "" {
		t, err := e.store.Get(target)
		if err != nil {
			return nil, err
		}
		if !t.Older(c) {
			return nil, &errors.RebaseOrderError{Name: c.Name(), Target: target}
		}
		chain, err := c.Chain()
		if err != nil {
			return nil, err
		}
		if !slices.ContainsFunc(chain, func(s *snapshot.Snapshot) bool { return s.Name() == target }) {
			return nil, errors.Newf("%s is not an ancestor of %s", target, c.Name())
		}
	}

	for !c.IsFull() && c.Base() != target {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := e.RebaseOnParent(ctx, c)
		if err != nil {
			return nil, err
		}
		c = next
	}
	return c, nil
}

// staged holds everything prepared inside the workspace.
type staged struct {
	manifest string
	archive  archive.Ref
	hasArch  bool
	lists    map[string]string
	moved    int
}

func (e *Engine) stage(ctx context.Context, b, c *snapshot.Snapshot, ws string, logger *slog.Logger) (*staged, error) {
	bm, err := metadata.Load(b.ManifestPath())
	if err != nil {
		return nil, err
	}
	cm, err := metadata.Load(c.ManifestPath())
	if err != nil {
		return nil, err
	}

	res := merge(bm, cm)
	out := &staged{
		manifest: filepath.Join(ws, snapshot.ManifestFile),
		lists:    make(map[string]string),
	}
	if err := metadata.NewManifest(cm.Header(), res.merged).Save(out.manifest); err != nil {
		return nil, err
	}
	if err := metadata.NewManifest(bm.Header(), res.delta).Save(filepath.Join(ws, deltaFile)); err != nil {
		return nil, err
	}

	cRef, cHas := c.Archive()
	if cHas {
		tmp := archive.NewRef(ws, cRef.Compression, cRef.SplitSize)
		if out.archive, err = cRef.CopyTo(tmp); err != nil {
			return nil, err
		}
		out.archive.SplitSize = cRef.SplitSize
		out.hasArch = true
	}

	if members := res.members(); len(members) > 0 {
		moved, err := e.moveMembers(ctx, b, ws, members, out, logger)
		if err != nil {
			return nil, err
		}
		out.moved = moved
	}

	for _, name := range []string{snapshot.IncludesFile, snapshot.ExcludesFile} {
		path, err := stageList(b, c, ws, name)
		if err != nil {
			return nil, err
		}
		out.lists[name] = path
	}
	return out, nil
}

// moveMembers copies members from b's archive into the staged copy of c's
// archive, headers included. Members the parent's archive does not hold
// (files that vanished while the parent was written) are skipped.
func (e *Engine) moveMembers(ctx context.Context, b *snapshot.Snapshot, ws string, members []string, out *staged, logger *slog.Logger) (int, error) {
	bRef, ok := b.Archive()
	if !ok {
		logger.Warn("parent has no archive, nothing to move", "members", len(members))
		return 0, nil
	}

	stored, err := e.archiver.List(ctx, bRef)
	if err != nil {
		return 0, err
	}
	available := set.NewStrings(stored...)
	var move []string
	for _, m := range members {
		if available.Contains(m) {
			move = append(move, m)
		} else {
			logger.Warn("member missing from parent archive", "member", m)
		}
	}
	if len(move) == 0 {
		return 0, nil
	}

	if !out.hasArch {
		out.archive = archive.NewRef(ws, bRef.Compression, bRef.SplitSize)
		out.hasArch = true
	}
	if err := e.archiver.Transfer(ctx, bRef, out.archive, move); err != nil {
		return 0, err
	}
	return len(move), nil
}

// stageList writes the union of b's and c's list called name into ws.
func stageList(b, c *snapshot.Snapshot, ws, name string) (string, error) {
	lines := set.NewStrings()
	for _, s := range []*snapshot.Snapshot{c, b} {
		l, err := fileutil.ReadLines(filepath.Join(s.Path(), name))
		if err != nil {
			return "", err
		}
		lines = lines.Union(set.NewStrings(l...))
	}
	path := filepath.Join(ws, name)
	if err := fileutil.AtomicWriteLines(path, lines.SortedValues(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// swap moves the staged files into c and points it at newBase. The ver
// marker is removed first and is left for the caller to write, so an
// interruption leaves c visibly uncommitted rather than half rebased.
func (e *Engine) swap(c *snapshot.Snapshot, newBase string, st *staged) error {
	if err := c.Uncommit(); err != nil {
		return err
	}
	if st.hasArch {
		if err := st.archive.MoveTo(archive.NewRef(c.Path(), st.archive.Compression, st.archive.SplitSize)); err != nil {
			return err
		}
	}
	if err := os.Rename(st.manifest, c.ManifestPath()); err != nil {
		return errors.Wrap(err, "replacing manifest")
	}
	for name, path := range st.lists {
		if err := os.Rename(path, filepath.Join(c.Path(), name)); err != nil {
			return errors.Wrapf(err, "replacing %s", name)
		}
	}
	return c.SetBase(newBase)
}
