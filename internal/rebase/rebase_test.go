package rebase

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/logging"
	"github.com/thoreinstein/snapkeep/internal/metadata"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

var day0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store *snapshot.Store
	tar   *archive.Tar
	src   string

	f, i1, i2 *snapshot.Snapshot
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func entries(spec string) []metadata.Entry {
	var out []metadata.Entry
	for _, f := range strings.Fields(spec) {
		out = append(out, metadata.Entry{Control: metadata.Control(f[0]), Name: f[1:]})
	}
	return out
}

func (fx *fixture) commit(t *testing.T, kind snapshot.Kind, base string, at time.Time, recs []metadata.Record, members, includes []string) *snapshot.Snapshot {
	t.Helper()
	s, err := fx.store.Create(kind, base, at, "host")
	require.NoError(t, err)
	require.NoError(t, s.WriteMetadata(metadata.NewHeader(at), recs))
	require.NoError(t, fx.tar.Create(context.Background(), s.NewArchive(archive.Gzip, 0), fx.src, members))
	require.NoError(t, s.AddInclude(includes...))
	require.NoError(t, s.Commit())
	return s
}

// newFixture builds F <- I1 <- I2 where I1 changed b.txt and added c.txt and
// I2 changed nothing.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.ForTest(t)
	st, err := snapshot.Open(t.TempDir(), logger)
	require.NoError(t, err)
	fx := &fixture{store: st, tar: archive.NewTar(logger), src: t.TempDir()}

	writeFile(t, fx.src, "data/a.txt", "a")
	writeFile(t, fx.src, "data/b.txt", "b1")
	writeFile(t, fx.src, "other/x.txt", "x")
	fx.f = fx.commit(t, snapshot.Full, "", day0, []metadata.Record{
		{Dir: "/data", Entries: entries("Ya.txt Yb.txt")},
		{Dir: "/other", Entries: entries("Yx.txt")},
	}, []string{"data/a.txt", "data/b.txt", "other/x.txt"}, []string{"/data", "/other"})

	writeFile(t, fx.src, "data/b.txt", "b2")
	writeFile(t, fx.src, "data/c.txt", "c")
	fx.i1 = fx.commit(t, snapshot.Incremental, fx.f.Name(), day0.Add(24*time.Hour), []metadata.Record{
		{Dir: "/data", Entries: entries("Na.txt Yb.txt Yc.txt")},
	}, []string{"data/b.txt", "data/c.txt"}, []string{"/data"})

	fx.i2 = fx.commit(t, snapshot.Incremental, fx.i1.Name(), day0.Add(48*time.Hour), []metadata.Record{
		{Dir: "/data", Entries: entries("Na.txt Nb.txt Nc.txt")},
	}, nil, []string{"/data", "/extra"})
	return fx
}

func (fx *fixture) engine(t *testing.T) *Engine {
	return NewEngine(fx.store, fx.tar, logging.ForTest(t))
}

func readMember(t *testing.T, s *snapshot.Snapshot, member string) string {
	t.Helper()
	ref, ok := s.Archive()
	require.True(t, ok)
	dest := t.TempDir()
	require.NoError(t, archive.NewTar(nil).Extract(context.Background(), ref, []string{member}, dest))
	data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(member)))
	require.NoError(t, err)
	return string(data)
}

func TestRebaseOnParent_Incremental(t *testing.T) {
	fx := newFixture(t)

	got, err := fx.engine(t).RebaseOnParent(context.Background(), fx.i2)
	require.NoError(t, err)
	assert.Equal(t, fx.i2.Name(), got.Name())
	assert.Equal(t, fx.f.Name(), got.Base())
	assert.True(t, got.IsCommitted())

	m, err := got.Metadata()
	require.NoError(t, err)
	assert.Equal(t, entries("Na.txt Yb.txt Yc.txt"), m.ListEntries("/data"))

	names, err := fx.tar.List(context.Background(), mustArchive(t, got))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"data/b.txt", "data/c.txt"}, names)
	assert.Equal(t, "b2", readMember(t, got, "data/b.txt"))

	inc, err := got.Includes()
	require.NoError(t, err)
	assert.Equal(t, []string{"/data", "/extra"}, inc)

	// I1 is no longer needed by anyone.
	deps, err := fx.store.Dependents(fx.i1.Name())
	require.NoError(t, err)
	assert.Empty(t, deps)

	leftovers, err := filepath.Glob(filepath.Join(got.Path(), workspacePrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

type member struct {
	hdr  *tar.Header
	body string
}

// writeGzipArchive replaces the archive at path with members, headers as given.
func writeGzipArchive(t *testing.T, path string, members []member) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for _, m := range members {
		m.hdr.Size = int64(len(m.body))
		require.NoError(t, tw.WriteHeader(m.hdr))
		_, err := tw.Write([]byte(m.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
}

func readHeaders(t *testing.T, ref archive.Ref) map[string]*tar.Header {
	t.Helper()
	f, err := os.Open(ref.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	out := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out[hdr.Name] = hdr
	}
}

func TestRebaseOnParent_KeepsMemberHeaders(t *testing.T) {
	fx := newFixture(t)
	writeGzipArchive(t, mustArchive(t, fx.i1).Path, []member{
		{hdr: &tar.Header{Typeflag: tar.TypeReg, Name: "data/b.txt", Mode: 0o4755, Uid: 1234, Gid: 5678,
			Uname: "alice", Gname: "staff", ModTime: day0}, body: "b2"},
		{hdr: &tar.Header{Typeflag: tar.TypeReg, Name: "data/c.txt", Mode: 0o640, Uid: 42, Gid: 43,
			ModTime: day0}, body: "c"},
	})

	got, err := fx.engine(t).RebaseOnParent(context.Background(), fx.i2)
	require.NoError(t, err)

	hdrs := readHeaders(t, mustArchive(t, got))
	require.Contains(t, hdrs, "data/b.txt")
	b := hdrs["data/b.txt"]
	assert.Equal(t, 1234, b.Uid)
	assert.Equal(t, 5678, b.Gid)
	assert.Equal(t, "alice", b.Uname)
	assert.Equal(t, "staff", b.Gname)
	assert.Equal(t, int64(0o4755), b.Mode)

	require.Contains(t, hdrs, "data/c.txt")
	assert.Equal(t, 42, hdrs["data/c.txt"].Uid)
	assert.Equal(t, int64(0o640), hdrs["data/c.txt"].Mode)

	assert.Equal(t, "b2", readMember(t, got, "data/b.txt"))
}

func TestRebaseChain_CollapsesToFull(t *testing.T) {
	fx := newFixture(t)

	got, err := fx.engine(t).RebaseChain(context.Background(), fx.i2, "")
	require.NoError(t, err)
	assert.True(t, got.IsFull())
	assert.True(t, strings.HasSuffix(got.Name(), ".ful"))
	assert.Equal(t, "", got.Base())
	assert.NoDirExists(t, fx.i2.Path())
	assert.NoFileExists(t, filepath.Join(got.Path(), snapshot.BaseFile))

	m, err := got.Metadata()
	require.NoError(t, err)
	assert.Equal(t, entries("Ya.txt Yb.txt Yc.txt"), m.ListEntries("/data"))
	assert.Equal(t, entries("Yx.txt"), m.ListEntries("/other"))
	assert.Equal(t, []string{"/data", "/other"}, m.Dirs())

	assert.Equal(t, "b2", readMember(t, got, "data/b.txt"), "newer content must win over the ancestor's")
	assert.Equal(t, "a", readMember(t, got, "data/a.txt"))
	assert.Equal(t, "x", readMember(t, got, "other/x.txt"))

	list, err := fx.store.List(true)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	leftovers, err := filepath.Glob(filepath.Join(got.Path(), workspacePrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRebaseOnParent_PromotionRewritesDependents(t *testing.T) {
	fx := newFixture(t)

	promoted, err := fx.engine(t).RebaseOnParent(context.Background(), fx.i1)
	require.NoError(t, err)
	assert.True(t, promoted.IsFull())

	i2, err := fx.store.Get(fx.i2.Name())
	require.NoError(t, err)
	assert.Equal(t, promoted.Name(), i2.Base())

	chain, err := i2.Chain()
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestRebaseOnParent_FailedPromotionStaysUncommitted(t *testing.T) {
	fx := newFixture(t)
	full := fx.i1.ParsedName().WithKind(snapshot.Full).String()
	require.NoError(t, os.Mkdir(filepath.Join(fx.store.Target(), full), 0o755))

	_, err := fx.engine(t).RebaseOnParent(context.Background(), fx.i1)
	require.Error(t, err)

	// Never a committed .inc without a base file.
	assert.False(t, fx.i1.IsCommitted())
	assert.NoFileExists(t, filepath.Join(fx.i1.Path(), snapshot.BaseFile))

	list, err := fx.store.List(true)
	require.NoError(t, err)
	for _, s := range list {
		assert.NotEqual(t, fx.i1.Name(), s.Name())
	}
	corrupt, err := fx.store.Corrupt()
	require.NoError(t, err)
	var kept bool
	for _, c := range corrupt {
		if c.Name == fx.i1.Name() {
			kept = c.Referenced
		}
	}
	assert.True(t, kept, "the dependents' base must be protected from sweeping")
}

func TestRebaseChain_StopsAtTarget(t *testing.T) {
	fx := newFixture(t)

	got, err := fx.engine(t).RebaseChain(context.Background(), fx.i2, fx.f.Name())
	require.NoError(t, err)
	assert.Equal(t, fx.f.Name(), got.Base())
	assert.False(t, got.IsFull())

	// Already there: nothing to do.
	again, err := fx.engine(t).RebaseChain(context.Background(), got, fx.f.Name())
	require.NoError(t, err)
	assert.Equal(t, got.Name(), again.Name())
}

func TestRebase_Preconditions(t *testing.T) {
	fx := newFixture(t)
	e := fx.engine(t)
	ctx := context.Background()

	_, err := e.RebaseOnParent(ctx, fx.f)
	assert.True(t, errors.Is(err, errors.ErrRebaseNotApplicable), "got %v", err)

	_, err = e.RebaseChain(ctx, fx.i1, fx.i2.Name())
	assert.True(t, errors.Is(err, errors.ErrRebaseOrder), "got %v", err)

	_, err = e.RebaseChain(ctx, fx.i1, fx.i1.Name())
	assert.True(t, errors.Is(err, errors.ErrRebaseOrder), "got %v", err)

	_, err = e.RebaseChain(ctx, fx.i2, "2000-01-01T00.00.00.000000.host.ful")
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

	require.NoError(t, fx.i2.SetBase("2000-01-01T00.00.00.000000.host.ful"))
	_, err = e.RebaseOnParent(ctx, fx.i2)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Create(ctx context.Context, ref archive.Ref, root string, members []string) error {
	return m.Called(ctx, ref, root, members).Error(0)
}

func (m *mockArchiver) List(ctx context.Context, ref archive.Ref) ([]string, error) {
	args := m.Called(ctx, ref)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func (m *mockArchiver) Extract(ctx context.Context, ref archive.Ref, members []string, dest string) error {
	return m.Called(ctx, ref, members, dest).Error(0)
}

func (m *mockArchiver) Append(ctx context.Context, ref archive.Ref, root string, members []string) error {
	return m.Called(ctx, ref, root, members).Error(0)
}

func (m *mockArchiver) Transfer(ctx context.Context, src, dst archive.Ref, members []string) error {
	return m.Called(ctx, src, dst, members).Error(0)
}

func dirState(t *testing.T, dir string) map[string]string {
	t.Helper()
	state := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		if d.IsDir() {
			state[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		state[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return state
}

func TestRebaseOnParent_FailureLeavesSnapshotUntouched(t *testing.T) {
	boom := errors.New("archiver exploded")
	tests := []struct {
		name  string
		setup func(m *mockArchiver)
	}{
		{
			name: "list fails",
			setup: func(m *mockArchiver) {
				m.On("List", mock.Anything, mock.Anything).Return(nil, boom)
			},
		},
		{
			name: "transfer fails",
			setup: func(m *mockArchiver) {
				m.On("List", mock.Anything, mock.Anything).Return([]string{"data/b.txt", "data/c.txt"}, nil)
				m.On("Transfer", mock.Anything, mock.Anything, mock.Anything, []string{"data/b.txt", "data/c.txt"}).Return(boom)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			before := dirState(t, fx.i2.Path())

			m := &mockArchiver{}
			tt.setup(m)
			e := NewEngine(fx.store, m, logging.ForTest(t))

			_, err := e.RebaseOnParent(context.Background(), fx.i2)
			require.Error(t, err)
			assert.True(t, errors.Is(err, boom))

			assert.Equal(t, before, dirState(t, fx.i2.Path()))
			assert.True(t, fx.i2.IsCommitted())
			assert.Equal(t, fx.i1.Name(), fx.i2.Base())
			m.AssertExpectations(t)
		})
	}
}

func TestMerge(t *testing.T) {
	parent := metadata.NewManifest(metadata.Header{}, []metadata.Record{
		{Dir: "/a", Entries: entries("Yone Ytwo Nthree Dsub")},
		{Dir: "/a/sub", Entries: entries("Ydeep")},
		{Dir: "/b", Entries: entries("Nonly")},
	})
	child := metadata.NewManifest(metadata.Header{}, []metadata.Record{
		{Dir: "/a", Entries: entries("Yone Ntwo Nthree Yfour")},
		{Dir: "/c", Entries: entries("Ynew")},
	})

	res := merge(parent, child)

	assert.Equal(t, []metadata.Record{
		{Dir: "/a", Entries: entries("Yone Ytwo Nthree Yfour Dsub")},
		{Dir: "/c", Entries: entries("Ynew")},
		{Dir: "/a/sub", Entries: entries("Ydeep")},
		{Dir: "/b", Entries: entries("Nonly")},
	}, res.merged)
	assert.Equal(t, []string{"a/two", "a/sub/deep"}, res.members())

	// Inputs are not modified.
	assert.Equal(t, entries("Yone Ntwo Nthree Yfour"), child.ListEntries("/a"))
}

func mustArchive(t *testing.T, s *snapshot.Snapshot) archive.Ref {
	t.Helper()
	ref, ok := s.Archive()
	require.True(t, ok)
	return ref
}
