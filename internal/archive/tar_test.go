package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/snapkeep/internal/logging"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestTar_CreateListExtract(t *testing.T) {
	for _, c := range []Compression{None, Gzip, Bzip2} {
		t.Run(string(c), func(t *testing.T) {
			ctx := context.Background()
			src := t.TempDir()
			writeTree(t, src, map[string]string{
				"data/a.txt":     "alpha",
				"data/sub/b.txt": "bravo",
			})

			ar := NewTar(logging.ForTest(t))
			ref := NewRef(t.TempDir(), c, 0)
			require.NoError(t, ar.Create(ctx, ref, src, []string{"data/a.txt", "data/sub/b.txt"}))
			assert.True(t, ref.Exists())

			names, err := ar.List(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, []string{"data/a.txt", "data/sub/b.txt"}, names)

			dest := t.TempDir()
			require.NoError(t, ar.Extract(ctx, ref, []string{"data/sub/b.txt"}, dest))
			got, err := os.ReadFile(filepath.Join(dest, "data", "sub", "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "bravo", string(got))
			assert.NoFileExists(t, filepath.Join(dest, "data", "a.txt"))
		})
	}
}

func TestTar_CreateSkipsVanishedMembers(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"keep.txt": "k"})

	ar := NewTar(logging.ForTest(t))
	ref := NewRef(t.TempDir(), Gzip, 0)
	require.NoError(t, ar.Create(context.Background(), ref, src, []string{"keep.txt", "gone.txt"}))

	names, err := ar.List(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, names)
}

func TestTar_Symlink(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"target.txt": "t"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	ctx := context.Background()
	ar := NewTar(logging.ForTest(t))
	ref := NewRef(t.TempDir(), None, 0)
	require.NoError(t, ar.Create(ctx, ref, src, []string{"link"}))

	dest := t.TempDir()
	require.NoError(t, ar.Extract(ctx, ref, []string{"link"}, dest))
	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)
}

func TestTar_Append(t *testing.T) {
	for _, c := range []Compression{None, Gzip, Bzip2} {
		t.Run(string(c), func(t *testing.T) {
			ctx := context.Background()
			src := t.TempDir()
			writeTree(t, src, map[string]string{"one": "1", "two": "2"})

			ar := NewTar(logging.ForTest(t))
			dir := t.TempDir()
			ref := NewRef(dir, c, 0)
			require.NoError(t, ar.Create(ctx, ref, src, []string{"one"}))
			require.NoError(t, ar.Append(ctx, ref, src, []string{"two"}))

			names, err := ar.List(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, []string{"one", "two"}, names)

			leftovers, err := filepath.Glob(filepath.Join(dir, ".append-*"))
			require.NoError(t, err)
			assert.Empty(t, leftovers)
		})
	}
}

func TestTar_AppendReplacesExistingMember(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "old"})

	ar := NewTar(logging.ForTest(t))
	ref := NewRef(t.TempDir(), None, 0)
	require.NoError(t, ar.Create(ctx, ref, src, []string{"f"}))

	writeTree(t, src, map[string]string{"f": "new"})
	require.NoError(t, ar.Append(ctx, ref, src, []string{"f"}))

	names, err := ar.List(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, names)

	dest := t.TempDir()
	require.NoError(t, ar.Extract(ctx, ref, []string{"f"}, dest))
	got, err := os.ReadFile(filepath.Join(dest, "f"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestTar_AppendCreatesMissingArchive(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})

	ar := NewTar(logging.ForTest(t))
	ref := NewRef(t.TempDir(), Gzip, 0)
	require.NoError(t, ar.Append(context.Background(), ref, src, []string{"f"}))
	assert.True(t, ref.Exists())
}

func TestTar_Split(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"big":   strings.Repeat("x", 4096),
		"small": "s",
	})

	ar := NewTar(logging.ForTest(t))
	dir := t.TempDir()
	ref := NewRef(dir, None, 512)
	require.NoError(t, ar.Create(ctx, ref, src, []string{"big", "small"}))

	parts, err := ref.Parts()
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)
	assert.Equal(t, filepath.Join(dir, "files.tar.0000"), parts[0])
	assert.NoFileExists(t, ref.Path)

	detected, ok := Detect(dir)
	require.True(t, ok)
	assert.Equal(t, None, detected.Compression)
	assert.Equal(t, int64(512), detected.SplitSize)

	names, err := ar.List(ctx, detected)
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "small"}, names)

	dest := t.TempDir()
	require.NoError(t, ar.Extract(ctx, detected, []string{"big"}, dest))
	got, err := os.ReadFile(filepath.Join(dest, "big"))
	require.NoError(t, err)
	assert.Len(t, got, 4096)
}

func TestTar_ExtractMissingMember(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})

	ar := NewTar(logging.ForTest(t))
	ref := NewRef(t.TempDir(), None, 0)
	require.NoError(t, ar.Create(context.Background(), ref, src, []string{"f"}))

	err := ar.Extract(context.Background(), ref, []string{"f", "nope"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestTar_ExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dir := t.TempDir()
	ref := NewRef(dir, None, 0)
	require.NoError(t, os.WriteFile(ref.Path, buf.Bytes(), 0o644))

	dest := filepath.Join(t.TempDir(), "dest")
	err = NewTar(logging.ForTest(t)).Extract(context.Background(), ref, []string{"../evil"}, dest)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil"))
}

func TestTar_CanceledContext(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ref := NewRef(t.TempDir(), None, 0)
	err := NewTar(logging.ForTest(t)).Create(ctx, ref, src, []string{"f"})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ref.Exists(), "aborted archive must be removed")
}

func TestTar_Dereference(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"target.txt": "payload"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	ctx := context.Background()
	ar := NewTar(logging.ForTest(t), WithDereference(true))
	ref := NewRef(t.TempDir(), None, 0)
	require.NoError(t, ar.Create(ctx, ref, src, []string{"link"}))

	dest := t.TempDir()
	require.NoError(t, ar.Extract(ctx, ref, []string{"link"}, dest))
	got, err := os.ReadFile(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	info, err := os.Lstat(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

// writeRawTar stores hdrs, each with body as content, as an uncompressed
// archive in dir.
func writeRawTar(t *testing.T, dir string, hdrs []*tar.Header, body string) Ref {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, h := range hdrs {
		h.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(h))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	ref := NewRef(dir, None, 0)
	require.NoError(t, os.WriteFile(ref.Path, buf.Bytes(), 0o644))
	return ref
}

func rawHeaders(t *testing.T, ref Ref) map[string]*tar.Header {
	t.Helper()
	data, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	tr := tar.NewReader(bytes.NewReader(data))
	out := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			return out
		}
		out[hdr.Name] = hdr
	}
}

func TestTar_TransferKeepsHeaders(t *testing.T) {
	ctx := context.Background()
	src := writeRawTar(t, t.TempDir(), []*tar.Header{
		{Typeflag: tar.TypeReg, Name: "data/tool", Mode: 0o4755, Uid: 1234, Gid: 5678, Uname: "alice", Gname: "staff"},
		{Typeflag: tar.TypeReg, Name: "data/other", Mode: 0o644},
	}, "payload")

	tree := t.TempDir()
	writeTree(t, tree, map[string]string{"data/own": "mine", "data/tool": "stale"})
	ar := NewTar(logging.ForTest(t))
	dst := NewRef(t.TempDir(), None, 0)
	require.NoError(t, ar.Create(ctx, dst, tree, []string{"data/own", "data/tool"}))

	require.NoError(t, ar.Transfer(ctx, src, dst, []string{"data/tool"}))

	names, err := ar.List(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/own", "data/tool"}, names)

	tool := rawHeaders(t, dst)["data/tool"]
	require.NotNil(t, tool)
	assert.Equal(t, 1234, tool.Uid)
	assert.Equal(t, 5678, tool.Gid)
	assert.Equal(t, "alice", tool.Uname)
	assert.Equal(t, int64(0o4755), tool.Mode)
	assert.Equal(t, int64(len("payload")), tool.Size)
}

func TestTar_TransferCreatesAndChecksMembers(t *testing.T) {
	ctx := context.Background()
	src := writeRawTar(t, t.TempDir(), []*tar.Header{
		{Typeflag: tar.TypeReg, Name: "a", Mode: 0o644},
	}, "x")
	ar := NewTar(logging.ForTest(t))

	dst := NewRef(t.TempDir(), Gzip, 0)
	require.NoError(t, ar.Transfer(ctx, src, dst, []string{"a"}))
	names, err := ar.List(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	missing := NewRef(t.TempDir(), None, 0)
	err = ar.Transfer(ctx, src, missing, []string{"a", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.False(t, missing.Exists())
}

func TestTar_ExtractKeepsSpecialModeBits(t *testing.T) {
	ref := writeRawTar(t, t.TempDir(), []*tar.Header{
		{Typeflag: tar.TypeReg, Name: "bin/tool", Mode: 0o4755},
	}, "#!/bin/sh\n")

	dest := t.TempDir()
	require.NoError(t, NewTar(logging.ForTest(t)).Extract(context.Background(), ref, []string{"bin/tool"}, dest))

	fi, err := os.Stat(filepath.Join(dest, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeSetuid, fi.Mode()&os.ModeSetuid)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}
