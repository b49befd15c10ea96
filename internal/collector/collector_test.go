package collector

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/logging"
	"github.com/thoreinstein/snapkeep/internal/metadata"
)

type sliceSink struct {
	records []metadata.Record
}

func (s *sliceSink) AppendRecord(rec metadata.Record) error {
	s.records = append(s.records, rec)
	return nil
}

func tempRoot(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func collect(t *testing.T, opts Options) (*Result, *sliceSink) {
	t.Helper()
	c, err := New(opts, logging.ForTest(t))
	require.NoError(t, err)
	sink := &sliceSink{}
	res, err := c.Collect(context.Background(), sink)
	require.NoError(t, err)
	return res, sink
}

func TestCollect_RegexExclusion(t *testing.T) {
	root := tempRoot(t)
	data := filepath.Join(root, "data")
	writeFiles(t, root, map[string]string{"data/a.txt": "hello", "data/b.tmp": "scratch"})

	res, sink := collect(t, Options{
		Paths:   map[string]bool{data: true},
		Regexes: []string{`\.tmp$`},
	})

	assert.Equal(t, 1, res.Stats.Included)
	assert.Equal(t, 1, res.Stats.New)
	assert.Equal(t, int64(5), res.Stats.Bytes)
	assert.Equal(t, Tally{Count: 1, Bytes: 7}, res.Stats.Excluded(ExcludedConfig))
	assert.Equal(t, Tally{}, res.Stats.Excluded(ExcludedForced))

	a, b := filepath.Join(data, "a.txt"), filepath.Join(data, "b.tmp")
	assert.Contains(t, res.Includes, a)
	assert.NotContains(t, res.Includes, b)
	assert.Contains(t, res.Excludes, b)
	assert.Equal(t, []string{metadata.MemberName(a)}, res.Members)

	require.Len(t, sink.records, 1)
	assert.Equal(t, data, sink.records[0].Dir)
	assert.Equal(t, []metadata.Entry{{Control: metadata.Included, Name: "a.txt"}}, sink.records[0].Entries)
	assert.NotZero(t, sink.records[0].Stat.Ino)
}

func TestDecide_SizeLimit(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{
		"data/big":   strings.Repeat("x", 2000),
		"data/small": strings.Repeat("x", 500),
	})
	data := filepath.Join(root, "data")
	big := filepath.Join(data, "big")

	c, err := New(Options{Paths: map[string]bool{data: true}, MaxSize: 1000}, logging.ForTest(t))
	require.NoError(t, err)
	assert.Equal(t, ExcludedConfig, c.Decide(big).Reason)
	assert.Equal(t, Included, c.Decide(filepath.Join(data, "small")).Reason)

	// An explicit include of the file itself wins over the size limit.
	c, err = New(Options{Paths: map[string]bool{data: true, big: true}, MaxSize: 1000}, logging.ForTest(t))
	require.NoError(t, err)
	assert.True(t, c.Decide(big).Included())

	res, _ := collect(t, Options{Paths: map[string]bool{data: true}, MaxSize: 1000})
	assert.Equal(t, Tally{Count: 1, Bytes: 2000}, res.Stats.ExcludedConfig)
	assert.Equal(t, 1, res.Stats.Included)
}

func TestCollect_TargetIsExcluded(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/a": "a", "data/backups/old": "o"})
	data := filepath.Join(root, "data")
	target := filepath.Join(data, "backups")

	res, sink := collect(t, Options{Paths: map[string]bool{data: true}, Target: target})

	assert.Contains(t, res.Excludes, target)
	assert.Equal(t, 1, res.Stats.ExcludedForced.Count)
	require.Len(t, sink.records, 1)
	assert.Equal(t, []metadata.Entry{{Control: metadata.Included, Name: "a"}}, sink.records[0].Entries)

	c, err := New(Options{Paths: map[string]bool{data: true}, Target: target}, logging.ForTest(t))
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: ExcludedForced, Detail: "backup target"}, c.Decide(target))
}

func TestCollect_IncludeInsideExclude(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{
		"data/top":           "t",
		"data/cache/junk":    "j",
		"data/cache/keep/me": "m",
	})
	data := filepath.Join(root, "data")
	cache := filepath.Join(data, "cache")
	keep := filepath.Join(cache, "keep")

	res, sink := collect(t, Options{Paths: map[string]bool{data: true, cache: false, keep: true}})

	var dirs []string
	for _, rec := range sink.records {
		dirs = append(dirs, rec.Dir)
	}
	assert.Equal(t, []string{data, cache, keep}, dirs)
	assert.Equal(t, []metadata.Entry{{Control: metadata.Directory, Name: "keep"}}, sink.records[1].Entries)
	assert.Contains(t, res.Excludes, filepath.Join(cache, "junk"))
	assert.Contains(t, res.Includes, filepath.Join(keep, "me"))
	assert.Equal(t, 2, res.Stats.Included)
}

func TestCollect_DepthFirstOrder(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"d/a/x/1": "1", "d/a/2": "2", "d/b/3": "3"})
	d := filepath.Join(root, "d")

	_, sink := collect(t, Options{Paths: map[string]bool{d: true}})

	var dirs []string
	for _, rec := range sink.records {
		dirs = append(dirs, strings.TrimPrefix(rec.Dir, root))
	}
	assert.Equal(t, []string{"/d", "/d/a", "/d/a/x", "/d/b"}, dirs)
}

func TestCollect_Incremental(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/same": "s", "data/edited": "e", "data/fresh": "f"})
	data := filepath.Join(root, "data")

	parentTime := time.Now().Add(time.Hour)
	future := parentTime.Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(data, "edited"), future, future))

	parent := metadata.NewManifest(metadata.NewHeader(parentTime), []metadata.Record{{
		Dir: data,
		Entries: []metadata.Entry{
			{Control: metadata.Included, Name: "same"},
			{Control: metadata.NotIncluded, Name: "edited"},
			{Control: metadata.Included, Name: "deleted"},
		},
	}})

	res, sink := collect(t, Options{
		Paths:      map[string]bool{data: true},
		Parent:     parent,
		ParentTime: parentTime,
	})

	assert.Equal(t, 1, res.Stats.New)
	assert.Equal(t, 1, res.Stats.Changed)
	assert.Equal(t, 1, res.Stats.Unchanged)
	assert.Equal(t, int64(2), res.Stats.Bytes)
	assert.ElementsMatch(t, []string{
		metadata.MemberName(filepath.Join(data, "edited")),
		metadata.MemberName(filepath.Join(data, "fresh")),
	}, res.Members)

	require.Len(t, sink.records, 1)
	assert.Equal(t, []metadata.Entry{
		{Control: metadata.Included, Name: "edited"},
		{Control: metadata.Included, Name: "fresh"},
		{Control: metadata.NotIncluded, Name: "same"},
	}, sink.records[0].Entries)
}

func TestCollect_Symlinks(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/f": "f"})
	data := filepath.Join(root, "data")
	require.NoError(t, os.Symlink(data, filepath.Join(data, "loop")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(data, "dangling")))

	t.Run("stored as links", func(t *testing.T) {
		res, sink := collect(t, Options{Paths: map[string]bool{data: true}})
		assert.Equal(t, 2, res.Stats.Symlinks)
		assert.Equal(t, 3, res.Stats.Included)
		require.Len(t, sink.records, 1)
		assert.Len(t, sink.records[0].Entries, 3)
	})

	t.Run("followed", func(t *testing.T) {
		res, sink := collect(t, Options{Paths: map[string]bool{data: true}, FollowLinks: true})
		assert.Equal(t, 2, res.Stats.ExcludedForced.Count, "loop and dangling link")
		assert.Contains(t, res.Excludes, filepath.Join(data, "loop"))
		assert.Contains(t, res.Excludes, filepath.Join(data, "dangling"))
		require.Len(t, sink.records, 1)
		assert.Equal(t, []metadata.Entry{{Control: metadata.Included, Name: "f"}}, sink.records[0].Entries)
	})
}

func TestCollect_UnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/open/f": "f", "data/locked/g": "g"})
	data := filepath.Join(root, "data")
	locked := filepath.Join(data, "locked")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	res, sink := collect(t, Options{Paths: map[string]bool{data: true}})
	assert.Contains(t, res.Excludes, locked)
	assert.Equal(t, 1, res.Stats.ExcludedForced.Count)
	assert.Len(t, sink.records, 1)
}

func TestCollect_MissingRoot(t *testing.T) {
	root := tempRoot(t)
	missing := filepath.Join(root, "nope")

	res, sink := collect(t, Options{Paths: map[string]bool{missing: true}})
	assert.Empty(t, sink.records)
	assert.Equal(t, []string{missing}, res.Excludes)
	assert.Equal(t, 1, res.Stats.ExcludedForced.Count)
}

func TestCollect_FileRoot(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"etc/fstab": "x", "etc/passwd": "y"})
	fstab := filepath.Join(root, "etc", "fstab")

	res, sink := collect(t, Options{Paths: map[string]bool{fstab: true}})
	require.Len(t, sink.records, 1)
	assert.Equal(t, filepath.Join(root, "etc"), sink.records[0].Dir)
	assert.Equal(t, []metadata.Entry{{Control: metadata.Included, Name: "fstab"}}, sink.records[0].Entries)
	assert.Equal(t, []string{metadata.MemberName(fstab)}, res.Members)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Paths: map[string]bool{"relative": true}}, nil)
	assert.Error(t, err)

	_, err = New(Options{Regexes: []string{"("}}, nil)
	assert.Error(t, err)
}

func TestCollect_Canceled(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/f": "f"})

	c, err := New(Options{Paths: map[string]bool{filepath.Join(root, "data"): true}}, logging.ForTest(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Collect(ctx, &sliceSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollect_DirectoryVanishesAfterReadCheck(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"data/keep/f": "f", "data/gone/g": "g"})
	data := filepath.Join(root, "data")
	gone := filepath.Join(data, "gone")

	res, sink := collect(t, Options{
		Paths: map[string]bool{data: true},
		Readable: func(p string, dir bool) error {
			if p == gone {
				return os.RemoveAll(p)
			}
			return nil
		},
	})

	assert.NotContains(t, res.Includes, gone)
	assert.Contains(t, res.Excludes, gone)
	assert.Equal(t, 1, res.Stats.ExcludedForced.Count)

	dirs := make([]string, len(sink.records))
	for i, rec := range sink.records {
		dirs[i] = rec.Dir
	}
	assert.Equal(t, []string{data, filepath.Join(data, "keep")}, dirs)
	assert.Equal(t, []metadata.Entry{{Control: metadata.Directory, Name: "keep"}}, sink.records[0].Entries)
}

func TestCollect_ReadTimeout(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"mnt/stale": "s"})
	stale := filepath.Join(root, "mnt", "stale")

	release := make(chan struct{})
	clk := testclock.NewClock(time.Now())
	c, err := New(Options{
		Paths:       map[string]bool{stale: true},
		ReadTimeout: time.Second,
		Clock:       clk,
		Readable: func(string, bool) error {
			<-release
			return nil
		},
	}, logging.ForTest(t))
	require.NoError(t, err)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	sink := &sliceSink{}
	go func() {
		res, err := c.Collect(context.Background(), sink)
		done <- outcome{res, err}
	}()

	require.NoError(t, clk.WaitAdvance(time.Second, 10*time.Second, 1))
	var got outcome
	select {
	case got = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("collect did not give up on the hung read check")
	}
	close(release)

	require.NoError(t, got.err)
	assert.Equal(t, []string{stale}, got.res.Excludes)
	assert.Empty(t, got.res.Includes)
	assert.Equal(t, 1, got.res.Stats.ExcludedForced.Count)
	assert.Empty(t, sink.records)
}

func TestCollector_CheckSpaceUsesFreeSpaceOption(t *testing.T) {
	c, err := New(Options{FreeSpace: func(string) (uint64, error) { return 100, nil }}, nil)
	require.NoError(t, err)

	require.NoError(t, c.CheckSpace("/anywhere", 99))
	err = c.CheckSpace("/anywhere", 100)
	require.Error(t, err)
	var short *errors.InsufficientSpaceError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, uint64(100), short.Available)
}

func TestCheckSpace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckSpace(dir, 0))

	err := CheckSpace(dir, math.MaxUint64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientSpace))
}

func TestReason_String(t *testing.T) {
	assert.Equal(t, "included", Included.String())
	assert.Equal(t, "excluded (config)", ExcludedConfig.String())
	assert.Equal(t, "excluded (forced)", ExcludedForced.String())
}
