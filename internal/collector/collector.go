package collector

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/metadata"
)

// DefaultReadTimeout bounds the readability check of a single path.
const DefaultReadTimeout = 3 * time.Second

// Options configures a walk.
type Options struct {
	// Paths maps absolute paths to true (include) or false (exclude).
	Paths map[string]bool
	// Regexes exclude every path they match.
	Regexes []string
	// MaxSize excludes regular files larger than this many bytes; 0 disables it.
	MaxSize int64
	// FollowLinks walks through symbolic links instead of storing them.
	FollowLinks bool
	// Target is the backup target directory, which is never backed up.
	Target string
	// Parent is the manifest of the snapshot this one builds on, nil for a
	// full backup. ParentTime is when the parent backup started.
	Parent     *metadata.Manifest
	ParentTime time.Time
	// ReadTimeout bounds each readability check; 0 means DefaultReadTimeout.
	ReadTimeout time.Duration
	// Clock drives the read timeout. Nil means the wall clock.
	Clock clock.Clock
	// Readable checks that a path can be read; it runs under ReadTimeout. Nil
	// opens the path and, for a directory, reads one name from it.
	Readable func(path string, dir bool) error
	// FreeSpace reports the free bytes of the filesystem holding a path.
	// Nil means FreeSpace.
	FreeSpace func(path string) (uint64, error)
}

// RecordSink receives one manifest Record per included directory.
type RecordSink interface {
	AppendRecord(metadata.Record) error
}

// Tally counts excluded entries and their sizes.
type Tally struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Stats accumulates over a walk.
type Stats struct {
	Files    int `json:"files"`
	Dirs     int `json:"dirs"`
	Symlinks int `json:"symlinks"`

	// Included counts included non-directory entries.
	Included  int `json:"included"`
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	// Bytes is the size of everything that goes into the archive.
	Bytes int64 `json:"bytes"`

	ExcludedConfig Tally `json:"excluded_config"`
	ExcludedForced Tally `json:"excluded_forced"`
}

// Excluded returns the tally for reason.
func (s *Stats) Excluded(r Reason) Tally {
	switch r {
	case ExcludedConfig:
		return s.ExcludedConfig
	case ExcludedForced:
		return s.ExcludedForced
	}
	return Tally{}
}

func (s *Stats) exclude(r Reason, size int64) {
	t := &s.ExcludedForced
	if r == ExcludedConfig {
		t = &s.ExcludedConfig
	}
	t.Count++
	t.Bytes += size
}

// Result is the output of Collect.
type Result struct {
	// Includes and Excludes list every included and excluded path.
	Includes []string
	Excludes []string
	// Members are the archive member names of new and changed entries.
	Members []string
	Records int
	Stats   Stats
}

// Collector walks the configured paths and decides what to back up.
type Collector struct {
	opts     Options
	logger   *slog.Logger
	clock    clock.Clock
	target   string
	includes []string
	regexes  []*regexp.Regexp

	visited map[string]struct{}
	emitted map[string]struct{}
	result  *Result
}

// New validates opts and returns a Collector.
func New(opts Options, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	if opts.Readable == nil {
		opts.Readable = readable
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = FreeSpace
	}

	c := &Collector{opts: opts, logger: logger, clock: clk}
	if opts.Target != "" {
		abs, err := filepath.Abs(opts.Target)
		if err != nil {
			return nil, errors.Wrap(err, "resolving target")
		}
		c.target = abs
	}

	paths := make(map[string]bool, len(opts.Paths))
	for p, v := range opts.Paths {
		if !filepath.IsAbs(p) {
			return nil, errors.Newf("path %q must be absolute", p)
		}
		clean := filepath.Clean(p)
		paths[clean] = v
		if v {
			c.includes = append(c.includes, clean)
		}
	}
	slices.Sort(c.includes)
	c.opts.Paths = paths

	for _, expr := range opts.Regexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling exclude regex %q", expr)
		}
		c.regexes = append(c.regexes, re)
	}
	return c, nil
}

// Decide evaluates a single path against the rules without walking it.
func (c *Collector) Decide(p string) Decision {
	if c.visited == nil {
		c.visited = make(map[string]struct{})
	}
	p = filepath.Clean(p)
	st, _, err := c.statEntry(p)
	return c.decide(p, st, err)
}

// Collect walks every include root depth first and streams one Record per
// included directory into sink.
func (c *Collector) Collect(ctx context.Context, sink RecordSink) (*Result, error) {
	c.visited = make(map[string]struct{})
	c.emitted = make(map[string]struct{})
	c.result = &Result{}

	rootFiles := make(map[string][]metadata.Entry)
	for _, root := range c.roots() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, link, err := c.statEntry(root)
		entry, isDir, ok := c.visit(root, st, link, err)
		if !ok {
			continue
		}
		if !isDir {
			dir := filepath.Dir(root)
			rootFiles[dir] = append(rootFiles[dir], entry)
			continue
		}
		names, ok := c.list(root)
		if !ok {
			continue
		}
		if err := c.walk(ctx, pendingDir{root, c.dirStat(root, st), names}, sink); err != nil {
			return nil, err
		}
	}

	dirs := make([]string, 0, len(rootFiles))
	for dir := range rootFiles {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	for _, dir := range dirs {
		if _, done := c.emitted[dir]; done {
			continue
		}
		st, _ := stat(dir)
		if err := c.emit(sink, metadata.Record{Dir: dir, Stat: recordStat(st), Entries: rootFiles[dir]}); err != nil {
			return nil, err
		}
	}

	res := c.result
	slices.Sort(res.Includes)
	slices.Sort(res.Excludes)
	c.logger.Debug("collected files",
		"records", res.Records, "included", res.Stats.Included, "bytes", res.Stats.Bytes,
		"excluded_config", res.Stats.ExcludedConfig.Count, "excluded_forced", res.Stats.ExcludedForced.Count)
	return res, nil
}

// roots returns the include paths not already covered by another include.
func (c *Collector) roots() []string {
	var out []string
	for _, p := range c.includes {
		covered := slices.ContainsFunc(out, func(r string) bool {
			return r == "/" || strings.HasPrefix(p, r+"/")
		})
		if !covered {
			out = append(out, p)
		}
	}
	return out
}

// pendingDir is a directory whose names were read when it was included.
type pendingDir struct {
	path  string
	st    fileStat
	names []string
}

func (c *Collector) walk(ctx context.Context, root pendingDir, sink RecordSink) error {
	stack := []pendingDir{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rec := metadata.Record{Dir: d.path, Stat: recordStat(d.st)}
		var children []pendingDir
		for _, name := range d.names {
			p := filepath.Join(d.path, name)
			cst, link, err := c.statEntry(p)
			entry, isDir, ok := c.visit(p, cst, link, err)
			if !ok {
				continue
			}
			if isDir {
				names, ok := c.list(p)
				if !ok {
					continue
				}
				children = append(children, pendingDir{p, c.dirStat(p, cst), names})
			}
			rec.Entries = append(rec.Entries, entry)
		}
		if err := c.emit(sink, rec); err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

// list reads the names of a directory visit just included. If that fails
// the inclusion is turned into a forced exclusion, so the directory gets
// neither a Record nor an entry in its parent.
func (c *Collector) list(p string) ([]string, bool) {
	names, err := readDirNames(p)
	if err == nil {
		return names, true
	}
	c.logger.Warn("cannot read directory, excluding it", "path", p, "error", err)
	if n := len(c.result.Includes); n > 0 && c.result.Includes[n-1] == p {
		c.result.Includes = c.result.Includes[:n-1]
	}
	c.result.Excludes = append(c.result.Excludes, p)
	c.result.Stats.exclude(ExcludedForced, 0)
	return nil, false
}

func (c *Collector) emit(sink RecordSink, rec metadata.Record) error {
	if err := sink.AppendRecord(rec); err != nil {
		return errors.Wrapf(err, "recording %s", rec.Dir)
	}
	c.emitted[rec.Dir] = struct{}{}
	c.result.Records++
	return nil
}

// statEntry stats p. For a symlink that is followed the stat describes
// the link's target; link reports whether p itself is a symlink.
func (c *Collector) statEntry(p string) (st fileStat, link bool, err error) {
	st, err = lstat(p)
	if err != nil || !st.isSymlink() {
		return st, false, err
	}
	if !c.opts.FollowLinks {
		return st, true, nil
	}
	st, err = stat(p)
	return st, true, err
}

// dirStat returns the stat recorded for a directory that is about to be
// walked and marks it visited.
func (c *Collector) dirStat(p string, st fileStat) fileStat {
	c.visited[st.key(p)] = struct{}{}
	return st
}

// visit decides p, updates the stats and lists, and returns the manifest
// entry for an included path.
func (c *Collector) visit(p string, st fileStat, link bool, statErr error) (metadata.Entry, bool, bool) {
	stats := &c.result.Stats
	switch {
	case statErr == nil && st.isDir():
		stats.Dirs++
	case link:
		stats.Symlinks++
	case statErr == nil && st.isRegular():
		stats.Files++
	}

	d := c.decide(p, st, statErr)
	name := filepath.Base(p)
	if !d.Included() {
		var size int64
		if statErr == nil && st.isRegular() {
			size = st.size
		}
		stats.exclude(d.Reason, size)
		c.result.Excludes = append(c.result.Excludes, p)
		level := slog.LevelDebug
		if d.Reason == ExcludedForced && p != c.target {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "excluding path", "path", p, "reason", d.Reason.String(), "detail", d.Detail)
		return metadata.Entry{}, false, false
	}

	c.result.Includes = append(c.result.Includes, p)
	if st.isDir() {
		return metadata.Entry{Control: metadata.Directory, Name: name}, true, true
	}

	stats.Included++
	ctl := c.classify(p, st)
	if ctl == metadata.Included {
		c.result.Members = append(c.result.Members, metadata.MemberName(p))
		if st.isRegular() {
			stats.Bytes += st.size
		}
	}
	return metadata.Entry{Control: ctl, Name: name}, false, true
}

// classify compares a file with the parent manifest. Files the parent does
// not know are new; known files whose mtime or ctime is not before the
// parent's start time are changed.
func (c *Collector) classify(p string, st fileStat) metadata.Control {
	stats := &c.result.Stats
	if c.opts.Parent == nil {
		stats.New++
		return metadata.Included
	}
	e, ok := c.opts.Parent.Entry(p)
	if !ok || (e.Control != metadata.Included && e.Control != metadata.NotIncluded) {
		stats.New++
		return metadata.Included
	}
	if !st.changedAt().Before(c.opts.ParentTime) {
		stats.Changed++
		return metadata.Included
	}
	stats.Unchanged++
	return metadata.NotIncluded
}

var errReadTimeout = errors.New("timed out")

// checkReadable runs the configured readability check within ReadTimeout. A check
// that hangs is abandoned.
func (c *Collector) checkReadable(p string, dir bool) error {
	done := make(chan error, 1)
	go func() {
		done <- c.opts.Readable(p, dir)
	}()

	select {
	case err := <-done:
		return err
	case <-c.clock.After(c.opts.ReadTimeout):
		return errReadTimeout
	}
}

// readable opens p and, for a directory, reads one name from it.
func readable(p string, dir bool) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if dir {
		if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func recordStat(st fileStat) metadata.Stat {
	return metadata.Stat{
		Dev:   st.dev,
		Ino:   st.ino,
		MTime: st.mtime.Unix(),
		Mode:  st.mode,
		Size:  st.size,
	}
}

// CheckSpace fails with InsufficientSpaceError unless the filesystem
// holding path has more than required bytes free.
func CheckSpace(path string, required uint64) error {
	return checkSpace(FreeSpace, path, required)
}

// CheckSpace is the package CheckSpace using the configured FreeSpace
// option.
func (c *Collector) CheckSpace(path string, required uint64) error {
	return checkSpace(c.opts.FreeSpace, path, required)
}

func checkSpace(freeSpace func(string) (uint64, error), path string, required uint64) error {
	free, err := freeSpace(path)
	if err != nil {
		return err
	}
	if free <= required {
		return &errors.InsufficientSpaceError{Path: path, Required: required, Available: free}
	}
	return nil
}
