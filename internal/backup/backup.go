package backup

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/collector"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/metadata"
	"github.com/thoreinstein/snapkeep/internal/rebase"
	"github.com/thoreinstein/snapkeep/internal/retention"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

const day = 24 * time.Hour

// Options is the per-run configuration.
type Options struct {
	// MaxIncrement is how many days an incremental chain may grow before
	// the next run is full again. Zero or less makes every run full.
	MaxIncrement int

	Paths       map[string]bool
	Regexes     []string
	MaxSize     int64
	FollowLinks bool
	ReadTimeout time.Duration

	Compression archive.Compression
	SplitSize   int64

	// FreeSpace overrides the free-space lookup of the target filesystem.
	FreeSpace func(path string) (uint64, error)

	// Purge is applied after every successful commit.
	Purge retention.Policy
}

// PackageLister produces the opaque package listing stored with each
// snapshot.
type PackageLister interface {
	ListPackages(ctx context.Context) ([]byte, error)
}

// Result describes a finished run.
type Result struct {
	Name     string
	Kind     snapshot.Kind
	Base     string
	Stats    collector.Stats
	Archive  int64
	Duration time.Duration
	Purge    *retention.Report
	// PurgeErr is set when the backup committed but the purge failed.
	PurgeErr error
}

// Manager runs backups into one store.
type Manager struct {
	store     *snapshot.Store
	opts      Options
	archiver  archive.Archiver
	packages  PackageLister
	retention *retention.Manager
	clock     clock.Clock
	logger    *slog.Logger
	hostname  string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for naming and retention.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithArchiver replaces the default tar archiver.
func WithArchiver(a archive.Archiver) Option {
	return func(m *Manager) {
		m.archiver = a
	}
}

// WithPackageLister stores a package listing with every snapshot.
func WithPackageLister(p PackageLister) Option {
	return func(m *Manager) {
		m.packages = p
	}
}

// WithHostname overrides the host part of snapshot names.
func WithHostname(name string) Option {
	return func(m *Manager) {
		m.hostname = name
	}
}

// WithLogger sets the logger; the store's logger is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager for store.
func NewManager(store *snapshot.Store, opts Options, options ...Option) *Manager {
	m := &Manager{
		store:  store,
		opts:   opts,
		clock:  clock.WallClock,
		logger: store.Logger(),
	}
	for _, o := range options {
		o(m)
	}
	if m.archiver == nil {
		m.archiver = archive.NewTar(m.logger, archive.WithDereference(opts.FollowLinks))
	}
	if m.hostname == "" {
		m.hostname, _ = os.Hostname()
		if m.hostname == "" {
			m.hostname = "localhost"
		}
	}
	engine := rebase.NewEngine(store, m.archiver, m.logger)
	m.retention = retention.NewManager(store, engine, m.clock, m.logger)
	return m
}

// Retention returns the retention manager sharing this Manager's store,
// archiver and clock.
func (m *Manager) Retention() *retention.Manager { return m.retention }

// Plan decides the kind of the next snapshot and, for an incremental one,
// its parent.
func (m *Manager) Plan(now time.Time) (snapshot.Kind, *snapshot.Snapshot, error) {
	latest, err := m.store.Latest()
	if err != nil {
		return "", nil, err
	}
	if latest == nil || m.opts.MaxIncrement <= 0 {
		return snapshot.Full, nil, nil
	}
	chain, err := latest.Chain()
	if err != nil {
		m.logger.Warn("latest snapshot has a broken chain, taking a full backup",
			"name", latest.Name(), "error", err)
		return snapshot.Full, nil, nil
	}
	full := chain[len(chain)-1]
	if now.Sub(full.Date()) > time.Duration(m.opts.MaxIncrement)*day {
		return snapshot.Full, nil, nil
	}
	return snapshot.Incremental, latest, nil
}

// Run takes one backup.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	start := m.clock.Now()
	kind, parent, err := m.Plan(start)
	if err != nil {
		return nil, errors.Wrap(err, "planning backup")
	}

	var base string
	if parent != nil {
		base = parent.Name()
	}
	s, err := m.store.Create(kind, base, start, m.hostname)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("snapshot", s.Name())
	logger.Info("starting backup", "kind", string(kind), "base", base)

	res := &Result{Name: s.Name(), Kind: kind, Base: base}
	if err := m.fill(ctx, s, parent, start, res, logger); err != nil {
		if derr := m.store.Delete(s); derr != nil {
			logger.Error("removing failed snapshot", "error", derr)
		}
		return nil, errors.Wrapf(err, "backing up into %s", s.Name())
	}
	res.Duration = m.clock.Now().Sub(start)
	logger.Info("backup committed",
		"included", res.Stats.Included, "bytes", res.Stats.Bytes, "archive_bytes", res.Archive)

	if m.opts.Purge.Mode != retention.Off {
		report, err := m.retention.Purge(ctx, m.opts.Purge)
		res.Purge = report
		if err != nil {
			logger.Error("purge failed", "policy", m.opts.Purge.String(), "error", err)
			res.PurgeErr = err
		}
	}
	return res, nil
}

func (m *Manager) fill(ctx context.Context, s *snapshot.Snapshot, parent *snapshot.Snapshot, start time.Time, res *Result, logger *slog.Logger) error {
	copts := collector.Options{
		Paths:       m.opts.Paths,
		Regexes:     m.opts.Regexes,
		MaxSize:     m.opts.MaxSize,
		FollowLinks: m.opts.FollowLinks,
		Target:      m.store.Target(),
		ReadTimeout: m.opts.ReadTimeout,
		Clock:       m.clock,
		FreeSpace:   m.opts.FreeSpace,
	}
	if parent != nil {
		pm, err := parent.Metadata()
		if err != nil {
			return errors.Wrapf(err, "loading manifest of %s", parent.Name())
		}
		copts.Parent = pm
		copts.ParentTime = pm.Header().Time()
	}
	c, err := collector.New(copts, logger)
	if err != nil {
		return err
	}

	fw, err := s.CreateMetadata(metadata.NewHeader(start))
	if err != nil {
		return err
	}
	collected, err := c.Collect(ctx, fw)
	if cerr := fw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	res.Stats = collected.Stats

	if err := c.CheckSpace(m.store.Target(), uint64(collected.Stats.Bytes)); err != nil {
		return err
	}
	ref := s.NewArchive(m.opts.Compression, m.opts.SplitSize)
	if err := m.archiver.Create(ctx, ref, "/", collected.Members); err != nil {
		return errors.Wrap(err, "creating archive")
	}
	if size, err := ref.Size(); err == nil {
		res.Archive = size
	}

	if err := s.AddInclude(collected.Includes...); err != nil {
		return err
	}
	if err := s.AddExclude(collected.Excludes...); err != nil {
		return err
	}
	if err := s.SetRegexes(m.opts.Regexes); err != nil {
		return err
	}
	if m.packages != nil {
		data, err := m.packages.ListPackages(ctx)
		if err != nil {
			logger.Warn("listing packages failed, continuing without", "error", err)
		} else if err := s.SetPackages(data); err != nil {
			return err
		}
	}
	return s.Commit()
}
