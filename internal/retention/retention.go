package retention

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/juju/clock"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/rebase"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

// Report lists what a purge did.
type Report struct {
	Removed []string `json:"removed"`
	Skipped []string `json:"skipped"`
	Swept   []string `json:"swept"`
	// Kept lists leftover directories that were not swept because a
	// committed snapshot still uses them as its base.
	Kept []string `json:"kept,omitempty"`
}

// Manager deletes snapshots without ever leaving a dangling base.
type Manager struct {
	store  *snapshot.Store
	engine *rebase.Engine
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager returns a Manager. A nil clock means the wall clock.
func NewManager(store *snapshot.Store, engine *rebase.Engine, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = store.Logger()
	}
	return &Manager{store: store, engine: engine, clock: clk, logger: logger}
}

// RemoveSnapshot deletes s after rebasing every snapshot that depends on it
// onto s's own base. A full snapshot that still has dependents is refused.
func (m *Manager) RemoveSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	deps, err := m.store.Dependents(s.Name())
	if err != nil {
		return err
	}
	if s.IsFull() && len(deps) > 0 {
		names := make([]string, len(deps))
		for i, d := range deps {
			names[i] = d.Name()
		}
		return &errors.RemoveFullInUseError{Name: s.Name(), Dependents: names}
	}

	for _, d := range deps {
		if _, err := m.engine.RebaseChain(ctx, d, s.Base()); err != nil {
			return errors.Wrapf(err, "rebasing dependent %s", d.Name())
		}
	}
	return m.store.Delete(s)
}

// Sweep removes directories left behind by interrupted runs and returns
// the swept names and the names kept because a committed snapshot still
// points at them. Directories that do not look like snapshots are never
// touched.
func (m *Manager) Sweep() (swept, kept []string, err error) {
	if _, err := m.store.List(true); err != nil {
		return nil, nil, err
	}
	corrupt, err := m.store.Corrupt()
	if err != nil {
		return nil, nil, err
	}

	for _, c := range corrupt {
		switch {
		case !c.Sweepable:
			m.logger.Debug("leaving foreign directory in target", "path", c.Path)
			continue
		case c.Referenced:
			m.logger.Warn("keeping uncommitted snapshot that is still a base", "path", c.Path)
			kept = append(kept, c.Name)
			continue
		}
		if err := m.store.RemoveCorrupt(c); err != nil {
			return swept, kept, err
		}
		swept = append(swept, c.Name)
	}
	return swept, kept, nil
}

// Purge sweeps corrupt snapshots and then applies p.
func (m *Manager) Purge(ctx context.Context, p Policy) (*Report, error) {
	report := &Report{}
	swept, kept, err := m.Sweep()
	report.Swept, report.Kept = swept, kept
	if err != nil {
		return report, err
	}

	switch p.Mode {
	case Age:
		err = m.purgeAge(ctx, p.Days, report)
	case Log:
		err = m.purgeLog(ctx, report)
	}
	if err != nil {
		return report, err
	}
	m.logger.Info("purge finished", "policy", p.String(),
		"removed", len(report.Removed), "skipped", len(report.Skipped), "swept", len(report.Swept))
	return report, nil
}

// purgeAge removes snapshots older than days, newest first, so that the
// dependents of older snapshots have already been rebased when their turn
// comes.
func (m *Manager) purgeAge(ctx context.Context, days int, report *Report) error {
	cutoff := m.clock.Now().Add(-time.Duration(days) * day)
	list, err := m.store.List(true)
	if err != nil {
		return err
	}
	for _, s := range list {
		if !s.Date().Before(cutoff) {
			continue
		}
		if err := m.remove(ctx, s.Name(), report); err != nil {
			return err
		}
	}
	return nil
}

// purgeLog keeps the oldest and newest snapshot of every bucket.
func (m *Manager) purgeLog(ctx context.Context, report *Report) error {
	list, err := m.store.List(true)
	if err != nil || len(list) == 0 {
		return err
	}
	now := m.clock.Now()
	oldest := now.Sub(list[len(list)-1].Date())

	for _, b := range logBuckets(oldest) {
		var in []string
		for _, s := range list {
			if b.contains(now.Sub(s.Date())) {
				in = append(in, s.Name())
			}
		}
		if len(in) < 2 {
			continue
		}
		if err := m.thin(ctx, in, report); err != nil {
			return err
		}
	}
	return nil
}

// thin handles one bucket. names is sorted newest first.
func (m *Manager) thin(ctx context.Context, names []string, report *Report) error {
	newest, err := m.store.Get(names[0])
	if err != nil {
		return err
	}
	oldest := names[len(names)-1]

	chain, err := newest.Chain()
	if err != nil {
		return err
	}
	if slices.ContainsFunc(chain[1:], func(s *snapshot.Snapshot) bool { return s.Name() == oldest }) {
		if _, err := m.engine.RebaseChain(ctx, newest, oldest); err != nil {
			return err
		}
	}

	for _, name := range names[1 : len(names)-1] {
		if err := m.remove(ctx, name, report); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes the snapshot called name, recording a full snapshot that
// is still in use as skipped.
func (m *Manager) remove(ctx context.Context, name string, report *Report) error {
	s, err := m.store.Get(name)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	err = m.RemoveSnapshot(ctx, s)
	switch {
	case err == nil:
		report.Removed = append(report.Removed, name)
	case errors.Is(err, errors.ErrRemoveFullInUse):
		m.logger.Info("keeping full snapshot with dependents", "name", name)
		report.Skipped = append(report.Skipped, name)
	default:
		return err
	}
	return nil
}
