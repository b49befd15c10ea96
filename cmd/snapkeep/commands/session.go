package commands

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/config"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/logging"
	"github.com/thoreinstein/snapkeep/internal/paths"
	"github.com/thoreinstein/snapkeep/internal/rebase"
	"github.com/thoreinstein/snapkeep/internal/retention"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

// lockName is the advisory lock file kept in the target directory.
const lockName = ".snapkeep.lock"

// currentConfig returns the loaded configuration with flag overrides
// applied.
func currentConfig() (*config.Config, error) {
	if configLoadErr != nil {
		return nil, errors.NewConfigError(configLoadErr)
	}
	cfg := config.Default()
	if loadedConfig != nil {
		c := *loadedConfig
		cfg = &c
	}
	if targetFlag != "" {
		cfg.Target = targetFlag
	}
	return cfg, nil
}

// session is an open, locked target.
type session struct {
	cfg    *config.Config
	store  *snapshot.Store
	logger *slog.Logger
	lock   *flock.Flock
}

// openSession opens the configured target and takes its lock. With create
// set, a missing target directory is created.
func openSession(cmd *cobra.Command, cfg *config.Config, create bool) (*session, error) {
	target, err := cfg.TargetPath()
	if err != nil {
		return nil, errors.NewConfigError(errors.Wrap(err, "target"))
	}
	if create {
		if err := paths.EnsureDir(target, 0); err != nil {
			return nil, errors.Wrapf(err, "creating target %s", target)
		}
	}
	logger := logging.FromContext(cmd.Context())

	store, err := snapshot.Open(target, logger)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(target, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", target)
	}
	if !locked {
		return nil, errors.NewUserError(
			errors.Newf("%s is in use by another snapkeep process", target),
			"Wait for the running backup or purge to finish")
	}
	logger.Debug("locked target", "target", target)
	return &session{cfg: cfg, store: store, logger: logger, lock: lock}, nil
}

// Close releases the target lock.
func (s *session) Close() {
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("releasing target lock", "error", err)
	}
}

func (s *session) archiver() archive.Archiver {
	return archive.NewTar(s.logger, archive.WithDereference(s.cfg.FollowLinks))
}

func (s *session) engine() *rebase.Engine {
	return rebase.NewEngine(s.store, s.archiver(), s.logger)
}

func (s *session) retention() *retention.Manager {
	return retention.NewManager(s.store, s.engine(), nil, s.logger)
}

// printf writes to the command's stdout unless --quiet is set.
func printf(w io.Writer, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}
