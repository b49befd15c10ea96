package commands

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/snapkeep/internal/backup"
	"github.com/thoreinstein/snapkeep/internal/config"
	"github.com/thoreinstein/snapkeep/internal/errors"
)

var backupJSON bool

func init() {
	backupCmd.Flags().BoolVar(&backupJSON, "json", false, "Output the result as JSON")
	rootCmd.AddCommand(backupCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a full or incremental backup",
	Long: `Take a backup of the configured paths into the target directory.

The first backup, and any backup after the current chain's full snapshot is
older than maxincrement days, is full. Every other backup is incremental and
only stores files that are new or changed since the latest snapshot.

After the snapshot is committed the configured purge policy is applied.`,
	Example: `  # Back up using ~/.config/snapkeep/config.yaml
  snapkeep backup

  # Back up into another target
  snapkeep backup --target /mnt/usb/backups

  See Also: snapkeep list, snapkeep purge`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

// backupOptions converts a validated Config into run options.
func backupOptions(cfg *config.Config) (backup.Options, error) {
	pathMap, err := cfg.PathMap()
	if err != nil {
		return backup.Options{}, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return backup.Options{}, err
	}
	compression, err := cfg.CompressionMode()
	if err != nil {
		return backup.Options{}, err
	}
	return backup.Options{
		MaxIncrement: cfg.MaxIncrement,
		Paths:        pathMap,
		Regexes:      cfg.ExcludeRegex,
		MaxSize:      cfg.MaxFileSize,
		FollowLinks:  cfg.FollowLinks,
		ReadTimeout:  cfg.ReadTimeout,
		Compression:  compression,
		SplitSize:    cfg.SplitSize,
		Purge:        policy,
	}, nil
}

func runBackup(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return errors.NewConfigError(errors.Wrap(errors.Join(errs...), "validating config"))
	}
	opts, err := backupOptions(cfg)
	if err != nil {
		return errors.NewConfigError(err)
	}

	s, err := openSession(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	mopts := []backup.Option{backup.WithLogger(s.logger)}
	if len(cfg.PackagesCommand) > 0 {
		mopts = append(mopts, backup.WithPackageLister(backup.CommandLister{Args: cfg.PackagesCommand}))
	}
	res, err := backup.NewManager(s.store, opts, mopts...).Run(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if backupJSON {
		if err := writeJSON(w, backupJSONOutput(res)); err != nil {
			return err
		}
	} else {
		printBackupResult(w, res)
	}
	if res.PurgeErr != nil {
		return errors.Wrap(res.PurgeErr, "backup committed but purge failed")
	}
	return nil
}

type backupOutput struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Base         string   `json:"base,omitempty"`
	Included     int      `json:"included"`
	New          int      `json:"new"`
	Changed      int      `json:"changed"`
	Unchanged    int      `json:"unchanged"`
	Bytes        int64    `json:"bytes"`
	ArchiveBytes int64    `json:"archive_bytes"`
	Excluded     int      `json:"excluded_config"`
	Forced       int      `json:"excluded_forced"`
	Seconds      float64  `json:"seconds"`
	Purged       []string `json:"purged,omitempty"`
}

func backupJSONOutput(res *backup.Result) backupOutput {
	out := backupOutput{
		Name:         res.Name,
		Kind:         kindLabel(res.Kind),
		Base:         res.Base,
		Included:     res.Stats.Included,
		New:          res.Stats.New,
		Changed:      res.Stats.Changed,
		Unchanged:    res.Stats.Unchanged,
		Bytes:        res.Stats.Bytes,
		ArchiveBytes: res.Archive,
		Excluded:     res.Stats.ExcludedConfig.Count,
		Forced:       res.Stats.ExcludedForced.Count,
		Seconds:      res.Duration.Seconds(),
	}
	if res.Purge != nil {
		out.Purged = res.Purge.Removed
	}
	return out
}

func printBackupResult(w io.Writer, res *backup.Result) {
	st := res.Stats
	printf(w, "%s %s (%s)\n", paint(w, colorGreen+colorBold, "Created"), res.Name, kindLabel(res.Kind))
	printf(w, "  Base:     %s\n", orDash(res.Base))
	printf(w, "  Files:    %d included (%d new, %d changed, %d unchanged)\n",
		st.Included, st.New, st.Changed, st.Unchanged)
	printf(w, "  Excluded: %d by config (%s), %d unreadable or forced\n",
		st.ExcludedConfig.Count, bytesLabel(st.ExcludedConfig.Bytes), st.ExcludedForced.Count)
	printf(w, "  Stored:   %s, archive %s\n", bytesLabel(st.Bytes), bytesLabel(res.Archive))
	printf(w, "  Took:     %s\n", res.Duration.Round(time.Millisecond))
	if res.Purge != nil && (len(res.Purge.Removed) > 0 || len(res.Purge.Swept) > 0) {
		printf(w, "  Purged:   %d removed, %d swept\n", len(res.Purge.Removed), len(res.Purge.Swept))
	}
}
