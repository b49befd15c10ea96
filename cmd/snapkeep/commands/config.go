package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/snapkeep/internal/config"
	"github.com/thoreinstein/snapkeep/internal/editor"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/paths"
	"github.com/thoreinstein/snapkeep/pkg/fileutil"
)

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage snapkeep configuration",
	Long: `Manage the backup profile stored in ~/.config/snapkeep/config.yaml.

Without a subcommand, shows the effective configuration.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter configuration that backs up your home directory.

The file is written to --config if given, otherwise to
~/.config/snapkeep/config.yaml. An existing file is kept unless --force is
set.`,
	Example: `  snapkeep config init
  snapkeep config init --config ./config.yaml --force

See Also: snapkeep config show`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, file and environment are merged.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the configuration in your editor",
	Long: `Open the configuration file in $SNAPKEEP_EDITOR, $EDITOR or $VISUAL and
validate it once the editor exits.`,
	Example: `  snapkeep config edit
  EDITOR="code --wait" snapkeep config edit`,
	Args: cobra.NoArgs,
	RunE: runConfigEdit,
}

// starterConfig returns the configuration written by config init.
func starterConfig() (*config.Config, error) {
	home, err := paths.ResolveHome()
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	cfg.Include = []string{home}
	cfg.Exclude = []string{filepath.Join(home, ".cache")}
	cfg.ExcludeRegex = []string{`\.tmp$`, `~$`}
	cfg.Purge = "log"
	return cfg, nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configFile
	if path == "" {
		path = paths.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return errors.NewUserError(errors.Newf("%s already exists", path), "Use --force to overwrite it")
	}

	cfg, err := starterConfig()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(filepath.Dir(path), 0); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	if err := fileutil.AtomicWriteYAMLWithPerm(path, cfg, 0o600); err != nil {
		return errors.Wrap(err, "writing config")
	}
	printf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if used := config.Used(); used != "" {
		printf(w, "# %s\n", used)
	} else {
		printf(w, "# defaults (no config file found)\n")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	_, err = w.Write(data)
	return err
}

// editPath is the file config edit opens: --config, then the file viper
// found, then the default location.
func editPath() string {
	if configFile != "" {
		return configFile
	}
	if used := config.Used(); used != "" {
		return used
	}
	return paths.ConfigFile()
}

func runConfigEdit(cmd *cobra.Command, _ []string) error {
	path := editPath()
	if _, err := os.Stat(path); err != nil {
		return errors.NewUserError(errors.Newf("%s does not exist", path), "Run: snapkeep config init")
	}

	stdio := editor.Stdio{In: cmd.InOrStdin(), Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	printf(cmd.ErrOrStderr(), "Location: %s\n", path)
	if err := editor.Open(cmd.Context(), path, stdio, os.Getenv); err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return errors.NewConfigError(err)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return errors.NewUserError(
			errors.Wrapf(errors.Join(errs...), "%s is invalid", path),
			"Run: snapkeep config edit",
		)
	}
	printf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}
