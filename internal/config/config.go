package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/collector"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/paths"
	"github.com/thoreinstein/snapkeep/internal/retention"
)

// EnvPrefix prefixes every environment override, e.g. SNAPKEEP_TARGET.
const EnvPrefix = "SNAPKEEP"

// Default values.
const (
	DefaultMaxIncrement = 7
	DefaultCompression  = string(archive.Gzip)
)

// Config is the flat backup profile.
type Config struct {
	// Target is the directory holding the snapshots.
	Target string `mapstructure:"target" yaml:"target"`
	// MaxIncrement is the age in days after which a new full backup is taken.
	MaxIncrement int `mapstructure:"maxincrement" yaml:"maxincrement"`
	// Include and Exclude together form the path map handed to the
	// collector. They are lists rather than a map so that paths keep their
	// case and dots.
	Include      []string `mapstructure:"include" yaml:"include"`
	Exclude      []string `mapstructure:"exclude" yaml:"exclude"`
	ExcludeRegex []string `mapstructure:"exclude_regex" yaml:"exclude_regex,omitempty"`
	// MaxFileSize in bytes; 0 disables the limit.
	MaxFileSize int64  `mapstructure:"max_file_size" yaml:"max_file_size"`
	FollowLinks bool   `mapstructure:"follow_links" yaml:"follow_links"`
	Purge       string `mapstructure:"purge" yaml:"purge"`
	Compression string `mapstructure:"compression" yaml:"compression"`
	// SplitSize in bytes; 0 writes a single archive file.
	SplitSize       int64         `mapstructure:"split_size" yaml:"split_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	PackagesCommand []string      `mapstructure:"packages_command" yaml:"packages_command,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Target:       paths.DefaultTarget(),
		MaxIncrement: DefaultMaxIncrement,
		Compression:  DefaultCompression,
		ReadTimeout:  collector.DefaultReadTimeout,
	}
}

// Init initializes Viper with default configuration.
// Call this once at application startup before accessing config values.
func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Search paths (in order of precedence)
	viper.AddConfigPath(".")
	viper.AddConfigPath(paths.ConfigDir())

	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	d := Default()
	viper.SetDefault("target", d.Target)
	viper.SetDefault("maxincrement", d.MaxIncrement)
	viper.SetDefault("include", []string{})
	viper.SetDefault("exclude", []string{})
	viper.SetDefault("exclude_regex", []string{})
	viper.SetDefault("max_file_size", 0)
	viper.SetDefault("follow_links", false)
	viper.SetDefault("purge", "")
	viper.SetDefault("compression", d.Compression)
	viper.SetDefault("split_size", 0)
	viper.SetDefault("read_timeout", d.ReadTimeout)
	viper.SetDefault("packages_command", []string{})
}

// Load reads the configuration file.
// If path is provided, it reads from that specific file.
// If path is empty, it searches in the default locations and falls back
// to defaults when nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
		if path != "" {
			return nil, errors.Wrapf(err, "config file not found at %s", path)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return &cfg, nil
}

// Used returns the config file viper read, or "" when running on defaults.
func Used() string {
	return viper.ConfigFileUsed()
}

// PathMap builds the include/exclude map. Paths are expanded to absolute
// form; a path listed in both lists is an error.
func (c *Config) PathMap() (map[string]bool, error) {
	out := make(map[string]bool, len(c.Include)+len(c.Exclude))
	for _, p := range c.Include {
		abs, err := paths.Expand(p)
		if err != nil {
			return nil, err
		}
		out[abs] = true
	}
	for _, p := range c.Exclude {
		abs, err := paths.Expand(p)
		if err != nil {
			return nil, err
		}
		if out[abs] {
			return nil, errors.Newf("%s is both included and excluded", abs)
		}
		out[abs] = false
	}
	return out, nil
}

// TargetPath returns the expanded target directory.
func (c *Config) TargetPath() (string, error) {
	return paths.Expand(c.Target)
}

// Policy parses the purge setting.
func (c *Config) Policy() (retention.Policy, error) {
	return retention.ParsePolicy(c.Purge)
}

// CompressionMode parses the compression setting.
func (c *Config) CompressionMode() (archive.Compression, error) {
	return archive.ParseCompression(c.Compression)
}
