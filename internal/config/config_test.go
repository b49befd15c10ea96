package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/thoreinstein/snapkeep/internal/archive"
	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/retention"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInit(t *testing.T) {
	viper.Reset()
	Init()

	if viper.GetInt("maxincrement") != DefaultMaxIncrement {
		t.Errorf("expected maxincrement default %d, got %d", DefaultMaxIncrement, viper.GetInt("maxincrement"))
	}
	if viper.GetString("compression") != "gz" {
		t.Errorf("expected compression default gz, got %q", viper.GetString("compression"))
	}
	if viper.GetString("target") == "" {
		t.Error("expected a default target")
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	viper.Reset()
	Init()

	path := writeConfig(t, `target: /mnt/backup
maxincrement: 3
include:
  - /home/alice
  - /etc
exclude:
  - /home/alice/.cache
exclude_regex:
  - '\.tmp$'
max_file_size: 1000
follow_links: true
purge: log
compression: bz2
split_size: 4096
read_timeout: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Target != "/mnt/backup" || cfg.MaxIncrement != 3 {
		t.Errorf("unexpected target/maxincrement: %q %d", cfg.Target, cfg.MaxIncrement)
	}
	if cfg.MaxFileSize != 1000 || cfg.SplitSize != 4096 || !cfg.FollowLinks {
		t.Errorf("unexpected sizes or follow_links: %+v", cfg)
	}
	if cfg.ReadTimeout != 500*time.Millisecond {
		t.Errorf("read_timeout = %v, want 500ms", cfg.ReadTimeout)
	}
	if len(cfg.ExcludeRegex) != 1 || cfg.ExcludeRegex[0] != `\.tmp$` {
		t.Errorf("exclude_regex = %v", cfg.ExcludeRegex)
	}

	m, err := cfg.PathMap()
	if err != nil {
		t.Fatalf("PathMap() error: %v", err)
	}
	want := map[string]bool{"/home/alice": true, "/etc": true, "/home/alice/.cache": false}
	if len(m) != len(want) {
		t.Fatalf("PathMap() = %v, want %v", m, want)
	}
	for k, v := range want {
		if got, ok := m[k]; !ok || got != v {
			t.Errorf("PathMap()[%q] = %v, want %v", k, got, v)
		}
	}

	p, err := cfg.Policy()
	if err != nil || p.Mode != retention.Log {
		t.Errorf("Policy() = %v, %v", p, err)
	}
	c, err := cfg.CompressionMode()
	if err != nil || c != archive.Bzip2 {
		t.Errorf("CompressionMode() = %v, %v", c, err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("SNAPKEEP_MAXINCREMENT", "11")
	Init()

	cfg, err := Load(writeConfig(t, "maxincrement: 3\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxIncrement != 11 {
		t.Errorf("MaxIncrement = %d, want env override 11", cfg.MaxIncrement)
	}
}

func TestLoad_ExplicitPathNotFound(t *testing.T) {
	viper.Reset()
	Init()

	if _, err := Load("/non/existent/path/config.yaml"); err == nil {
		t.Error("Load() with non-existent explicit path should error")
	}
}

func TestLoad_Malformed(t *testing.T) {
	viper.Reset()
	Init()

	if _, err := Load(writeConfig(t, "include: [unclosed\n")); err == nil {
		t.Error("Load() with malformed YAML should error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Target = "/mnt/backup"
		cfg.Include = []string{"/data"}
		return cfg
	}

	tests := []struct {
		name   string
		modify func(*Config)
		fields []string
	}{
		{"valid", func(*Config) {}, nil},
		{"no includes", func(c *Config) { c.Include = nil }, []string{"include"}},
		{"negative maxincrement", func(c *Config) { c.MaxIncrement = -1 }, []string{"maxincrement"}},
		{"bad regex", func(c *Config) { c.ExcludeRegex = []string{"("} }, []string{"exclude_regex"}},
		{"negative sizes", func(c *Config) { c.MaxFileSize = -1; c.SplitSize = -2 }, []string{"max_file_size", "split_size"}},
		{"bad purge", func(c *Config) { c.Purge = "weekly" }, []string{"purge"}},
		{"bad compression", func(c *Config) { c.Compression = "zip" }, []string{"compression"}},
		{"empty target", func(c *Config) { c.Target = "" }, []string{"target"}},
		{"included and excluded", func(c *Config) { c.Exclude = []string{"/data"} }, []string{"exclude"}},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, []string{"read_timeout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			errs := Validate(cfg)

			if len(errs) != len(tt.fields) {
				t.Fatalf("Validate() returned %d errors (%v), want %d", len(errs), errs, len(tt.fields))
			}
			for i, err := range errs {
				var fe *FieldError
				if !errors.As(err, &fe) {
					t.Fatalf("error %d is %T, want *FieldError", i, err)
				}
				if fe.Field != tt.fields[i] {
					t.Errorf("error %d field = %q, want %q", i, fe.Field, tt.fields[i])
				}
				if !errors.Is(err, errors.ErrInvalidConfig) {
					t.Errorf("error %d does not match ErrInvalidConfig", i)
				}
			}
		})
	}

	if errs := Validate(nil); len(errs) != 1 {
		t.Errorf("Validate(nil) = %v, want one error", errs)
	}
}
