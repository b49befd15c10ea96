package config

import (
	"regexp"

	"github.com/thoreinstein/snapkeep/internal/errors"
	"github.com/thoreinstein/snapkeep/internal/paths"
)

// Validation errors for configuration fields.
var (
	// ErrNegative indicates a count or size below zero.
	ErrNegative = errors.New("must not be negative")

	// ErrNoIncludes indicates there is nothing to back up.
	ErrNoIncludes = errors.New("at least one include path is required")
)

// FieldError reports an invalid configuration field. It matches
// errors.ErrInvalidConfig.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return e.Field + ": " + e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error() + ": " + e.Value
}

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == errors.ErrInvalidConfig }

// Validate checks a Config for validity.
// Returns nil if valid, or a slice of validation errors.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{errors.New("config is nil")}
	}

	var errs []error
	field := func(name, value string, err error) {
		errs = append(errs, &FieldError{Field: name, Value: value, Err: err})
	}

	if _, err := paths.Expand(cfg.Target); err != nil {
		field("target", cfg.Target, err)
	}
	if cfg.MaxIncrement < 0 {
		field("maxincrement", "", ErrNegative)
	}
	if len(cfg.Include) == 0 {
		field("include", "", ErrNoIncludes)
	}
	for _, p := range cfg.Include {
		if _, err := paths.Expand(p); err != nil {
			field("include", p, err)
		}
	}
	for _, p := range cfg.Exclude {
		if _, err := paths.Expand(p); err != nil {
			field("exclude", p, err)
		}
	}
	if _, err := cfg.PathMap(); err != nil && len(errs) == 0 {
		field("exclude", "", err)
	}
	for _, expr := range cfg.ExcludeRegex {
		if _, err := regexp.Compile(expr); err != nil {
			field("exclude_regex", expr, err)
		}
	}
	if cfg.MaxFileSize < 0 {
		field("max_file_size", "", ErrNegative)
	}
	if cfg.SplitSize < 0 {
		field("split_size", "", ErrNegative)
	}
	if cfg.ReadTimeout < 0 {
		field("read_timeout", cfg.ReadTimeout.String(), ErrNegative)
	}
	if _, err := cfg.Policy(); err != nil {
		field("purge", cfg.Purge, err)
	}
	if _, err := cfg.CompressionMode(); err != nil {
		field("compression", cfg.Compression, err)
	}
	return errs
}
