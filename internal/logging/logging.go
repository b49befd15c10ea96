package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Format specifies the output format for console log messages.
type Format string

const (
	// FormatText produces human-readable text output.
	FormatText Format = "text"
	// FormatJSON produces machine-readable JSON output.
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" or "json"; empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", errors.Newf("unknown log format %q (valid: text, json)", s)
}

// Options configures Setup.
type Options struct {
	// Level is the console threshold.
	Level slog.Level
	// Format selects the console handler.
	Format Format
	// Output is the console writer. Defaults to os.Stderr.
	Output io.Writer
	// File, when set, receives JSON records down to Debug regardless of
	// Level. The file is appended to and created 0600.
	File string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds the process logger. The returned Closer releases the log
// file, if any, and must be called once the command finished.
func Setup(o Options) (*slog.Logger, io.Closer, error) {
	console := newHandler(o.Output, o.Format, o.Level)
	if o.File == "" {
		return slog.New(console), nopCloser{}, nil
	}

	f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening log file")
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: min(o.Level, slog.LevelDebug)})
	return slog.New(newFanout(console, file)), f, nil
}

// New returns a console logger without a log file.
func New(w io.Writer, format Format, level slog.Level) *slog.Logger {
	return slog.New(newHandler(w, format, level))
}

func newHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return NewHandler(w, opts)
}

// testWriter routes log lines to t.Log.
type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// ForTest creates a logger that writes to the test's log output at trace
// level. Log messages appear only when the test fails or when running
// with -v.
func ForTest(t testing.TB) *slog.Logger {
	t.Helper()
	return New(&testWriter{t: t}, FormatText, LevelTrace)
}
