package commands

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/thoreinstein/snapkeep/internal/logging"
	"github.com/thoreinstein/snapkeep/internal/snapshot"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// paint wraps s in an ANSI code when w is a color terminal.
func paint(w io.Writer, code, s string) string {
	if !logging.SupportsColor(w) {
		return s
	}
	return code + s + colorReset
}

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func kindLabel(k snapshot.Kind) string {
	if k == snapshot.Full {
		return "full"
	}
	return "incremental"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func bytesLabel(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func ageLabel(t time.Time) string {
	return humanize.Time(t)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// archiveSize returns the archive size of s, or -1 if it has none.
func archiveSize(s *snapshot.Snapshot) int64 {
	ref, ok := s.Archive()
	if !ok {
		return -1
	}
	size, err := ref.Size()
	if err != nil {
		return -1
	}
	return size
}
