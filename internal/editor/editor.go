// Package editor launches the user's preferred text editor on a file.
package editor

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// EnvEditor overrides $EDITOR and $VISUAL for snapkeep only.
const EnvEditor = "SNAPKEEP_EDITOR"

// Stdio connects the editor process to a terminal.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Open runs the editor on path and waits for it to exit. The editor
// setting may carry arguments, e.g. "code --wait".
func Open(ctx context.Context, path string, stdio Stdio, getenv func(string) string) error {
	args := strings.Fields(detectEditor(getenv))
	if len(args) == 0 {
		return errors.New("no editor configured")
	}

	cmd := exec.CommandContext(ctx, args[0], append(args[1:], path)...)
	cmd.Stdin = stdio.In
	cmd.Stdout = stdio.Out
	cmd.Stderr = stdio.Err

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "running editor %s", args[0])
	}
	return nil
}

// detectEditor returns the editor command to use based on environment variables
// and available binaries. Fallback chain: $SNAPKEEP_EDITOR → $EDITOR → $VISUAL → nano → vi
func detectEditor(getenv func(string) string) string {
	for _, key := range []string{EnvEditor, "EDITOR", "VISUAL"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
	}

	// User-friendly fallback (nano is easier for beginners)
	if _, err := exec.LookPath("nano"); err == nil {
		return "nano"
	}

	// POSIX standard fallback (vi is available on all Unix systems)
	return "vi"
}
