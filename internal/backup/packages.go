package backup

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// DefaultPackageTimeout bounds a package listing command.
const DefaultPackageTimeout = time.Minute

// CommandLister stores the standard output of a command, such as
// "dpkg-query -W" or "rpm -qa", as the package listing.
type CommandLister struct {
	Args    []string
	Timeout time.Duration
}

// ListPackages runs the command and returns what it printed.
func (c CommandLister) ListPackages(ctx context.Context) ([]byte, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("no package listing command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultPackageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s: %s", strings.Join(c.Args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
