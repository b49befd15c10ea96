//go:build linux || darwin

package collector

import (
	"golang.org/x/sys/unix"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
