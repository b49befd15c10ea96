//go:build linux || darwin

package collector

import (
	"time"

	"golang.org/x/sys/unix"
)

func lstat(path string) (fileStat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fileStat{}, err
	}
	return fromStatT(&st), nil
}

func stat(path string) (fileStat, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileStat{}, err
	}
	return fromStatT(&st), nil
}

func fromStatT(st *unix.Stat_t) fileStat {
	return fileStat{
		dev:   uint64(st.Dev),
		ino:   st.Ino,
		mode:  uint32(st.Mode),
		size:  st.Size,
		mtime: time.Unix(st.Mtim.Unix()),
		ctime: time.Unix(st.Ctim.Unix()),
	}
}
