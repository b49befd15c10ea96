package collector

import (
	"strconv"
	"time"
)

// File type bits of a raw st_mode.
const (
	modeTypeMask = 0o170000
	modeSocket   = 0o140000
	modeSymlink  = 0o120000
	modeRegular  = 0o100000
	modeDir      = 0o040000
)

// fileStat is the subset of stat(2) the walk needs.
type fileStat struct {
	dev, ino uint64
	mode     uint32
	size     int64
	mtime    time.Time
	ctime    time.Time
}

func (s fileStat) isDir() bool     { return s.mode&modeTypeMask == modeDir }
func (s fileStat) isSymlink() bool { return s.mode&modeTypeMask == modeSymlink }
func (s fileStat) isRegular() bool { return s.mode&modeTypeMask == modeRegular }
func (s fileStat) isSocket() bool  { return s.mode&modeTypeMask == modeSocket }

// changedAt is the later of mtime and ctime, so metadata-only changes such
// as chmod or rename also mark a file as changed.
func (s fileStat) changedAt() time.Time {
	if s.ctime.After(s.mtime) {
		return s.ctime
	}
	return s.mtime
}

// key identifies the underlying file for cycle detection.
func (s fileStat) key(path string) string {
	if s.ino == 0 {
		return path
	}
	return fmtKey(s.dev, s.ino)
}

func fmtKey(dev, ino uint64) string {
	return strconv.FormatUint(dev, 10) + ":" + strconv.FormatUint(ino, 10)
}
