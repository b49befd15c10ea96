//go:build !linux && !darwin

package collector

import (
	"io/fs"
	"os"
)

func lstat(path string) (fileStat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return fileStat{}, err
	}
	return fromInfo(info), nil
}

func stat(path string) (fileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStat{}, err
	}
	return fromInfo(info), nil
}

// fromInfo has no inode or ctime to offer; ctime falls back to mtime.
func fromInfo(info fs.FileInfo) fileStat {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode |= modeDir
	case info.Mode()&fs.ModeSymlink != 0:
		mode |= modeSymlink
	case info.Mode()&fs.ModeSocket != 0:
		mode |= modeSocket
	case info.Mode().IsRegular():
		mode |= modeRegular
	}
	return fileStat{
		mode:  mode,
		size:  info.Size(),
		mtime: info.ModTime(),
		ctime: info.ModTime(),
	}
}
