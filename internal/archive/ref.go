package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// BaseName is the archive file name inside a snapshot directory, before the
// compression extension.
const BaseName = "files.tar"

// partDigits is the width of the numeric suffix on split parts.
const partDigits = 4

// Compression selects the stream filter applied to the tar stream.
type Compression string

const (
	None  Compression = "none"
	Gzip  Compression = "gz"
	Bzip2 Compression = "bz2"
)

// ParseCompression accepts the configuration spellings of a compression mode.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none", "tar":
		return None, nil
	case "gz", "gzip":
		return Gzip, nil
	case "bz2", "bzip2":
		return Bzip2, nil
	}
	return "", errors.Newf("unknown compression %q (valid: none, gz, bz2)", s)
}

// Ext returns the file extension appended to BaseName.
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case Bzip2:
		return ".bz2"
	}
	return ""
}

// Ref locates an archive on disk: either a single file at Path or split
// parts named Path.0000, Path.0001, ...
type Ref struct {
	Path        string
	Compression Compression
	// SplitSize is the maximum part size when writing; zero writes a single file.
	SplitSize int64
}

// NewRef returns the archive reference for a snapshot directory.
func NewRef(dir string, c Compression, splitSize int64) Ref {
	if c == "" {
		c = None
	}
	return Ref{
		Path:        filepath.Join(dir, BaseName+c.Ext()),
		Compression: c,
		SplitSize:   splitSize,
	}
}

// Detect finds the archive written into dir, whichever layout was used.
func Detect(dir string) (Ref, bool) {
	for _, c := range []Compression{Gzip, Bzip2, None} {
		ref := NewRef(dir, c, 0)
		if parts, err := ref.Parts(); err == nil && len(parts) > 0 {
			if parts[0] != ref.Path {
				if st, err := os.Stat(parts[0]); err == nil {
					ref.SplitSize = st.Size()
				}
			}
			return ref, true
		}
	}
	return Ref{}, false
}

// Split reports whether the archive is stored as parts.
func (r Ref) Split() bool {
	return r.SplitSize > 0
}

// Parts returns the files that make up the archive, in stream order.
func (r Ref) Parts() ([]string, error) {
	if _, err := os.Stat(r.Path); err == nil {
		return []string{r.Path}, nil
	}
	matches, err := filepath.Glob(r.Path + ".[0-9][0-9][0-9][0-9]")
	if err != nil {
		return nil, errors.Wrap(err, "listing archive parts")
	}
	sort.Strings(matches)
	return matches, nil
}

// Exists reports whether any part of the archive is present.
func (r Ref) Exists() bool {
	parts, err := r.Parts()
	return err == nil && len(parts) > 0
}

// Size returns the combined size of all parts.
func (r Ref) Size() (int64, error) {
	parts, err := r.Parts()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range parts {
		st, err := os.Stat(p)
		if err != nil {
			return 0, errors.Wrap(err, "stat archive part")
		}
		total += st.Size()
	}
	return total, nil
}

// Remove deletes every part of the archive.
func (r Ref) Remove() error {
	parts, err := r.Parts()
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing archive part")
		}
	}
	return nil
}

// CopyTo copies every part of r into the layout of dst, returning the
// reference to the copy.
func (r Ref) CopyTo(dst Ref) (Ref, error) {
	parts, err := r.Parts()
	if err != nil {
		return Ref{}, err
	}
	for _, p := range parts {
		target := dst.Path + strings.TrimPrefix(p, r.Path)
		if err := copyFile(p, target); err != nil {
			return Ref{}, err
		}
	}
	dst.Compression = r.Compression
	return dst, nil
}

// MoveTo renames every part of r onto the layout of dst. Parts of the
// previous archive at dst that were not overwritten are removed afterwards.
func (r Ref) MoveTo(dst Ref) error {
	parts, err := r.Parts()
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Newf("archive %s has no parts", r.Path)
	}
	old, err := dst.Parts()
	if err != nil {
		return err
	}

	moved := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		target := dst.Path + strings.TrimPrefix(p, r.Path)
		if err := os.Rename(p, target); err != nil {
			return errors.Wrap(err, "moving archive part")
		}
		moved[target] = struct{}{}
	}
	for _, p := range old {
		if _, ok := moved[p]; ok {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing stale archive part")
		}
	}
	return nil
}

func partName(path string, i int) string {
	return fmt.Sprintf("%s.%0*d", path, partDigits, i)
}
