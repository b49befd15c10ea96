package fileutil

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// MaxMarkerSize bounds marker files such as a snapshot's base pointer or
// version stamp, so a corrupt store cannot exhaust memory.
const MaxMarkerSize = 64 * 1024

// MaxListSize bounds newline-delimited list files.
const MaxListSize = 1024 * 1024

// ErrFileTooLarge indicates that a file exceeded its read limit.
var ErrFileTooLarge = errors.New("file exceeds read limit")

// ReadMarker returns the trimmed contents of a small marker file. A
// missing file is reported with an error matching os.ErrNotExist.
func ReadMarker(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening marker")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxMarkerSize+1))
	if err != nil {
		return "", errors.Wrap(err, "reading marker")
	}
	if len(data) > MaxMarkerSize {
		return "", errors.Wrapf(ErrFileTooLarge, "%s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadLines returns the newline-delimited lines of path, skipping empty lines.
// A missing file yields no lines and no error.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "opening file")
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), MaxListSize)
	for sc.Scan() {
		if l := sc.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, errors.Wrapf(ErrFileTooLarge, "%s", path)
		}
		return nil, errors.Wrap(err, "reading lines")
	}
	return lines, nil
}
