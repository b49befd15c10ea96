// Package prompt provides line-based prompts for when no terminal UI is
// available.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Sentinel errors for selection.
var (
	ErrNoItems            = errors.New("nothing to select from")
	ErrInvalidSelection   = errors.New("invalid selection")
	ErrSelectionCancelled = errors.New("selection cancelled")
)

// Item is one selectable entry.
type Item struct {
	Value  string
	Detail string
}

// Selector reads answers line by line.
type Selector struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewSelector creates a new Selector using stdin and stderr.
func NewSelector() *Selector {
	return NewSelectorWithIO(os.Stdin, os.Stderr)
}

// NewSelectorWithIO creates a Selector with custom reader and writer for testing.
func NewSelectorWithIO(r io.Reader, w io.Writer) *Selector {
	return &Selector{reader: bufio.NewReader(r), writer: w}
}

func (s *Selector) readLine() (string, error) {
	input, err := s.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && input == "" {
			return "", ErrSelectionCancelled
		}
		if !errors.Is(err, io.EOF) {
			return "", errors.Wrap(err, "reading answer")
		}
	}
	return strings.TrimSpace(input), nil
}

// Select prints a numbered list and returns the chosen item. There is no
// default: an empty answer cancels.
func (s *Selector) Select(title string, items []Item) (*Item, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	fmt.Fprintf(s.writer, "%s:\n", title)
	for i, it := range items {
		if it.Detail != "" {
			fmt.Fprintf(s.writer, "  [%d] %s (%s)\n", i+1, it.Value, it.Detail)
		} else {
			fmt.Fprintf(s.writer, "  [%d] %s\n", i+1, it.Value)
		}
	}
	fmt.Fprintf(s.writer, "Select [1-%d]: ", len(items))

	input, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if input == "" {
		return nil, ErrSelectionCancelled
	}

	selection, err := strconv.Atoi(input)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSelection, "%q is not a number", input)
	}
	if selection < 1 || selection > len(items) {
		return nil, errors.Wrapf(ErrInvalidSelection, "%d is out of range [1-%d]", selection, len(items))
	}
	return &items[selection-1], nil
}

// Confirm asks a yes/no question. Anything but "y" or "yes" is a no.
func (s *Selector) Confirm(question string) (bool, error) {
	fmt.Fprintf(s.writer, "%s [y/N]: ", question)
	input, err := s.readLine()
	if errors.Is(err, ErrSelectionCancelled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(input) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
