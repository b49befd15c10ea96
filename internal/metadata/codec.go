package metadata

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Parse decodes a complete manifest.
func Parse(data []byte) (Header, []Record, error) {
	return Read(bytes.NewReader(data))
}

// Read decodes a manifest from r.
func Read(r io.Reader) (Header, []Record, error) {
	d := &decoder{r: bufio.NewReader(r)}

	h, err := d.header()
	if err != nil {
		return Header{}, nil, err
	}

	var records []Record
	seen := make(map[string]struct{})
	for {
		rec, err := d.record()
		if err == io.EOF {
			return h, records, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		if _, dup := seen[rec.Dir]; dup {
			return Header{}, nil, d.malformed("duplicate directory " + strconv.Quote(rec.Dir))
		}
		seen[rec.Dir] = struct{}{}
		records = append(records, rec)
	}
}

type decoder struct {
	r   *bufio.Reader
	off int64
}

func (d *decoder) malformed(reason string) error {
	return &errors.MalformedMetadataError{Offset: d.off, Reason: reason}
}

// token reads up to and including delim. A clean EOF before any byte is
// reported as io.EOF; EOF after some bytes is io.ErrUnexpectedEOF.
func (d *decoder) token(delim byte) (string, error) {
	s, err := d.r.ReadString(delim)
	d.off += int64(len(s))
	if err == io.EOF {
		if s == "" {
			return "", io.EOF
		}
		return "", io.ErrUnexpectedEOF
	}
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func (d *decoder) header() (Header, error) {
	banner, err := d.token('\n')
	if err != nil {
		return Header{}, d.malformed("truncated header")
	}
	i := strings.LastIndexByte(banner, '-')
	if i <= 0 {
		return Header{}, d.malformed("banner has no format version: " + strconv.Quote(banner))
	}
	version, err := strconv.Atoi(banner[i+1:])
	if err != nil {
		return Header{}, d.malformed("bad format version: " + strconv.Quote(banner[i+1:]))
	}

	h := Header{Archiver: banner[:i], Version: version}
	if h.Seconds, err = d.int("header seconds"); err != nil {
		return Header{}, err
	}
	if h.Nanos, err = d.int("header nanoseconds"); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (d *decoder) int(field string) (int64, error) {
	tok, err := d.token(0)
	if err != nil {
		return 0, d.malformed("truncated " + field)
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, d.malformed(field + " is not numeric: " + strconv.Quote(tok))
	}
	return v, nil
}

func (d *decoder) uint(field string, bits int) (uint64, error) {
	tok, err := d.token(0)
	if err != nil {
		return 0, d.malformed("truncated " + field)
	}
	v, err := strconv.ParseUint(tok, 10, bits)
	if err != nil {
		return 0, d.malformed(field + " is not numeric: " + strconv.Quote(tok))
	}
	return v, nil
}

func (d *decoder) record() (Record, error) {
	// The only place a clean EOF is allowed is before the first field.
	if _, err := d.r.Peek(1); err == io.EOF {
		return Record{}, io.EOF
	}

	var (
		rec Record
		err error
		v   uint64
	)
	if rec.Stat.Dev, err = d.uint("device", 64); err != nil {
		return Record{}, err
	}
	if rec.Stat.Ino, err = d.uint("inode", 64); err != nil {
		return Record{}, err
	}
	if rec.Stat.MTime, err = d.int("mtime"); err != nil {
		return Record{}, err
	}
	if v, err = d.uint("mode", 32); err != nil {
		return Record{}, err
	}
	rec.Stat.Mode = uint32(v)
	if rec.Stat.Size, err = d.int("size"); err != nil {
		return Record{}, err
	}

	if rec.Dir, err = d.token('\n'); err != nil {
		return Record{}, d.malformed("truncated directory path")
	}

	names := make(map[string]struct{})
	for {
		tok, err := d.token(0)
		if err != nil {
			return Record{}, d.malformed("unexpected end of entries for " + strconv.Quote(rec.Dir))
		}
		if tok == "" {
			return rec, nil
		}
		e := Entry{Control: Control(tok[0]), Name: tok[1:]}
		if _, dup := names[e.Name]; dup {
			return Record{}, d.malformed("duplicate entry " + strconv.Quote(e.Name) + " in " + strconv.Quote(rec.Dir))
		}
		names[e.Name] = struct{}{}
		rec.Entries = append(rec.Entries, e)
	}
}

// Write encodes h followed by records.
func Write(w io.Writer, h Header, records []Record) error {
	mw, err := NewWriter(w, h)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := mw.AppendRecord(rec); err != nil {
			return err
		}
	}
	return mw.Flush()
}

// Encode returns the encoded form of h and records.
func Encode(h Header, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, h, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer streams a manifest. Records are only ever appended; bytes already
// written are never revisited.
type Writer struct {
	w    *bufio.Writer
	dirs map[string]struct{}
}

// NewWriter writes the header to w and returns a Writer for the records.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if strings.ContainsAny(h.Archiver, "\n\x00") {
		return nil, errors.Newf("archiver id %q contains a separator", h.Archiver)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(h.banner())
	bw.WriteByte('\n')
	writeInt(bw, h.Seconds)
	writeInt(bw, h.Nanos)
	return &Writer{w: bw, dirs: make(map[string]struct{})}, nil
}

// AppendRecord encodes one Record.
func (mw *Writer) AppendRecord(rec Record) error {
	if strings.ContainsAny(rec.Dir, "\n\x00") {
		return errors.Newf("directory %q contains a separator", rec.Dir)
	}
	if _, dup := mw.dirs[rec.Dir]; dup {
		return errors.Newf("duplicate directory %q", rec.Dir)
	}
	names := make(map[string]struct{}, len(rec.Entries))
	for _, e := range rec.Entries {
		if e.Control == 0 || strings.IndexByte(e.Name, 0) >= 0 {
			return errors.Newf("invalid entry %q in %q", e.Name, rec.Dir)
		}
		if _, dup := names[e.Name]; dup {
			return errors.Newf("duplicate entry %q in %q", e.Name, rec.Dir)
		}
		names[e.Name] = struct{}{}
	}
	mw.dirs[rec.Dir] = struct{}{}

	writeUint(mw.w, rec.Stat.Dev)
	writeUint(mw.w, rec.Stat.Ino)
	writeInt(mw.w, rec.Stat.MTime)
	writeUint(mw.w, uint64(rec.Stat.Mode))
	writeInt(mw.w, rec.Stat.Size)
	mw.w.WriteString(rec.Dir)
	mw.w.WriteByte('\n')
	for _, e := range rec.Entries {
		mw.w.WriteByte(byte(e.Control))
		mw.w.WriteString(e.Name)
		mw.w.WriteByte(0)
	}
	return mw.w.WriteByte(0)
}

// Flush writes any buffered data to the underlying writer.
func (mw *Writer) Flush() error {
	return mw.w.Flush()
}

func writeInt(w *bufio.Writer, v int64) {
	w.WriteString(strconv.FormatInt(v, 10))
	w.WriteByte(0)
}

func writeUint(w *bufio.Writer, v uint64) {
	w.WriteString(strconv.FormatUint(v, 10))
	w.WriteByte(0)
}
