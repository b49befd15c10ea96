package archive

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/juju/collections/set"
	"github.com/klauspost/compress/gzip"

	"github.com/thoreinstein/snapkeep/internal/errors"
)

// Archiver moves file contents in and out of a snapshot archive. Member
// names are slash separated paths relative to root.
type Archiver interface {
	// Create writes a new archive holding members read from root.
	Create(ctx context.Context, ref Ref, root string, members []string) error
	// List returns the member names stored in the archive.
	List(ctx context.Context, ref Ref) ([]string, error)
	// Extract writes the named members below dest.
	Extract(ctx context.Context, ref Ref, members []string, dest string) error
	// Append adds members read from root to an existing archive.
	Append(ctx context.Context, ref Ref, root string, members []string) error
	// Transfer adds the named members of src to dst with their headers
	// and contents unchanged. dst is created when it does not exist.
	Transfer(ctx context.Context, src, dst Ref, members []string) error
}

// Tar is the default Archiver: a tar stream, optionally compressed and
// optionally split into fixed-size parts.
type Tar struct {
	logger      *slog.Logger
	dereference bool
}

var _ Archiver = (*Tar)(nil)

// TarOption configures a Tar.
type TarOption func(*Tar)

// WithDereference stores the files symlinks point to instead of the links.
func WithDereference(on bool) TarOption {
	return func(t *Tar) {
		t.dereference = on
	}
}

// NewTar returns a Tar archiver logging to logger.
func NewTar(logger *slog.Logger, opts ...TarOption) *Tar {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tar{logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create implements Archiver. Members that vanished since they were
// collected are skipped with a warning.
func (t *Tar) Create(ctx context.Context, ref Ref, root string, members []string) error {
	w, err := openWriter(ref)
	if err != nil {
		return err
	}
	if err := t.addMembers(ctx, w.tar, root, members); err != nil {
		w.abort()
		return err
	}
	return w.Close()
}

// List implements Archiver.
func (t *Tar) List(ctx context.Context, ref Ref) ([]string, error) {
	r, err := openReader(ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var names []string
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", ref.Path)
		}
		names = append(names, memberName(hdr))
	}
}

// Extract implements Archiver. Every requested member must be present.
func (t *Tar) Extract(ctx context.Context, ref Ref, members []string, dest string) error {
	r, err := openReader(ref)
	if err != nil {
		return err
	}
	defer r.Close()

	want := set.NewStrings(members...)
	found := set.NewStrings()
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", ref.Path)
		}
		name := memberName(hdr)
		if !want.Contains(name) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return errors.Newf("refusing to extract member %q outside %s", hdr.Name, dest)
		}
		if err := t.extractOne(tr, hdr, filepath.Join(dest, filepath.FromSlash(name))); err != nil {
			return err
		}
		found.Add(name)
	}

	if missing := want.Difference(found); !missing.IsEmpty() {
		return errors.Newf("members not found in %s: %s", ref.Path, strings.Join(missing.SortedValues(), ", "))
	}
	return nil
}

// Append implements Archiver. The archive is rewritten into a sibling temp
// archive which then replaces the original, so a failed append leaves the
// original untouched. Existing members named again in members are replaced.
func (t *Tar) Append(ctx context.Context, ref Ref, root string, members []string) error {
	return t.rewrite(ctx, ref, set.NewStrings(members...), func(tw *tar.Writer) error {
		return t.addMembers(ctx, tw, root, members)
	})
}

// Transfer implements Archiver. Every requested member must be present in
// src. Owner, group, mode and times travel with the header, so nothing is
// staged on disk.
func (t *Tar) Transfer(ctx context.Context, src, dst Ref, members []string) error {
	want := set.NewStrings(members...)
	return t.rewrite(ctx, dst, want, func(tw *tar.Writer) error {
		copied, err := t.copyStream(ctx, src, tw, want.Contains)
		if err != nil {
			return err
		}
		if missing := want.Difference(copied); !missing.IsEmpty() {
			return errors.Newf("members not found in %s: %s", src.Path, strings.Join(missing.SortedValues(), ", "))
		}
		return nil
	})
}

// rewrite writes ref again with its members minus replace, followed by
// whatever add writes, and swaps the result into place.
func (t *Tar) rewrite(ctx context.Context, ref Ref, replace set.Strings, add func(*tar.Writer) error) error {
	if !ref.Exists() {
		w, err := openWriter(ref)
		if err != nil {
			return err
		}
		if err := add(w.tar); err != nil {
			w.abort()
			return err
		}
		return w.Close()
	}

	tmp := ref
	tmp.Path = filepath.Join(filepath.Dir(ref.Path), ".append-"+filepath.Base(ref.Path))
	if err := tmp.Remove(); err != nil {
		return err
	}

	w, err := openWriter(tmp)
	if err != nil {
		return err
	}
	keep := func(name string) bool { return !replace.Contains(name) }
	if _, err := t.copyStream(ctx, ref, w.tar, keep); err != nil {
		w.abort()
		return err
	}
	if err := add(w.tar); err != nil {
		w.abort()
		return err
	}
	if err := w.Close(); err != nil {
		tmp.Remove()
		return err
	}
	if err := tmp.MoveTo(ref); err != nil {
		tmp.Remove()
		return err
	}
	return nil
}

// copyStream copies the members of ref accepted by keep into tw verbatim and
// returns their names.
func (t *Tar) copyStream(ctx context.Context, ref Ref, tw *tar.Writer, keep func(string) bool) (set.Strings, error) {
	r, err := openReader(ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	copied := set.NewStrings()
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return copied, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", ref.Path)
		}
		name := memberName(hdr)
		if !keep(name) {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errors.Wrap(err, "writing tar header")
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return nil, errors.Wrapf(err, "copying member %s", hdr.Name)
		}
		copied.Add(name)
	}
}

func (t *Tar) addMembers(ctx context.Context, tw *tar.Writer, root string, members []string) error {
	for _, name := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.addMember(tw, root, name); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tar) addMember(tw *tar.Writer, root, name string) error {
	full := filepath.Join(root, filepath.FromSlash(name))
	statFn := os.Lstat
	if t.dereference {
		statFn = os.Stat
	}
	fi, err := statFn(full)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Warn("skipping member that vanished", "path", full)
			return nil
		}
		return errors.Wrapf(err, "stat %s", full)
	}

	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return errors.Wrapf(err, "reading link %s", full)
		}
	}

	// Open before writing the header so an unreadable file never leaves a
	// dangling header in the stream.
	var f *os.File
	if fi.Mode().IsRegular() {
		f, err = os.Open(full)
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				t.logger.Warn("skipping unreadable member", "path", full, "error", err)
				return nil
			}
			return errors.Wrapf(err, "opening %s", full)
		}
		defer f.Close()
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return errors.Wrapf(err, "tar header for %s", full)
	}
	hdr.Name = name
	if fi.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, "writing tar header")
	}
	if f == nil {
		return nil
	}

	n, err := io.CopyN(tw, f, hdr.Size)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "archiving %s", full)
	}
	if n < hdr.Size {
		// The file shrank after stat; pad so the stream stays well formed.
		t.logger.Warn("member shrank while archiving", "path", full, "expected", hdr.Size, "got", n)
		if _, err := io.CopyN(tw, zeroReader{}, hdr.Size-n); err != nil {
			return errors.Wrapf(err, "padding %s", full)
		}
	}
	return nil
}

func (t *Tar) extractOne(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}
	mode := hdr.FileInfo().Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return errors.Wrap(err, "creating directory")
		}
		return t.chown(hdr, target)
	case tar.TypeSymlink:
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "replacing symlink")
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return errors.Wrap(err, "creating symlink")
		}
		return t.chown(hdr, target)
	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return errors.Wrapf(err, "creating %s", target)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return errors.Wrapf(err, "extracting %s", target)
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "closing %s", target)
		}
		// chown clears set-id bits, so ownership goes first.
		if err := t.chown(hdr, target); err != nil {
			return err
		}
		if err := os.Chmod(target, mode); err != nil {
			return errors.Wrapf(err, "setting mode of %s", target)
		}
		return errors.Wrap(os.Chtimes(target, hdr.ModTime, hdr.ModTime), "restoring mtime")
	}

	t.logger.Warn("skipping unsupported member type", "name", hdr.Name, "type", string(hdr.Typeflag))
	return nil
}

// chown restores the recorded owner. Only root may give files away, so for
// everyone else extracted files belong to the caller.
func (t *Tar) chown(hdr *tar.Header, target string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return errors.Wrapf(os.Lchown(target, hdr.Uid, hdr.Gid), "restoring owner of %s", target)
}

func memberName(hdr *tar.Header) string {
	return strings.TrimSuffix(hdr.Name, "/")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// writer is the tar -> compressor -> parts pipeline.
type writer struct {
	ref   Ref
	parts *partWriter
	comp  io.WriteCloser
	tar   *tar.Writer
}

func openWriter(ref Ref) (*writer, error) {
	if err := ref.Remove(); err != nil {
		return nil, err
	}
	parts, err := newPartWriter(ref)
	if err != nil {
		return nil, err
	}

	var comp io.WriteCloser
	switch ref.Compression {
	case Gzip:
		comp = gzip.NewWriter(parts)
	case Bzip2:
		bw, err := bzip2.NewWriter(parts, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			parts.Close()
			return nil, errors.Wrap(err, "starting bzip2 stream")
		}
		comp = bw
	default:
		comp = nopWriteCloser{parts}
	}
	return &writer{ref: ref, parts: parts, comp: comp, tar: tar.NewWriter(comp)}, nil
}

// Close finishes the stream and syncs the last part.
func (w *writer) Close() error {
	err := w.tar.Close()
	if cerr := w.comp.Close(); err == nil {
		err = cerr
	}
	if cerr := w.parts.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "finishing archive %s", w.ref.Path)
}

func (w *writer) abort() {
	w.Close()
	w.ref.Remove()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// partWriter spreads writes across numbered parts of at most SplitSize
// bytes, or into the single archive file when the ref is not split.
type partWriter struct {
	ref     Ref
	f       *os.File
	next    int
	written int64
}

func newPartWriter(ref Ref) (*partWriter, error) {
	p := &partWriter{ref: ref}
	if !ref.Split() {
		f, err := os.OpenFile(ref.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "creating archive")
		}
		p.f = f
		return p, nil
	}
	if err := p.rotate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *partWriter) rotate() error {
	if p.f != nil {
		if err := p.closeCurrent(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(partName(p.ref.Path, p.next), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating archive part")
	}
	p.f = f
	p.next++
	p.written = 0
	return nil
}

func (p *partWriter) Write(b []byte) (int, error) {
	if !p.ref.Split() {
		n, err := p.f.Write(b)
		return n, errors.Wrap(err, "writing archive")
	}

	var n int
	for len(b) > 0 {
		if p.written >= p.ref.SplitSize {
			if err := p.rotate(); err != nil {
				return n, err
			}
		}
		chunk := b
		if room := p.ref.SplitSize - p.written; int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		m, err := p.f.Write(chunk)
		n += m
		p.written += int64(m)
		b = b[m:]
		if err != nil {
			return n, errors.Wrap(err, "writing archive part")
		}
	}
	return n, nil
}

func (p *partWriter) closeCurrent() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return errors.Wrap(err, "syncing archive")
	}
	err := p.f.Close()
	p.f = nil
	return errors.Wrap(err, "closing archive")
}

func (p *partWriter) Close() error {
	if p.f == nil {
		return nil
	}
	return p.closeCurrent()
}

// reader decompresses the concatenation of all parts.
type reader struct {
	io.Reader
	closers []io.Closer
}

func openReader(ref Ref) (*reader, error) {
	parts, err := ref.Parts()
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.Newf("archive %s does not exist", ref.Path)
	}

	r := &reader{}
	streams := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		f, err := os.Open(p)
		if err != nil {
			r.Close()
			return nil, errors.Wrap(err, "opening archive part")
		}
		r.closers = append(r.closers, f)
		streams = append(streams, f)
	}
	joined := io.MultiReader(streams...)

	switch ref.Compression {
	case Gzip:
		zr, err := gzip.NewReader(joined)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "reading gzip stream %s", ref.Path)
		}
		r.Reader = zr
		r.closers = append(r.closers, zr)
	case Bzip2:
		br, err := bzip2.NewReader(joined, &bzip2.ReaderConfig{})
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "reading bzip2 stream %s", ref.Path)
		}
		r.Reader = br
		r.closers = append(r.closers, br)
	default:
		r.Reader = joined
	}
	return r, nil
}

func (r *reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// copyFile copies src to dst, preserving the permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening source file")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrap(err, "stat source file")
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrap(err, "creating destination file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "copying file")
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrap(err, "syncing file")
	}
	return errors.Wrap(out.Close(), "closing destination file")
}
