package source

import (
	"bufio"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the encoding of a dataset object.
type Format int

// Supported formats.
const (
	FormatPlain Format = iota
	Format7z
	FormatZstd
	FormatGzip
	FormatBzip2
	FormatSnappy
)

func (f Format) String() string {
	switch f {
	case Format7z:
		return "7z"
	case FormatZstd:
		return "zstd"
	case FormatGzip:
		return "gzip"
	case FormatBzip2:
		return "bzip2"
	case FormatSnappy:
		return "snappy"
	default:
		return "plain"
	}
}

// DetectFormat selects a format from the object name's extension.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".7z"):
		return Format7z
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".zstd"):
		return FormatZstd
	case strings.HasSuffix(lower, ".gz"):
		return FormatGzip
	case strings.HasSuffix(lower, ".bz2"):
		return FormatBzip2
	case strings.HasSuffix(lower, ".sz"):
		return FormatSnappy
	default:
		return FormatPlain
	}
}

// decode wraps obj.Body in the decoder for format. The returned closer
// releases the body and any spool file.
func decode(format Format, obj Object, spoolDir string) (io.ReadCloser, error) {
	switch format {
	case FormatPlain:
		return obj.Body, nil
	case Format7z:
		return open7z(obj, spoolDir)
	case FormatZstd:
		dec, err := zstd.NewReader(obj.Body)
		if err != nil {
			_ = obj.Body.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &decoded{Reader: dec, closers: []io.Closer{dec.IOReadCloser(), obj.Body}}, nil
	case FormatGzip:
		return openGzip(obj.Body)
	case FormatBzip2:
		return &decoded{Reader: bzip2.NewReader(obj.Body), closers: []io.Closer{obj.Body}}, nil
	case FormatSnappy:
		return &decoded{Reader: snappy.NewReader(obj.Body), closers: []io.Closer{obj.Body}}, nil
	}
	_ = obj.Body.Close()
	return nil, fmt.Errorf("unknown format %d", format)
}

type decoded struct {
	io.Reader
	closers []io.Closer
}

func (d *decoded) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// gzipStream reads exactly one gzip member. Once the member has been read to
// the end, a further member in the object is reported on Close.
type gzipStream struct {
	zr   *gzip.Reader
	br   *bufio.Reader
	body io.Closer
	eof  bool
}

func openGzip(body io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(body)
	zr, err := gzip.NewReader(br)
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("gzip: %w", err)
	}
	zr.Multistream(false)
	return &gzipStream{zr: zr, br: br, body: body}, nil
}

func (g *gzipStream) Read(p []byte) (int, error) {
	n, err := g.zr.Read(p)
	if errors.Is(err, io.EOF) {
		g.eof = true
	}
	return n, err
}

func (g *gzipStream) Close() error {
	var errs []error
	if g.eof {
		if err := g.zr.Reset(g.br); err == nil {
			errs = append(errs, fmt.Errorf("gzip: %w", ErrMultipleStreams))
		} else if !errors.Is(err, io.EOF) {
			errs = append(errs, fmt.Errorf("gzip: trailing data: %w", err))
		}
	}
	if err := g.zr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := g.body.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sevenZipStream reads the first file entry of a 7z archive. Archives with
// further file entries fail on Close.
type sevenZipStream struct {
	io.ReadCloser
	entries int
	file    *os.File
	spooled bool
}

func open7z(obj Object, spoolDir string) (io.ReadCloser, error) {
	file, ok := obj.Body.(*os.File)
	size := obj.Size
	spooled := false
	if !ok {
		var err error
		file, size, err = spool(obj.Body, spoolDir)
		if err != nil {
			return nil, err
		}
		spooled = true
	}
	fail := func(err error) (io.ReadCloser, error) {
		_ = file.Close()
		if spooled {
			_ = os.Remove(file.Name())
		}
		return nil, err
	}
	archive, err := sevenzip.NewReader(file, size)
	if err != nil {
		return fail(fmt.Errorf("7z: %w", err))
	}
	var entries []*sevenzip.File
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, f)
	}
	if len(entries) == 0 {
		return fail(fmt.Errorf("7z: archive has no file entries"))
	}
	rc, err := entries[0].Open()
	if err != nil {
		return fail(fmt.Errorf("7z: open %s: %w", entries[0].Name, err))
	}
	return &sevenZipStream{ReadCloser: rc, entries: len(entries), file: file, spooled: spooled}, nil
}

func (s *sevenZipStream) Close() error {
	var errs []error
	if err := s.ReadCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.entries > 1 {
		errs = append(errs, fmt.Errorf("7z: %w: %d entries", ErrMultipleStreams, s.entries))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.spooled {
		if err := os.Remove(s.file.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// spool copies body into a temporary file for random access.
func spool(body io.ReadCloser, dir string) (*os.File, int64, error) {
	defer body.Close()
	f, err := os.CreateTemp(dir, "dataserver-spool-*.7z")
	if err != nil {
		return nil, 0, fmt.Errorf("spool: %w", err)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, fmt.Errorf("spool: copy: %w", err)
	}
	return f, n, nil
}
