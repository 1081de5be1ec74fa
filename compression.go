package qsmpipe

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"

	"github.com/carbocation/pfx"
	"github.com/krolaw/zipstream"
	"github.com/xi2/xz"
)

type Compression byte

const (
	CompressionInvalid Compression = iota
	CompressionNone
	CompressionGzip
	CompressionZip
	CompressionXZ
	CompressionBZip2
)

// Byte code signatures from https://stackoverflow.com/a/19127748/199475
var compressionMagic = []struct {
	kind  Compression
	magic []byte
}{
	{CompressionGzip, []byte{0x1f, 0x8b, 0x08}},
	{CompressionZip, []byte{0x50, 0x4b, 0x03, 0x04}},
	{CompressionXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
	{CompressionBZip2, []byte{0x42, 0x5a, 0x68}},
}

// DetectCompression looks at the first bytes of head and reports which
// compression, if any, they announce. A short head is treated as
// uncompressed.
func DetectCompression(head []byte) Compression {
	for _, sig := range compressionMagic {
		if len(head) >= len(sig.magic) && bytes.Equal(head[:len(sig.magic)], sig.magic) {
			return sig.kind
		}
	}

	return CompressionNone
}

// OpenMaybeCompressed opens a local file and transparently decompresses it if
// its magic bytes say it is gzip, zip (first entry), xz or bzip2 data. Closing the
// returned ReadCloser closes the file.
func OpenMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, MissingFile(path)
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	rc, err := NewDecompressingReader(f)
	if err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}

	return &stackedCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}

// NewDecompressingReader wraps r according to the compression announced by
// its first bytes.
func NewDecompressingReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)

	// Peek returns fewer bytes (and io.EOF) for tiny files, which simply means
	// they cannot carry a signature.
	head, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch DetectCompression(head) {
	case CompressionGzip:
		return gzip.NewReader(br)
	case CompressionZip:
		zr := zipstream.NewReader(br)
		if _, err := zr.Next(); err != nil {
			return nil, err
		}
		return io.NopCloser(zr), nil
	case CompressionBZip2:
		return io.NopCloser(bzip2.NewReader(br)), nil
	case CompressionXZ:
		reader, err := xz.NewReader(br, 0)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(reader), nil
	}

	return io.NopCloser(br), nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
