package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Format represents the archive format
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarXz  Format = "tar.xz"
	FormatTarZst Format = "tar.zst"
	FormatTarBz2 Format = "tar.bz2"
	FormatGz     Format = "gz"
	FormatXz     Format = "xz"
	FormatZst    Format = "zst"
	FormatBz2    Format = "bz2"
	FormatRaw    Format = "raw"
)

// IsTar reports whether the format is a tar stream, compressed or not.
func (f Format) IsTar() bool {
	return f == FormatTar || strings.HasPrefix(string(f), "tar.")
}

// compression returns the single-stream compression of the format, or ""
// for uncompressed formats and zip.
func (f Format) compression() Format {
	switch f {
	case FormatTarGz, FormatGz:
		return FormatGz
	case FormatTarXz, FormatXz:
		return FormatXz
	case FormatTarZst, FormatZst:
		return FormatZst
	case FormatTarBz2, FormatBz2:
		return FormatBz2
	}
	return ""
}

func (f Format) withTar() Format {
	switch f {
	case FormatGz:
		return FormatTarGz
	case FormatXz:
		return FormatTarXz
	case FormatZst:
		return FormatTarZst
	case FormatBz2:
		return FormatTarBz2
	}
	return f
}

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicXz       = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicBzip2    = []byte("BZh")
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicRar      = []byte("Rar!\x1a\x07")
)

const sniffLen = 512

// Detect determines the format of src from its leading bytes. The asset
// name is only consulted when the content carries no known magic number,
// and to tell a tar stream from a single compressed file when the
// decompressed header is inconclusive.
func Detect(src io.ReaderAt, assetName string) (Format, error) {
	head := make([]byte, sniffLen)
	n, err := src.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "failed to read asset")
	}
	head = head[:n]
	if n == 0 {
		return "", errors.Wrap(ErrCorruptArchive, "asset is empty")
	}

	byName := formatFromName(assetName)

	var compressed Format
	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicGzip):
		compressed = FormatGz
	case bytes.HasPrefix(head, magicXz):
		compressed = FormatXz
	case bytes.HasPrefix(head, magicZstd):
		compressed = FormatZst
	case bytes.HasPrefix(head, magicBzip2):
		compressed = FormatBz2
	case bytes.HasPrefix(head, magic7z), bytes.HasPrefix(head, magicRar):
		return "", errors.Wrapf(ErrUnsupportedFormat, "%s", assetName)
	case isTarHeader(head):
		return FormatTar, nil
	}

	if compressed != "" {
		inner, err := peekDecompressed(compressed, io.NewSectionReader(src, 0, 1<<62))
		if err != nil {
			return "", errors.Wrapf(ErrCorruptArchive, "%s: %v", assetName, err)
		}
		if isTarHeader(inner) || byName.IsTar() {
			return compressed.withTar(), nil
		}
		return compressed, nil
	}

	switch {
	case byName == FormatRaw:
		return FormatRaw, nil
	case byName == "":
		return "", errors.Wrapf(ErrUnsupportedFormat, "%s", assetName)
	default:
		return "", errors.Wrapf(ErrCorruptArchive, "%s does not contain %s data", assetName, byName)
	}
}

func isTarHeader(b []byte) bool {
	return len(b) >= 262 && bytes.Equal(b[257:262], []byte("ustar"))
}

func peekDecompressed(f Format, r io.Reader) ([]byte, error) {
	rc, err := decompress(f, r)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

// decompress wraps r in a decompressor for a single-stream compression.
func decompress(f Format, r io.Reader) (io.ReadCloser, error) {
	switch f.compression() {
	case FormatGz:
		return pgzip.NewReader(r)
	case FormatXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case FormatZst:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case FormatBz2:
		return bzip2.NewReader(r, nil)
	}
	return io.NopCloser(r), nil
}

// openTar returns a tar reader over the whole archive and a function
// releasing the decompressor.
func openTar(f Format, src io.ReaderAt, size int64) (*tar.Reader, func() error, error) {
	rc, err := decompress(f, io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorruptArchive, "%s: %v", f, err)
	}
	return tar.NewReader(rc), rc.Close, nil
}

var unsupportedExtensions = []string{".7z", ".rar", ".tar.lz", ".tar.lz4", ".lz4", ".lzma", ".tar.lzma", ".cab", ".iso"}

// formatFromName maps an asset file name to the format it claims. Names
// without an archive extension map to FormatRaw; names with an extension
// this package cannot read map to "".
func formatFromName(name string) Format {
	lower := strings.ToLower(name)
	suffixes := []struct {
		ext    string
		format Format
	}{
		{".tar.gz", FormatTarGz},
		{".tgz", FormatTarGz},
		{".tar.xz", FormatTarXz},
		{".txz", FormatTarXz},
		{".tar.zst", FormatTarZst},
		{".tar.zstd", FormatTarZst},
		{".tzst", FormatTarZst},
		{".tar.bz2", FormatTarBz2},
		{".tbz2", FormatTarBz2},
		{".tbz", FormatTarBz2},
		{".tar", FormatTar},
		{".zip", FormatZip},
		{".gz", FormatGz},
		{".xz", FormatXz},
		{".zst", FormatZst},
		{".bz2", FormatBz2},
	}
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.ext) {
			return s.format
		}
	}
	for _, ext := range unsupportedExtensions {
		if strings.HasSuffix(lower, ext) {
			return ""
		}
	}
	return FormatRaw
}

// trimCompressionExt strips a compression extension from a single
// compressed file's name: "jq-linux64.gz" becomes "jq-linux64".
func trimCompressionExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".gz", ".xz", ".zst", ".bz2"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
