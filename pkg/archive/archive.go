// Package archive locates and extracts the executable inside a downloaded
// release asset.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedFormat is returned for containers this package cannot read.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrCorruptArchive is returned for unreadable or unsafe archives,
	// including entries that escape the archive root.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrNoExecutableFound is returned when no single entry can be
	// identified as the executable.
	ErrNoExecutableFound = errors.New("no executable found")
)

// DefaultMaxEntrySize caps the decompressed size of the extracted file.
const DefaultMaxEntrySize = 512 << 20

// Source is a seekable, random-access view of a downloaded asset, such as
// an *os.File or *bytes.Reader.
type Source interface {
	io.ReaderAt
	io.ReadSeeker
}

// Options controls executable selection.
type Options struct {
	// Names are executable base names to look for, most preferred first.
	// A ".exe" suffix is tolerated on every name.
	Names []string
	// ToolName identifies zip entries that carry no Unix permissions.
	ToolName string
	// MaxEntrySize overrides DefaultMaxEntrySize.
	MaxEntrySize int64
}

func (o Options) maxSize() int64 {
	if o.MaxEntrySize > 0 {
		return o.MaxEntrySize
	}
	return DefaultMaxEntrySize
}

// Executable is the extracted executable.
type Executable struct {
	// Name is the base name of the entry, or of the asset for raw and
	// single compressed files.
	Name string
	// EntryPath is the cleaned path inside the archive. Empty for raw assets.
	EntryPath string
	Format    Format
	Data      []byte
}

// entry is one archive member as seen while listing.
type entry struct {
	index   int
	path    string
	regular bool
	exec    bool
	size    int64
}

func (e entry) base() string { return path.Base(e.path) }
func (e entry) depth() int { return strings.Count(e.path, "/") }

// Extract detects the format of src and returns the executable it holds.
// Extracting the same asset twice yields identical results.
func Extract(src Source, assetName string, opts Options) (*Executable, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine asset size")
	}
	format, err := Detect(src, assetName)
	if err != nil {
		return nil, err
	}

	switch {
	case format == FormatZip:
		return extractZip(src, size, opts)
	case format.IsTar():
		return extractTar(src, size, format, opts)
	case format == FormatRaw:
		data, err := readLimited(io.NewSectionReader(src, 0, size), opts.maxSize())
		if err != nil {
			return nil, err
		}
		return &Executable{Name: path.Base(assetName), Format: format, Data: data}, nil
	default:
		rc, err := decompress(format, io.NewSectionReader(src, 0, size))
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptArchive, "%s: %v", format, err)
		}
		defer rc.Close()
		data, err := readLimited(rc, opts.maxSize())
		if err != nil {
			return nil, err
		}
		return &Executable{Name: trimCompressionExt(path.Base(assetName)), Format: format, Data: data}, nil
	}
}

func extractZip(src io.ReaderAt, size int64, opts Options) (*Executable, error) {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArchive, "zip: %v", err)
	}

	entries := make([]entry, 0, len(zr.File))
	for i, f := range zr.File {
		p, err := cleanEntryPath(f.Name)
		if err != nil {
			return nil, err
		}
		e := entry{index: i, path: p, size: int64(f.UncompressedSize64)}
		if hasUnixMode(f) {
			e.regular = f.Mode().IsRegular()
			e.exec = e.regular && f.Mode()&0o111 != 0
		} else {
			e.regular = !f.FileInfo().IsDir()
			e.exec = e.regular && looksExecutable(e.base(), opts.ToolName)
		}
		entries = append(entries, e)
	}

	chosen, err := choose(entries, opts)
	if err != nil {
		return nil, err
	}
	if chosen.size > opts.maxSize() {
		return nil, errors.Wrapf(ErrCorruptArchive, "%s exceeds the %d byte size limit", chosen.path, opts.maxSize())
	}

	rc, err := zr.File[chosen.index].Open()
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArchive, "zip: %v", err)
	}
	defer rc.Close()
	data, err := readLimited(rc, opts.maxSize())
	if err != nil {
		return nil, err
	}
	return &Executable{Name: chosen.base(), EntryPath: chosen.path, Format: FormatZip, Data: data}, nil
}

// hasUnixMode reports whether a zip entry was written with Unix
// permission bits.
func hasUnixMode(f *zip.File) bool {
	switch f.CreatorVersion >> 8 {
	case 3, 19: // Unix, macOS
		return true
	}
	return false
}

// looksExecutable stands in for the permission bit on zip entries created
// on systems without one.
func looksExecutable(base, toolName string) bool {
	lower := strings.ToLower(base)
	if strings.HasSuffix(lower, ".exe") {
		return true
	}
	return toolName != "" && strings.EqualFold(base, toolName)
}

// extractTar reads the tar stream twice: once to list entries and once to
// read the chosen one, so only the executable is held in memory.
func extractTar(src io.ReaderAt, size int64, format Format, opts Options) (*Executable, error) {
	tr, closeFn, err := openTar(format, src, size)
	if err != nil {
		return nil, err
	}
	var entries []entry
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeFn()
			return nil, errors.Wrapf(ErrCorruptArchive, "%s: %v", format, err)
		}
		p, err := cleanEntryPath(hdr.Name)
		if err != nil {
			closeFn()
			return nil, err
		}
		mode := hdr.FileInfo().Mode()
		entries = append(entries, entry{
			index:   i,
			path:    p,
			regular: mode.IsRegular(),
			exec:    mode.IsRegular() && mode&0o111 != 0,
			size:    hdr.Size,
		})
	}
	closeFn()

	chosen, err := choose(entries, opts)
	if err != nil {
		return nil, err
	}
	if chosen.size > opts.maxSize() {
		return nil, errors.Wrapf(ErrCorruptArchive, "%s exceeds the %d byte size limit", chosen.path, opts.maxSize())
	}

	tr, closeFn, err = openTar(format, src, size)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptArchive, "%s: entry %s vanished on second read: %v", format, chosen.path, err)
		}
		if i != chosen.index {
			continue
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			return nil, errors.Wrapf(ErrCorruptArchive, "%s changed type on second read", chosen.path)
		}
		data, err := readLimited(tr, opts.maxSize())
		if err != nil {
			return nil, err
		}
		return &Executable{Name: chosen.base(), EntryPath: chosen.path, Format: format, Data: data}, nil
	}
}

// choose picks the executable among archive entries: an entry named after
// one of opts.Names, else the only executable regular file, else the only
// regular file.
func choose(entries []entry, opts Options) (entry, error) {
	for _, name := range opts.Names {
		if name == "" {
			continue
		}
		matches := byName(entries, name, false)
		if len(matches) == 0 {
			matches = byName(entries, name, true)
		}
		if len(matches) == 0 {
			continue
		}
		return shallowest(matches, name)
	}

	var regular, executable []entry
	for _, e := range entries {
		if !e.regular {
			continue
		}
		regular = append(regular, e)
		if e.exec {
			executable = append(executable, e)
		}
	}
	switch {
	case len(executable) == 1:
		return executable[0], nil
	case len(executable) == 0 && len(regular) == 1:
		return regular[0], nil
	case len(regular) == 0:
		return entry{}, errors.Wrap(ErrNoExecutableFound, "archive contains no regular files")
	case len(executable) > 1:
		return entry{}, errors.Wrapf(ErrNoExecutableFound, "%d executable files and no name to choose by: %s", len(executable), paths(executable))
	default:
		return entry{}, errors.Wrapf(ErrNoExecutableFound, "%d files, none executable, and no name to choose by", len(regular))
	}
}

func byName(entries []entry, name string, foldCase bool) []entry {
	var out []entry
	for _, e := range entries {
		if !e.regular {
			continue
		}
		base := e.base()
		for _, want := range []string{name, name + ".exe"} {
			if base == want || (foldCase && strings.EqualFold(base, want)) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// shallowest returns the match closest to the archive root. Several
// matches at that depth cannot be told apart.
func shallowest(matches []entry, name string) (entry, error) {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].depth() < matches[j].depth() })
	if len(matches) > 1 && matches[0].depth() == matches[1].depth() {
		var tied []entry
		for _, m := range matches {
			if m.depth() == matches[0].depth() {
				tied = append(tied, m)
			}
		}
		return entry{}, errors.Wrapf(ErrNoExecutableFound, "%d entries named %s at the same depth: %s", len(tied), name, paths(tied))
	}
	return matches[0], nil
}

func paths(entries []entry) string {
	p := make([]string, len(entries))
	for i, e := range entries {
		p[i] = e.path
	}
	sort.Strings(p)
	return strings.Join(p, ", ")
}

// cleanEntryPath normalizes an entry name and rejects names that would
// escape the extraction root.
func cleanEntryPath(name string) (string, error) {
	p := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(p, "/") || (len(p) >= 2 && p[1] == ':') {
		return "", errors.Wrapf(ErrCorruptArchive, "entry %q has an absolute path", name)
	}
	p = path.Clean(p)
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", errors.Wrapf(ErrCorruptArchive, "entry %q escapes the archive root", name)
	}
	return p, nil
}

// readLimited reads r fully, failing once more than max bytes arrive.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArchive, "read failed: %v", err)
	}
	if n > max {
		return nil, errors.Wrapf(ErrCorruptArchive, "entry exceeds the %d byte size limit", max)
	}
	if n == 0 {
		return nil, errors.Wrap(ErrCorruptArchive, "executable is empty")
	}
	return buf.Bytes(), nil
}

// String describes the executable for logs.
func (e *Executable) String() string {
	if e.EntryPath == "" {
		return fmt.Sprintf("%s (%s, %d bytes)", e.Name, e.Format, len(e.Data))
	}
	return fmt.Sprintf("%s (%s in %s, %d bytes)", e.Name, e.EntryPath, e.Format, len(e.Data))
}
