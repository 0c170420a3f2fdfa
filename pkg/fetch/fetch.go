// Package fetch spools downloads to temporary files.
package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ProgressFunc is a callback for download progress
type ProgressFunc func(downloaded, total int64)

// Spooled is a download held in a temporary file. It satisfies the
// random-access source the archive extractor reads from.
type Spooled struct {
	*os.File
	Size   int64
	SHA256 string
}

// Close closes and removes the temporary file.
func (s *Spooled) Close() error {
	err := s.File.Close()
	if rmErr := os.Remove(s.File.Name()); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Spool copies r into a new temporary file in dir ("" for the system
// default) while computing its SHA-256. total is the expected size, or -1
// when unknown; a short body is reported as a *ReadError.
func Spool(r io.Reader, dir string, total int64, progress ProgressFunc) (*Spooled, error) {
	tmpFile, err := os.CreateTemp(dir, ".binsync-download-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file")
	}
	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
		}
	}()

	h := sha256.New()
	written, err := copyWithProgress(io.MultiWriter(tmpFile, h), r, total, progress)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		return nil, errors.New("no content downloaded")
	}
	if total >= 0 && written != total {
		return nil, &ReadError{Err: errors.Errorf("truncated at %d of %d bytes", written, total)}
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind download")
	}

	success = true
	return &Spooled{File: tmpFile, Size: written, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// ReadError is a failure reading the download stream, as opposed to
// writing the temporary file.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "download interrupted: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }

// ReadAllLimited reads at most max bytes from r, failing when there is
// more.
func ReadAllLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errors.Errorf("response exceeds %d bytes", max)
	}
	return data, nil
}

// copyWithProgress copies data and reports progress
func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024) // 32KB buffer

	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[0:nr])
			if writeErr != nil {
				return written, errors.Wrap(writeErr, "failed to write download")
			}
			written += int64(nw)

			if progress != nil {
				progress(written, total)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, &ReadError{Err: readErr}
		}
	}
}
