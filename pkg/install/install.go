// Package install places executables into the target directory atomically.
package install

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// DefaultDir is used when neither the configuration nor the environment
// names a target directory.
const DefaultDir = "~/.local/bin"

// ResolveInstallDir resolves the installation directory, handling defaults and expansions
func ResolveInstallDir(binDir string) (string, error) {
	if binDir == "" {
		binDir = os.Getenv("BINSYNC_STORE_DIR")
	}
	if binDir == "" {
		binDir = DefaultDir
	}

	expanded, err := homedir.Expand(os.ExpandEnv(binDir))
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand install directory %q", binDir)
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve install directory")
	}
	return absPath, nil
}

// FileName returns the installed file name for an executable on goos.
func FileName(name, goos string) string {
	if goos == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// Install writes data as the executable name inside targetDir and returns
// the installed path. The file is written under a temporary name, synced
// and renamed over the final path, so readers see either the previous file
// or the complete new one. An existing file is replaced.
func Install(data []byte, targetDir, name, goos string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to install an empty executable")
	}
	targetPath := filepath.Join(targetDir, FileName(name, goos))

	perm := os.FileMode(0o755)
	if goos == "windows" {
		perm = 0o644
	}
	if err := writeAtomic(targetPath, bytes.NewReader(data), perm); err != nil {
		return "", err
	}
	return targetPath, nil
}

// WriteFileAtomic writes a regular file with the same replace-by-rename
// guarantee as Install.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, bytes.NewReader(data), perm)
}

func writeAtomic(targetPath string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create install directory")
	}

	// Create temporary file in target directory for atomic replacement
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(targetPath)+"-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	tmpPath := tmpFile.Name()

	// Clean up on error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "failed to write file")
	}
	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "failed to set permissions")
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "failed to sync file")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary file")
	}

	if err := atomicInstall(tmpPath, targetPath); err != nil {
		return err
	}

	success = true
	return nil
}

// atomicInstall performs an atomic file replacement
func atomicInstall(sourcePath, targetPath string) error {
	// On Unix, rename is atomic
	if err := os.Rename(sourcePath, targetPath); err != nil {
		// Windows cannot rename over a file that is in use
		if runtime.GOOS == "windows" || os.IsExist(err) {
			if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "failed to remove existing file")
			}
			if err := os.Rename(sourcePath, targetPath); err != nil {
				return errors.Wrap(err, "failed to install binary")
			}
		} else {
			return errors.Wrap(err, "failed to install binary")
		}
	}
	return nil
}
