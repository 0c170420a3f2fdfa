package install

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInstallDir(t *testing.T) {
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	tests := []struct {
		name     string
		binDir   string
		setupEnv map[string]string
		want     string
	}{
		{
			name:   "explicit directory",
			binDir: "/usr/local/bin",
			want:   "/usr/local/bin",
		},
		{
			name:     "expand home directory",
			binDir:   "~/bin",
			setupEnv: map[string]string{"HOME": "/home/user"},
			want:     "/home/user/bin",
		},
		{
			name:     "expand environment variable",
			binDir:   "${CUSTOM_BIN}/tools",
			setupEnv: map[string]string{"CUSTOM_BIN": "/opt/bin"},
			want:     "/opt/bin/tools",
		},
		{
			name:     "default from BINSYNC_STORE_DIR",
			setupEnv: map[string]string{"BINSYNC_STORE_DIR": "/custom/bin"},
			want:     "/custom/bin",
		},
		{
			name:     "default under HOME",
			setupEnv: map[string]string{"HOME": "/home/user", "BINSYNC_STORE_DIR": ""},
			want:     "/home/user/.local/bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if runtime.GOOS == "windows" {
				t.Skip("unix paths")
			}
			for k, v := range tt.setupEnv {
				t.Setenv(k, v)
			}

			got, err := ResolveInstallDir(tt.binDir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstall(t *testing.T) {
	dir := t.TempDir()

	path, err := Install([]byte("#!/bin/sh\necho v1\n"), dir, "tool", "linux")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tool"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho v1\n", string(content))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}

	// Replacing an existing file
	_, err = Install([]byte("#!/bin/sh\necho v2\n"), dir, "tool", "linux")
	require.NoError(t, err)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho v2\n", string(content))

	// No temporary files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tool", entries[0].Name())
}

func TestInstallCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "bin")
	path, err := Install([]byte("x"), dir, "tool", "linux")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestInstallWindowsTarget(t *testing.T) {
	dir := t.TempDir()
	path, err := Install([]byte("MZ"), dir, "tool", "windows")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tool.exe"), path)

	path, err = Install([]byte("MZ"), dir, "other.EXE", "windows")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "other.EXE"), path)
}

func TestInstallRejectsEmpty(t *testing.T) {
	_, err := Install(nil, t.TempDir(), "tool", "linux")
	assert.Error(t, err)
}

func TestInstallConcurrentReaders(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open files cannot be replaced on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "tool")

	old := bytes.Repeat([]byte("o"), 1<<20)
	updated := bytes.Repeat([]byte("n"), 2<<20)
	require.NoError(t, os.WriteFile(target, old, 0o755))

	var done atomic.Bool
	var wg sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				data, err := os.ReadFile(target)
				if err != nil {
					continue
				}
				if !bytes.Equal(data, old) && !bytes.Equal(data, updated) {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		data := updated
		if i%2 == 1 {
			data = old
		}
		_, err := Install(data, dir, "tool", "linux")
		require.NoError(t, err)
	}
	done.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load(), "a reader observed a partially written file")
}

func TestConcurrentInstallsOfSameTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open files cannot be replaced on windows")
	}
	dir := t.TempDir()
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = Install([]byte(strings.Repeat("x", 4096)), dir, "concurrent-binary", "linux")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "concurrent-binary"))
	require.NoError(t, err)
	assert.Len(t, content, 4096)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "lock.yaml")
	require.NoError(t, WriteFileAtomic(path, []byte("a: 1\n"), 0o644))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(content))
}
