package pipeline

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/binary-install/binsync/pkg/archive"
	"github.com/binary-install/binsync/pkg/asset"
	"github.com/binary-install/binsync/pkg/release"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/binary-install/binsync/pkg/verify"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReleases serves releases and asset bodies from memory. Queued
// errors are returned before the real answer, one per call.
type fakeReleases struct {
	mu        sync.Mutex
	releases  map[string]*release.Release // by "owner/repo@tag", "" tag for latest
	bodies    map[string][]byte           // by asset URL
	fetchErrs []error
	dlErrs    []error
	fetches   int
	downloads int
	block     bool
}

func newFakeReleases() *fakeReleases {
	return &fakeReleases{releases: map[string]*release.Release{}, bodies: map[string][]byte{}}
}

func (f *fakeReleases) add(owner, repo, tag string, latest bool, files map[string][]byte) {
	rel := &release.Release{Tag: tag}
	for name, body := range files {
		url := fmt.Sprintf("https://example.test/%s/%s/%s/%s", owner, repo, tag, name)
		rel.Assets = append(rel.Assets, release.Asset{Name: name, URL: url, Size: int64(len(body))})
		f.bodies[url] = body
	}
	f.releases[owner+"/"+repo+"@"+tag] = rel
	if latest {
		f.releases[owner+"/"+repo+"@"] = rel
	}
}

func (f *fakeReleases) fetch(ctx context.Context, owner, repo, tag string) (*release.Release, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	var queued error
	if len(f.fetchErrs) > 0 {
		queued, f.fetchErrs = f.fetchErrs[0], f.fetchErrs[1:]
	}
	rel, ok := f.releases[owner+"/"+repo+"@"+tag]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if queued != nil {
		return nil, queued
	}
	if !ok {
		return nil, &release.NotFoundError{What: fmt.Sprintf("release %q of %s/%s", tag, owner, repo)}
	}
	return rel, nil
}

func (f *fakeReleases) FetchLatestRelease(ctx context.Context, owner, repo string) (*release.Release, error) {
	return f.fetch(ctx, owner, repo, "")
}

func (f *fakeReleases) FetchReleaseByTag(ctx context.Context, owner, repo, tag string) (*release.Release, error) {
	return f.fetch(ctx, owner, repo, tag)
}

func (f *fakeReleases) DownloadAsset(_ context.Context, a release.Asset) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if len(f.dlErrs) > 0 {
		var err error
		err, f.dlErrs = f.dlErrs[0], f.dlErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	body, ok := f.bodies[a.URL]
	if !ok {
		return nil, &release.NotFoundError{What: a.URL}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var linuxAmd64 = spec.Platform{OS: "linux", Arch: "amd64"}

func testOptions(observer Observer) Options {
	return Options{
		Platform: linuxAmd64,
		Retry: RetryPolicy{
			Attempts:        3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetryAfter:   time.Minute,
			InstallDelay:    time.Millisecond,
		},
		VerifyChecksums: true,
		Observer:        observer,
	}
}

var widget = spec.ToolSpec{Name: "widget", Owner: "acme", Repo: "widget"}

// widgetRelease publishes v1.2.0 of acme/widget with linux and darwin
// archives and a checksum list.
func widgetRelease(t *testing.T, f *fakeReleases) []byte {
	t.Helper()
	linux := tarGz(t, map[string]string{
		"widget-1.2.0/widget":    "#!/bin/sh\necho widget\n",
		"widget-1.2.0/README.md": "docs",
	})
	darwin := tarGz(t, map[string]string{"widget": "darwin build"})
	sums := fmt.Sprintf("%s  widget_linux_amd64.tar.gz\n%s  widget_darwin_arm64.tar.gz\n",
		sha256Hex(linux), sha256Hex(darwin))
	f.add("acme", "widget", "v1.2.0", true, map[string][]byte{
		"widget_linux_amd64.tar.gz":  linux,
		"widget_darwin_arm64.tar.gz": darwin,
		"checksums.txt":              []byte(sums),
	})
	return linux
}

func TestRunInstallsTool(t *testing.T) {
	f := newFakeReleases()
	linux := widgetRelease(t, f)

	var mu sync.Mutex
	var stages []Stage
	p := New(f, testOptions(func(tool string, stage Stage) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "widget", tool)
		stages = append(stages, stage)
	}))

	dir := t.TempDir()
	res := p.Run(context.Background(), widget, dir)
	require.NoError(t, res.Err)

	assert.Equal(t, StatusInstalled, res.Status)
	assert.Equal(t, StageInstalled, res.Stage)
	assert.True(t, res.OK())
	assert.Equal(t, "v1.2.0", res.Tag)
	assert.Equal(t, "widget_linux_amd64.tar.gz", res.Asset)
	assert.Equal(t, sha256Hex(linux), res.SHA256)
	assert.Equal(t, filepath.Join(dir, "widget"), res.Path)
	assert.Empty(t, res.Cause())

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho widget\n", string(data))

	want := []Stage{StageResolving, StageMatching, StageDownloading, StageVerifying,
		StageExtracting, StageInstalling, StageInstalled}
	if diff := cmp.Diff(want, stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}

	// Download plus checksum list.
	assert.Equal(t, 2, f.downloads)
}

func TestRunPinnedTag(t *testing.T) {
	f := newFakeReleases()
	widgetRelease(t, f)
	f.add("acme", "widget", "v1.0.0", false, map[string][]byte{
		"widget_linux_amd64.tar.gz": tarGz(t, map[string]string{"widget": "old"}),
	})

	tool := widget
	tool.Tag = "v1.0.0"
	dir := t.TempDir()
	res := New(f, testOptions(nil)).Run(context.Background(), tool, dir)
	require.NoError(t, res.Err)
	assert.Equal(t, "v1.0.0", res.Tag)

	data, err := os.ReadFile(filepath.Join(dir, "widget"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestRunWindowsExecutable(t *testing.T) {
	f := newFakeReleases()
	f.add("acme", "widget", "v2.0.0", true, map[string][]byte{
		"widget-x86_64-pc-windows-msvc.zip": zipBytes(t, "widget-2.0.0/widget.exe", "MZ"),
		"widget-x86_64-linux.tar.gz":        tarGz(t, map[string]string{"widget": "elf"}),
	})

	opts := testOptions(nil)
	opts.Platform = spec.Platform{OS: "windows", Arch: "amd64"}
	dir := t.TempDir()
	res := New(f, opts).Run(context.Background(), widget, dir)
	require.NoError(t, res.Err)
	assert.Equal(t, "widget-x86_64-pc-windows-msvc.zip", res.Asset)
	assert.Equal(t, filepath.Join(dir, "widget.exe"), res.Path)
}

func TestRunUsesAssetHint(t *testing.T) {
	f := newFakeReleases()
	f.add("acme", "widget", "v3.1.0", true, map[string][]byte{
		"widget-3.1.0-x86_64-unknown-linux-gnu.tar.gz":  tarGz(t, map[string]string{"widget": "gnu"}),
		"widget-3.1.0-x86_64-unknown-linux-musl.tar.gz": tarGz(t, map[string]string{"widget": "musl"}),
	})

	tool := widget
	tool.AssetHint = spec.AssetHint{PerOS: map[string]string{"linux": "${VERSION}-x86_64-unknown-linux-musl"}}
	dir := t.TempDir()
	res := New(f, testOptions(nil)).Run(context.Background(), tool, dir)
	require.NoError(t, res.Err)
	assert.Equal(t, "widget-3.1.0-x86_64-unknown-linux-musl.tar.gz", res.Asset)

	// Without a hint the two libc builds tie.
	res = New(f, testOptions(nil)).Run(context.Background(), widget, t.TempDir())
	var amb *asset.AmbiguousError
	require.ErrorAs(t, res.Err, &amb)
	assert.Equal(t, StageMatching, res.Stage)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	f := newFakeReleases()
	widgetRelease(t, f)
	f.fetchErrs = []error{
		&release.NetworkError{Op: "fetch", Err: io.ErrUnexpectedEOF},
		&release.RateLimitedError{},
	}
	f.dlErrs = []error{&release.NetworkError{Op: "download", Err: io.ErrUnexpectedEOF}}

	res := New(f, testOptions(nil)).Run(context.Background(), widget, t.TempDir())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusInstalled, res.Status)
	assert.Equal(t, 3, f.fetches)
	// One failed download, the archive and the checksum list.
	assert.Equal(t, 3, f.downloads)
}

func TestRunWaitsForShortRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		minWait    time.Duration
	}{
		{name: "sub-second hint rounds up to a second", retryAfter: 500 * time.Millisecond, minWait: time.Second},
		{name: "whole seconds", retryAfter: 2 * time.Second, minWait: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeReleases()
			widgetRelease(t, f)
			f.fetchErrs = []error{&release.RateLimitedError{RetryAfter: tt.retryAfter}}

			start := time.Now()
			res := New(f, testOptions(nil)).Run(context.Background(), widget, t.TempDir())
			require.NoError(t, res.Err)
			assert.GreaterOrEqual(t, time.Since(start), tt.minWait)
			assert.Equal(t, 2, f.fetches)
		})
	}
}

func TestRunReportsDownloadProgress(t *testing.T) {
	f := newFakeReleases()
	linux := widgetRelease(t, f)

	type call struct {
		tool              string
		downloaded, total int64
	}
	var mu sync.Mutex
	var calls []call
	opts := testOptions(nil)
	opts.Progress = func(tool string, downloaded, total int64) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{tool, downloaded, total})
	}

	res := New(f, opts).Run(context.Background(), widget, t.TempDir())
	require.NoError(t, res.Err)

	require.NotEmpty(t, calls)
	size := int64(len(linux))
	assert.Equal(t, call{"widget", size, size}, calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].downloaded, calls[i-1].downloaded)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name      string
		tool      spec.ToolSpec
		setup     func(t *testing.T, f *fakeReleases)
		wantStage Stage
		wantCalls int
		check     func(t *testing.T, err error)
	}{
		{
			name:      "missing repository is not retried",
			tool:      spec.ToolSpec{Name: "ghost", Owner: "acme", Repo: "ghost"},
			setup:     func(*testing.T, *fakeReleases) {},
			wantStage: StageResolving,
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				var nf *release.NotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		{
			name: "network failures exhaust retries",
			tool: widget,
			setup: func(t *testing.T, f *fakeReleases) {
				widgetRelease(t, f)
				for i := 0; i < 3; i++ {
					f.fetchErrs = append(f.fetchErrs, &release.NetworkError{Op: "fetch", Err: io.ErrUnexpectedEOF})
				}
			},
			wantStage: StageResolving,
			wantCalls: 3,
			check: func(t *testing.T, err error) {
				var ne *release.NetworkError
				assert.ErrorAs(t, err, &ne)
			},
		},
		{
			name: "long rate limit waits are not honoured",
			tool: widget,
			setup: func(t *testing.T, f *fakeReleases) {
				widgetRelease(t, f)
				f.fetchErrs = []error{&release.RateLimitedError{RetryAfter: time.Hour}}
			},
			wantStage: StageResolving,
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				var rl *release.RateLimitedError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, time.Hour, rl.RetryAfter)
			},
		},
		{
			name: "no asset for the platform",
			tool: widget,
			setup: func(t *testing.T, f *fakeReleases) {
				f.add("acme", "widget", "v1.0.0", true, map[string][]byte{
					"widget_windows_amd64.zip": []byte("zip"),
				})
			},
			wantStage: StageMatching,
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				var nc *asset.NoCandidateError
				assert.ErrorAs(t, err, &nc)
			},
		},
		{
			name: "checksum mismatch",
			tool: widget,
			setup: func(t *testing.T, f *fakeReleases) {
				f.add("acme", "widget", "v1.0.0", true, map[string][]byte{
					"widget_linux_amd64.tar.gz":        tarGz(t, map[string]string{"widget": "tampered"}),
					"widget_linux_amd64.tar.gz.sha256": []byte(sha256Hex([]byte("original")) + "\n"),
				})
			},
			wantStage: StageVerifying,
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				var mm *verify.MismatchError
				require.ErrorAs(t, err, &mm)
				assert.Equal(t, "widget_linux_amd64.tar.gz", mm.Asset)
			},
		},
		{
			name: "archive without the executable",
			tool: widget,
			setup: func(t *testing.T, f *fakeReleases) {
				f.add("acme", "widget", "v1.0.0", true, map[string][]byte{
					"widget_linux_amd64.tar.gz": tarGz(t, map[string]string{
						"docs/README.md": "readme",
						"docs/LICENSE":   "license",
					}),
				})
			},
			wantStage: StageExtracting,
			wantCalls: 1,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, archive.ErrNoExecutableFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeReleases()
			tt.setup(t, f)
			dir := t.TempDir()

			res := New(f, testOptions(nil)).Run(context.Background(), tt.tool, dir)
			require.Error(t, res.Err)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.wantStage, res.Stage)
			assert.Equal(t, tt.wantCalls, f.fetches)
			assert.Empty(t, res.Path)
			assert.Contains(t, res.Cause(), string(tt.wantStage)+": ")
			tt.check(t, res.Err)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing may be installed for a failed tool")
		})
	}
}

func TestRunSkipsVerificationWhenDisabled(t *testing.T) {
	f := newFakeReleases()
	f.add("acme", "widget", "v1.0.0", true, map[string][]byte{
		"widget_linux_amd64.tar.gz":        tarGz(t, map[string]string{"widget": "bin"}),
		"widget_linux_amd64.tar.gz.sha256": []byte(sha256Hex([]byte("other")) + "\n"),
	})

	opts := testOptions(nil)
	opts.VerifyChecksums = false
	res := New(f, opts).Run(context.Background(), widget, t.TempDir())
	require.NoError(t, res.Err)
	assert.Equal(t, 1, f.downloads)
}

func TestRunMetadataTimeout(t *testing.T) {
	f := newFakeReleases()
	f.block = true

	opts := testOptions(nil)
	opts.Timeouts.Metadata = 50 * time.Millisecond
	res := New(f, opts).Run(context.Background(), widget, t.TempDir())
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, StageResolving, res.Stage)
	assert.Contains(t, res.Err.Error(), "resolving timed out")
}

func TestPlan(t *testing.T) {
	f := newFakeReleases()
	widgetRelease(t, f)

	res := New(f, testOptions(nil)).Plan(context.Background(), widget)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusPlanned, res.Status)
	assert.True(t, res.OK())
	assert.Equal(t, "widget_linux_amd64.tar.gz", res.Asset)
	assert.Equal(t, "v1.2.0", res.Tag)
	assert.Zero(t, f.downloads)
}

func TestResultCause(t *testing.T) {
	res := Result{Status: StatusNotRun, Stage: StagePending, Err: context.Canceled}
	assert.Equal(t, "not started: context canceled", res.Cause())
	assert.False(t, res.OK())

	res = Result{Status: StatusFailed, Stage: StageDownloading, Err: &release.NetworkError{Op: "download x", Err: io.ErrUnexpectedEOF}}
	assert.Equal(t, "downloading: download x: unexpected EOF", res.Cause())
}

func TestExecutableNames(t *testing.T) {
	tool := spec.ToolSpec{Name: "ripgrep", Owner: "BurntSushi", Repo: "ripgrep", ExeName: "rg"}
	assert.Equal(t, []string{"rg", "ripgrep"}, executableNames(tool))

	tool = spec.ToolSpec{Name: "rg", Owner: "BurntSushi", Repo: "ripgrep"}
	assert.Equal(t, []string{"ripgrep", "rg"}, executableNames(tool))
}

func TestNewFillsDefaults(t *testing.T) {
	p := New(newFakeReleases(), Options{Platform: linuxAmd64})
	got := p.Options()
	d := DefaultOptions()
	assert.Equal(t, linuxAmd64, got.Platform)
	assert.Equal(t, d.Retry, got.Retry)
	assert.Equal(t, d.Timeouts, got.Timeouts)
	assert.Equal(t, d.MaxEntrySize, got.MaxEntrySize)
	assert.False(t, got.VerifyChecksums, "an explicit false is kept")
}
