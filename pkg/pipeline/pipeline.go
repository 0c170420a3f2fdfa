// Package pipeline installs a single tool: resolve its release, pick the
// asset, download, verify, extract and install the executable.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/binary-install/binsync/pkg/archive"
	"github.com/binary-install/binsync/pkg/asset"
	"github.com/binary-install/binsync/pkg/fetch"
	"github.com/binary-install/binsync/pkg/install"
	"github.com/binary-install/binsync/pkg/release"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/binary-install/binsync/pkg/verify"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// Stage is a step of the pipeline. Stages only move forward.
type Stage string

const (
	StagePending     Stage = "pending"
	StageResolving   Stage = "resolving"
	StageMatching    Stage = "matching"
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageExtracting  Stage = "extracting"
	StageInstalling  Stage = "installing"
	StageInstalled   Stage = "installed"
)

// Status is the outcome of a pipeline run.
type Status string

const (
	StatusInstalled Status = "installed"
	StatusFailed    Status = "failed"
	// StatusNotRun marks tools that were never started because the sync
	// was cancelled.
	StatusNotRun Status = "not run"
	// StatusPlanned marks a dry run that resolved and matched an asset.
	StatusPlanned Status = "planned"
)

// Result is the outcome for one tool. It is not modified after Run
// returns it.
type Result struct {
	Tool   spec.ToolSpec
	Tag    string
	Asset  string
	URL    string
	SHA256 string
	Status Status
	// Path is the installed file. Set when Status is StatusInstalled.
	Path string
	// Stage is the last stage entered; for failures, the failing stage.
	Stage    Stage
	Err      error
	Duration time.Duration
}

// OK reports whether the tool was installed, or planned in a dry run.
func (r Result) OK() bool {
	return r.Status == StatusInstalled || r.Status == StatusPlanned
}

// Cause returns a one-line description of the failure.
func (r Result) Cause() string {
	switch {
	case r.Err == nil:
		return ""
	case r.Status == StatusNotRun:
		return "not started: " + r.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", r.Stage, r.Err)
	}
}

// Releases is the subset of the release client the pipeline needs.
type Releases interface {
	FetchLatestRelease(ctx context.Context, owner, repo string) (*release.Release, error)
	FetchReleaseByTag(ctx context.Context, owner, repo, tag string) (*release.Release, error)
	DownloadAsset(ctx context.Context, asset release.Asset) (io.ReadCloser, error)
}

// Observer is told about every stage a tool enters.
type Observer func(tool string, stage Stage)

// ProgressFunc reports download progress for a tool.
type ProgressFunc func(tool string, downloaded, total int64)

// Pipeline runs tools one at a time; a single Pipeline may be shared by
// concurrent Run calls.
type Pipeline struct {
	releases Releases
	opts     Options
}

// New creates a pipeline. Zero option values take their defaults.
func New(releases Releases, opts Options) *Pipeline {
	return &Pipeline{releases: releases, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// Run installs one tool into targetDir. Failures are reported in the
// result, never returned or panicked.
func (p *Pipeline) Run(ctx context.Context, tool spec.ToolSpec, targetDir string) Result {
	r := &run{p: p, tool: tool, res: Result{Tool: tool, Stage: StagePending, Status: StatusFailed}}
	r.logger = log.WithFields(log.Fields{"tool": tool.Name, "repo": tool.ID()})
	start := time.Now()
	r.install(ctx, targetDir)
	r.res.Duration = time.Since(start)
	return r.res
}

// Plan resolves the release and selects the asset without downloading.
func (p *Pipeline) Plan(ctx context.Context, tool spec.ToolSpec) Result {
	r := &run{p: p, tool: tool, res: Result{Tool: tool, Stage: StagePending, Status: StatusFailed}}
	r.logger = log.WithFields(log.Fields{"tool": tool.Name, "repo": tool.ID()})
	start := time.Now()
	if _, _, ok := r.resolveAndMatch(ctx); ok {
		r.res.Status = StatusPlanned
	}
	r.res.Duration = time.Since(start)
	return r.res
}

// run carries the state of one pipeline execution.
type run struct {
	p      *Pipeline
	tool   spec.ToolSpec
	res    Result
	logger *log.Entry
}

func (r *run) enter(stage Stage) {
	r.res.Stage = stage
	r.logger.WithField("stage", stage).Debug("entering stage")
	if r.p.opts.Observer != nil {
		r.p.opts.Observer(r.tool.Name, stage)
	}
}

func (r *run) fail(err error) {
	r.res.Status = StatusFailed
	r.res.Err = err
	r.logger.WithField("stage", r.res.Stage).WithError(err).Error("sync failed")
}

func (r *run) install(ctx context.Context, targetDir string) {
	rel, selected, ok := r.resolveAndMatch(ctx)
	if !ok {
		return
	}

	r.enter(StageDownloading)
	spooled, err := r.download(ctx, *selected)
	if err != nil {
		r.fail(err)
		return
	}
	defer spooled.Close()
	r.res.SHA256 = spooled.SHA256

	r.enter(StageVerifying)
	if r.p.opts.VerifyChecksums {
		if err := r.verify(ctx, rel, *selected, spooled); err != nil {
			r.fail(err)
			return
		}
	}

	r.enter(StageExtracting)
	exe, err := archive.Extract(spooled, selected.Name, archive.Options{
		Names:        executableNames(r.tool),
		ToolName:     r.tool.Executable(),
		MaxEntrySize: r.p.opts.MaxEntrySize,
	})
	if err != nil {
		r.fail(err)
		return
	}
	r.logger.Debugf("extracted %s", exe)

	r.enter(StageInstalling)
	path, err := r.installExecutable(ctx, exe, targetDir)
	if err != nil {
		r.fail(err)
		return
	}
	r.res.Path = path
	r.res.Status = StatusInstalled
	r.enter(StageInstalled)
	r.logger.Debugf("installed %s %s to %s", r.tool.Executable(), r.res.Tag, path)
}

func (r *run) resolveAndMatch(ctx context.Context) (*release.Release, *release.Asset, bool) {
	r.enter(StageResolving)
	rel, err := r.resolve(ctx)
	if err != nil {
		r.fail(err)
		return nil, nil, false
	}
	r.res.Tag = rel.Tag
	r.logger.Debugf("resolved release %s with %d assets", rel.Tag, len(rel.Assets))

	r.enter(StageMatching)
	platform := r.p.opts.Platform
	hint, err := asset.ExpandHint(r.tool.AssetHint.For(platform.OS), r.tool, rel.Tag, platform)
	if err != nil {
		r.fail(err)
		return nil, nil, false
	}
	selected, err := asset.SelectAsset(rel.Assets, platform, hint)
	if err != nil {
		r.fail(err)
		return nil, nil, false
	}
	r.res.Asset = selected.Name
	r.res.URL = selected.URL
	r.logger.Debugf("selected asset %s", selected.Name)
	return rel, selected, true
}

func (r *run) resolve(ctx context.Context) (*release.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, r.p.opts.Timeouts.Metadata)
	defer cancel()

	var rel *release.Release
	err := r.retry(ctx, func() error {
		var err error
		if r.tool.Tag == "" {
			rel, err = r.p.releases.FetchLatestRelease(ctx, r.tool.Owner, r.tool.Repo)
		} else {
			rel, err = r.p.releases.FetchReleaseByTag(ctx, r.tool.Owner, r.tool.Repo, r.tool.Tag)
		}
		return err
	})
	return rel, err
}

func (r *run) download(ctx context.Context, a release.Asset) (*fetch.Spooled, error) {
	ctx, cancel := context.WithTimeout(ctx, r.p.opts.Timeouts.Download)
	defer cancel()

	total := a.Size
	if total <= 0 {
		total = -1
	}
	var progress fetch.ProgressFunc
	if r.p.opts.Progress != nil {
		progress = func(downloaded, total int64) {
			r.p.opts.Progress(r.tool.Name, downloaded, total)
		}
	}

	var spooled *fetch.Spooled
	err := r.retry(ctx, func() error {
		body, err := r.p.releases.DownloadAsset(ctx, a)
		if err != nil {
			return err
		}
		defer body.Close()

		s, err := fetch.Spool(body, r.p.opts.TempDir, total, progress)
		if err != nil {
			var re *fetch.ReadError
			if errors.As(err, &re) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &release.NetworkError{Op: "download " + a.Name, Err: re}
			}
			return err
		}
		spooled = s
		return nil
	})
	return spooled, err
}

func (r *run) verify(ctx context.Context, rel *release.Release, a release.Asset, s *fetch.Spooled) error {
	sumAsset, ok := verify.FindChecksumAsset(rel.Assets, a.Name)
	if !ok {
		r.logger.Debugf("no checksum published for %s, skipping verification", a.Name)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.p.opts.Timeouts.Metadata)
	defer cancel()

	var content []byte
	err := r.retry(ctx, func() error {
		body, err := r.p.releases.DownloadAsset(ctx, sumAsset)
		if err != nil {
			return err
		}
		defer body.Close()
		content, err = fetch.ReadAllLimited(body, verify.MaxChecksumFileSize)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to fetch %s", sumAsset.Name)
	}

	expected, err := verify.Lookup(content, a.Name)
	if errors.Is(err, verify.ErrNoChecksum) {
		r.logger.Debugf("%s does not list %s, skipping verification", sumAsset.Name, a.Name)
		return nil
	}
	if err != nil {
		return err
	}

	algorithm, ok := verify.AlgorithmFor(expected)
	if !ok {
		return errors.Errorf("unrecognised digest %q in %s", expected, sumAsset.Name)
	}
	actual := s.SHA256
	if algorithm != verify.SHA256 {
		actual, err = verify.Compute(io.NewSectionReader(s, 0, s.Size), algorithm)
		if err != nil {
			return err
		}
	}
	if err := verify.Compare(a.Name, expected, actual); err != nil {
		return err
	}
	r.logger.Debugf("%s checksum verified against %s", algorithm, sumAsset.Name)
	return nil
}

func (r *run) installExecutable(ctx context.Context, exe *archive.Executable, targetDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.p.opts.Timeouts.Install)
	defer cancel()

	var last error
	path, err := backoff.Retry(ctx, func() (string, error) {
		path, err := install.Install(exe.Data, targetDir, r.tool.Executable(), r.p.opts.Platform.OS)
		last = err
		return path, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.p.opts.Retry.InstallDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.WithError(err).Warnf("install failed, retrying in %s", d)
		}),
	)
	if err != nil && last != nil {
		return "", last
	}
	return path, err
}

// executableNames lists the entry names an archive may use for the tool's
// executable, most specific first.
func executableNames(tool spec.ToolSpec) []string {
	var names []string
	seen := map[string]bool{}
	for _, n := range []string{tool.Executable(), tool.Repo, tool.Name} {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}
