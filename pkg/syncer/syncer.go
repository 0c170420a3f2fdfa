// Package syncer installs many tools concurrently and collects a report.
package syncer

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the number of tools synced at once.
const DefaultConcurrency = 4

// Runner installs a single tool.
type Runner interface {
	Run(ctx context.Context, tool spec.ToolSpec, targetDir string) pipeline.Result
}

// Syncer fans tools out over a bounded number of pipelines.
type Syncer struct {
	runner      Runner
	concurrency int
}

// New creates a Syncer. concurrency <= 0 selects DefaultConcurrency.
func New(runner Runner, concurrency int) *Syncer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Syncer{runner: runner, concurrency: concurrency}
}

// Run syncs every tool into targetDir. One failing tool never stops the
// others; the returned error is only for problems that prevent the sync
// from starting. Tools not started before ctx is cancelled are reported as
// not run. An empty targetDir is passed through to the runner without
// being created, for runners that install nothing.
func (s *Syncer) Run(ctx context.Context, tools []spec.ToolSpec, targetDir string) (*Report, error) {
	if targetDir != "" {
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create store directory %s", targetDir)
		}
	}

	limit := s.concurrency
	if len(tools) < limit {
		limit = len(tools)
	}
	log.WithFields(log.Fields{"tools": len(tools), "concurrency": limit}).Debug("starting sync")

	report := &Report{Dir: targetDir}
	start := time.Now()

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, tool := range tools {
		if err := ctx.Err(); err != nil {
			report.add(pipeline.Result{Tool: tool, Status: pipeline.StatusNotRun, Stage: pipeline.StagePending, Err: err})
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.add(pipeline.Result{Tool: tool, Status: pipeline.StatusNotRun, Stage: pipeline.StagePending, Err: err})
				return nil
			}
			report.add(s.runner.Run(ctx, tool, targetDir))
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	return report, nil
}

// Report is the outcome of a sync.
type Report struct {
	Dir      string
	Duration time.Duration

	mu      sync.Mutex
	results []pipeline.Result
}

func (r *Report) add(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a copy of the results sorted by tool name.
func (r *Report) Results() []pipeline.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.Result, len(r.results))
	copy(out, r.results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tool.Name < out[j].Tool.Name })
	return out
}

// OK reports whether every tool succeeded.
func (r *Report) OK() bool {
	for _, res := range r.Results() {
		if !res.OK() {
			return false
		}
	}
	return true
}

// Counts tallies results by status.
func (r *Report) Counts() map[pipeline.Status]int {
	counts := map[pipeline.Status]int{}
	for _, res := range r.Results() {
		counts[res.Status]++
	}
	return counts
}

// Failed returns the results of tools that were not installed.
func (r *Report) Failed() []pipeline.Result {
	var failed []pipeline.Result
	for _, res := range r.Results() {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}
