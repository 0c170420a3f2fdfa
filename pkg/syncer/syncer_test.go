package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, tool spec.ToolSpec, targetDir string) pipeline.Result

func (f runnerFunc) Run(ctx context.Context, tool spec.ToolSpec, targetDir string) pipeline.Result {
	return f(ctx, tool, targetDir)
}

func tools(names ...string) []spec.ToolSpec {
	var out []spec.ToolSpec
	for _, n := range names {
		out = append(out, spec.ToolSpec{Name: n, Owner: "acme", Repo: n})
	}
	return out
}

func installed(tool spec.ToolSpec, dir string) pipeline.Result {
	return pipeline.Result{
		Tool:   tool,
		Status: pipeline.StatusInstalled,
		Stage:  pipeline.StageInstalled,
		Path:   filepath.Join(dir, tool.Executable()),
	}
}

func TestRunPartialFailure(t *testing.T) {
	boom := errors.New("boom")
	runner := runnerFunc(func(_ context.Context, tool spec.ToolSpec, dir string) pipeline.Result {
		if tool.Name == "bravo" {
			return pipeline.Result{Tool: tool, Status: pipeline.StatusFailed, Stage: pipeline.StageDownloading, Err: boom}
		}
		return installed(tool, dir)
	})

	dir := filepath.Join(t.TempDir(), "bin")
	report, err := New(runner, 2).Run(context.Background(), tools("charlie", "bravo", "alpha"), dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	results := report.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Tool.Name)
	assert.Equal(t, "bravo", results[1].Tool.Name)
	assert.Equal(t, "charlie", results[2].Tool.Name)
	assert.ErrorIs(t, results[1].Err, boom)

	assert.False(t, report.OK())
	assert.Equal(t, map[pipeline.Status]int{pipeline.StatusInstalled: 2, pipeline.StatusFailed: 1}, report.Counts())
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "downloading: boom", failed[0].Cause())
}

func TestRunAllSucceed(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, tool spec.ToolSpec, dir string) pipeline.Result {
		return installed(tool, dir)
	})
	report, err := New(runner, 0).Run(context.Background(), tools("a", "b"), t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Failed())
}

func TestRunNoTools(t *testing.T) {
	runner := runnerFunc(func(context.Context, spec.ToolSpec, string) pipeline.Result {
		t.Fatal("runner must not be called")
		return pipeline.Result{}
	})
	report, err := New(runner, 4).Run(context.Background(), nil, t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Results())
}

func TestRunBoundsConcurrency(t *testing.T) {
	var running, peak int32
	runner := runnerFunc(func(_ context.Context, tool spec.ToolSpec, dir string) pipeline.Result {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return installed(tool, dir)
	})

	report, err := New(runner, 3).Run(context.Background(), tools("a", "b", "c", "d", "e", "f", "g", "h"), t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var started []string
	runner := runnerFunc(func(ctx context.Context, tool spec.ToolSpec, dir string) pipeline.Result {
		mu.Lock()
		started = append(started, tool.Name)
		mu.Unlock()
		cancel()
		<-ctx.Done()
		return pipeline.Result{Tool: tool, Status: pipeline.StatusFailed, Stage: pipeline.StageResolving, Err: ctx.Err()}
	})

	report, err := New(runner, 1).Run(ctx, tools("a", "b", "c"), t.TempDir())
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a"}, started)
	assert.Equal(t, pipeline.StatusFailed, results[0].Status)
	for _, res := range results[1:] {
		assert.Equal(t, pipeline.StatusNotRun, res.Status, res.Tool.Name)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Equal(t, map[pipeline.Status]int{pipeline.StatusFailed: 1, pipeline.StatusNotRun: 2}, report.Counts())
}

func TestRunStoreDirectoryError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, writeFile(file))

	runner := runnerFunc(func(context.Context, spec.ToolSpec, string) pipeline.Result {
		t.Fatal("runner must not be called")
		return pipeline.Result{}
	})
	_, err := New(runner, 1).Run(context.Background(), tools("a"), filepath.Join(file, "bin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create store directory")
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}
