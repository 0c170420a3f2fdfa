package cmd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/binary-install/binsync/pkg/config"
	"github.com/binary-install/binsync/pkg/lock"
	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/binary-install/binsync/pkg/syncer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// Flags for sync command
	syncDir         string
	syncConcurrency int
	syncNoLock      bool
	syncPlatform    platformFlags
)

// SyncCommand represents the sync command
var SyncCommand = &cobra.Command{
	Use:   "sync [TOOL...]",
	Short: "Install or update the configured tools",
	Long: `Install every configured tool, or only the named ones, from its GitHub release.

Each tool is resolved, downloaded, verified against published checksums when the
release has them, extracted and installed atomically into the store directory.
The command exits non-zero if any tool failed; the other tools are still installed.`,
	Example: `  # Sync everything in .config/binsync.toml
  binsync sync

  # Sync two tools into another directory
  binsync sync ripgrep fd --dir ./bin

  # Install Linux arm64 builds from another machine
  binsync sync --os linux --arch arm64 --dir ./dist`,
	RunE: runSync,
}

func init() {
	SyncCommand.Flags().StringVarP(&syncDir, "dir", "d", "", "Store directory (overrides store_directory)")
	SyncCommand.Flags().IntVarP(&syncConcurrency, "concurrency", "j", 0, "Number of tools synced at once (default 4)")
	SyncCommand.Flags().BoolVar(&syncNoLock, "no-lock", false, "Do not write the lock file")
	syncPlatform.register(SyncCommand)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tools, err := cfg.Select(args)
	if err != nil {
		return err
	}
	platform, err := syncPlatform.platform()
	if err != nil {
		return err
	}
	dir, err := storeDir(syncDir, cfg)
	if err != nil {
		return err
	}

	client, err := newReleaseClient(cfg)
	if err != nil {
		return err
	}
	p := newPipeline(client, cfg, platform, progressObserver(len(tools)), downloadProgress())
	concurrency := syncConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}

	log.Infof("Syncing %d tools for %s into %s", len(tools), platform, dir)
	report, err := syncer.New(p, concurrency).Run(ctx, tools, dir)
	if err != nil {
		return err
	}

	renderReport(cmd.OutOrStdout(), report)
	logQuota(client)

	if !syncNoLock {
		if err := writeLock(dir, report, cfg, platform); err != nil {
			log.WithError(err).Warn("Failed to update lock file")
		}
	}

	if failed := report.Failed(); len(failed) > 0 {
		return errors.Errorf("%d of %d tools failed to sync", len(failed), len(tools))
	}
	return nil
}

// progressObserver logs each tool as it finishes.
func progressObserver(total int) pipeline.Observer {
	var done int32
	return func(tool string, stage pipeline.Stage) {
		if stage != pipeline.StageInstalled {
			return
		}
		n := atomic.AddInt32(&done, 1)
		log.WithField("tool", tool).Infof("[%d/%d] %s installed", n, total, tool)
	}
}

// downloadProgress logs each download as it passes a quarter of its size.
// Downloads of unknown size are not reported.
func downloadProgress() pipeline.ProgressFunc {
	var mu sync.Mutex
	reported := map[string]int64{}
	return func(tool string, downloaded, total int64) {
		if total <= 0 {
			return
		}
		quarter := min(downloaded*4/total, 4)
		mu.Lock()
		defer mu.Unlock()
		if quarter <= reported[tool] {
			return
		}
		reported[tool] = quarter
		log.WithField("tool", tool).Debugf("Downloaded %d%% of %s (%d of %d bytes)", quarter*25, tool, downloaded, total)
	}
}

func writeLock(dir string, report *syncer.Report, cfg *config.Config, platform spec.Platform) error {
	l, err := lock.Load(dir)
	if err != nil {
		return err
	}
	names := make([]string, len(cfg.Tools))
	for i, t := range cfg.Tools {
		names[i] = t.Name
	}
	l.Update(report.Results(), names, platform.String(), time.Now())
	if err := l.Save(dir); err != nil {
		return err
	}
	log.Debugf("Wrote %s", lock.Path(dir))
	return nil
}
