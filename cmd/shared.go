package cmd

import (
	"os"
	"time"

	"github.com/apex/log"
	"github.com/binary-install/binsync/pkg/config"
	"github.com/binary-install/binsync/pkg/install"
	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/release"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// EnvGitHubAPIURL points the release client at another API root.
const EnvGitHubAPIURL = "BINSYNC_GITHUB_API_URL"

// platformFlags are the --os/--arch overrides shared by sync and plan.
type platformFlags struct {
	os   string
	arch string
}

func (f *platformFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.os, "os", "", "Install for this operating system instead of the current one")
	cmd.Flags().StringVar(&f.arch, "arch", "", "Install for this architecture instead of the current one")
}

func (f *platformFlags) platform() (spec.Platform, error) {
	return spec.ParsePlatform(f.os, f.arch)
}

// loadConfig loads the configuration named by --config, or discovers it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDiscover(configFile)
	if err != nil {
		return nil, err
	}
	log.Debugf("Loaded %d tools from %s", len(cfg.Tools), cfg.Path)
	return cfg, nil
}

// githubToken returns the API token from the environment, if any.
func githubToken() string {
	for _, name := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			log.Debugf("Using GitHub token from $%s", name)
			return v
		}
	}
	return ""
}

func newReleaseClient(cfg *config.Config) (*release.Client, error) {
	client, err := release.NewClient(githubToken(),
		release.WithBaseURL(os.Getenv(EnvGitHubAPIURL)),
		release.WithLowQuotaThreshold(cfg.LowQuota),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GitHub client")
	}
	return client, nil
}

// newPipeline builds the pipeline for a loaded configuration.
func newPipeline(client *release.Client, cfg *config.Config, platform spec.Platform, observer pipeline.Observer, progress pipeline.ProgressFunc) *pipeline.Pipeline {
	opts := cfg.PipelineOptions(pipeline.DefaultOptions())
	opts.Platform = platform
	opts.Observer = observer
	opts.Progress = progress
	return pipeline.New(client, opts)
}

// logQuota reports the GitHub API quota left after a run.
func logQuota(client *release.Client) {
	remaining, reset, ok := client.Quota()
	if !ok {
		return
	}
	entry := log.WithField("remaining", remaining)
	if remaining == 0 {
		entry.Warnf("GitHub API quota exhausted until %s", reset.Local().Format(time.Kitchen))
		return
	}
	entry.Debugf("GitHub API quota resets at %s", reset.Local().Format(time.Kitchen))
}

// storeDir resolves the target directory: the flag, else the configured
// store_directory, else $BINSYNC_STORE_DIR or the default.
func storeDir(flag string, cfg *config.Config) (string, error) {
	dir := flag
	if dir == "" {
		dir = cfg.StoreDirectory
	}
	return install.ResolveInstallDir(dir)
}
