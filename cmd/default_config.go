package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/binary-install/binsync/pkg/install"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var defaultConfigOutput string

// DefaultConfigCommand represents the default-config command
var DefaultConfigCommand = &cobra.Command{
	Use:   "default-config",
	Short: "Print a starter configuration",
	Long: `Print a starter TOML configuration that lists every built-in tool and shows how to
add tools from any other repository.`,
	Example: `  binsync default-config > ~/.config/binsync.toml
  binsync default-config -o .config/binsync.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content := defaultConfig()
		if defaultConfigOutput == "" || defaultConfigOutput == "-" {
			_, err := fmt.Fprint(cmd.OutOrStdout(), content)
			return err
		}
		if _, err := os.Stat(defaultConfigOutput); err == nil {
			return errors.Errorf("%s already exists", defaultConfigOutput)
		}
		if err := os.MkdirAll(filepath.Dir(defaultConfigOutput), 0o755); err != nil {
			return errors.Wrap(err, "failed to create config directory")
		}
		if err := install.WriteFileAtomic(defaultConfigOutput, []byte(content), 0o644); err != nil {
			return err
		}
		log.Infof("Wrote %s", defaultConfigOutput)
		return nil
	},
}

func init() {
	DefaultConfigCommand.Flags().StringVarP(&defaultConfigOutput, "output", "o", "", "Write the configuration to this file instead of stdout")
}

func defaultConfig() string {
	var b strings.Builder
	b.WriteString(`# binsync configuration
#
# Tools are installed into store_directory. "~" and environment variables
# are expanded.
store_directory = "~/.local/bin"

# How many tools are synced at once.
# concurrency = 4

# Check downloads against checksum files published with the release.
# verify_checksums = true

# Slow down GitHub API requests once fewer than this many remain.
# low_quota = 10

# [retry]
# attempts = 3
# initial_interval = "1s"
# max_interval = "30s"
# max_retry_after = "1m"

# [timeouts]
# metadata = "30s"
# download = "10m"
# install = "1m"

# Built-in tools only need their name. Run "binsync known" for details.
`)
	for _, t := range spec.KnownTools() {
		fmt.Fprintf(&b, "\n# %s\n[%s]\n", t.ID(), t.Name)
	}
	b.WriteString(`
# Any other tool names its repository. Everything but owner and repo is
# optional: exe_name defaults to the repository name, tag to the latest
# release, and asset_name narrows the asset choice when several match.
#
# [mytool]
# owner = "acme"
# repo = "my-tool"
# exe_name = "mt"
# tag = "v1.0.0"
# asset_name.linux = "unknown-linux-musl"
# asset_name.macos = "apple-darwin"
# asset_name.windows = "pc-windows-msvc"
`)
	return b.String()
}
