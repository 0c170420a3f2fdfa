package cmd

import (
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
	quiet      bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "binsync",
	Short: "Install command-line tools from GitHub releases",
	Long: `binsync installs a declared set of command-line tools from their GitHub releases.

For every configured tool it resolves the release, picks the asset built for the
current platform, verifies and extracts the executable and installs it into the
store directory. Tools are synced concurrently; one failing tool never stops the
others.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetHandler(cli.New(cmd.ErrOrStderr()))
		if verbose {
			log.SetLevel(log.DebugLevel)
			log.Debugf("Verbose logging enabled")
		} else if quiet {
			log.SetLevel(log.ErrorLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		log.Debugf("Config file: %s", configFile)
	},
}

func init() {
	cobra.EnableCommandSorting = false

	RootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the config file (default: $BINSYNC_CONFIG, .config/binsync.toml or ~/.config/binsync.toml)")
	RootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Increase log verbosity")
	RootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Only log errors")

	RootCmd.AddGroup(&cobra.Group{
		ID:    "sync",
		Title: "Sync Commands:",
	})
	RootCmd.AddGroup(&cobra.Group{
		ID:    "utility",
		Title: "Utility Commands:",
	})
	RootCmd.SetHelpCommandGroupID("utility")
	RootCmd.SetCompletionCommandGroupID("utility")

	SyncCommand.GroupID = "sync"
	PlanCommand.GroupID = "sync"
	KnownCommand.GroupID = "utility"
	DefaultConfigCommand.GroupID = "utility"

	RootCmd.AddCommand(SyncCommand)
	RootCmd.AddCommand(PlanCommand)
	RootCmd.AddCommand(KnownCommand)
	RootCmd.AddCommand(DefaultConfigCommand)
}
