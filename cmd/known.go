package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/binary-install/binsync/pkg/spec"
	"github.com/spf13/cobra"
)

// KnownCommand represents the known command
var KnownCommand = &cobra.Command{
	Use:   "known",
	Short: "List the built-in tools",
	Long:  `List the tools that can be configured by name alone, with their repository and executable.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tREPOSITORY\tEXECUTABLE\tASSET HINTS")
		for _, t := range spec.KnownTools() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.ID(), t.Executable(), hints(t.AssetHint))
		}
		return tw.Flush()
	},
}

func hints(h spec.AssetHint) string {
	if h.IsZero() {
		return "-"
	}
	var parts []string
	if h.Default != "" {
		parts = append(parts, h.Default)
	}
	oses := make([]string, 0, len(h.PerOS))
	for goos := range h.PerOS {
		oses = append(oses, goos)
	}
	sort.Strings(oses)
	for _, goos := range oses {
		parts = append(parts, goos+"="+h.PerOS[goos])
	}
	return strings.Join(parts, " ")
}
