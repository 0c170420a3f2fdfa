package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/binary-install/binsync/pkg/syncer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var planPlatform platformFlags

// PlanCommand represents the plan command
var PlanCommand = &cobra.Command{
	Use:   "plan [TOOL...]",
	Short: "Show which release and asset each tool would install",
	Long: `Resolve the release of every configured tool and select its asset without
downloading anything. Use it to check a configuration or asset hints.`,
	Example: `  binsync plan
  binsync plan jq --os darwin --arch arm64`,
	RunE: runPlan,
}

func init() {
	planPlatform.register(PlanCommand)
}

// planner adapts Pipeline.Plan to the syncer's runner.
type planner struct {
	p *pipeline.Pipeline
}

func (r planner) Run(ctx context.Context, tool spec.ToolSpec, _ string) pipeline.Result {
	return r.p.Plan(ctx, tool)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tools, err := cfg.Select(args)
	if err != nil {
		return err
	}
	platform, err := planPlatform.platform()
	if err != nil {
		return err
	}
	client, err := newReleaseClient(cfg)
	if err != nil {
		return err
	}
	p := newPipeline(client, cfg, platform, nil, nil)

	report, err := syncer.New(planner{p}, cfg.Concurrency).Run(cmd.Context(), tools, "")
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, headerStyle.Render("Plan for "+platform.String()))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tREPOSITORY\tVERSION\tASSET")
	for _, res := range report.Results() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Tool.Name, res.Tool.ID(), tag(res), outcome(res))
	}
	tw.Flush()

	if failed := report.Failed(); len(failed) > 0 {
		return errors.Errorf("%d of %d tools cannot be installed", len(failed), len(tools))
	}
	return nil
}
