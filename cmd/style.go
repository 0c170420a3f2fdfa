package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/syncer"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/lipgloss"
)

var (
	profile = colorprofile.Detect(os.Stdout, os.Environ())

	headerStyle = func() lipgloss.Style {
		if profile == colorprofile.TrueColor || profile == colorprofile.ANSI256 {
			return lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212"))
		}
		return lipgloss.NewStyle().Bold(true)
	}()

	okStyle      = statusStyle("42", "2")
	failStyle    = statusStyle("196", "1")
	skippedStyle = statusStyle("214", "3")

	faintStyle = func() lipgloss.Style {
		if profile == colorprofile.TrueColor || profile == colorprofile.ANSI256 {
			return lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
		}
		return lipgloss.NewStyle().Faint(true)
	}()
)

// statusStyle picks a 256-colour or basic ANSI foreground depending on
// what the terminal supports.
func statusStyle(color256, ansi string) lipgloss.Style {
	switch profile {
	case colorprofile.TrueColor, colorprofile.ANSI256:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(color256))
	case colorprofile.ANSI:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(ansi))
	default:
		return lipgloss.NewStyle()
	}
}

func outcome(res pipeline.Result) string {
	switch res.Status {
	case pipeline.StatusInstalled:
		return okStyle.Render("✓ installed") + " " + faintStyle.Render(res.Path)
	case pipeline.StatusPlanned:
		return okStyle.Render("✓ " + res.Asset)
	case pipeline.StatusNotRun:
		return skippedStyle.Render("- not run") + " " + res.Cause()
	default:
		return failStyle.Render("✗ failed") + " " + oneLine(res.Cause())
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tag(res pipeline.Result) string {
	if res.Tag != "" {
		return res.Tag
	}
	return res.Tool.Version()
}

// renderReport writes one line per tool. The styled outcome is the last
// column so escape sequences never skew the alignment.
func renderReport(w io.Writer, report *syncer.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tVERSION\tOUTCOME")
	for _, res := range report.Results() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Tool.Name, tag(res), outcome(res))
	}
	tw.Flush()

	counts := report.Counts()
	var parts []string
	for _, s := range []pipeline.Status{pipeline.StatusInstalled, pipeline.StatusPlanned, pipeline.StatusFailed, pipeline.StatusNotRun} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) > 0 {
		summary := fmt.Sprintf("%s in %s", strings.Join(parts, ", "), report.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "\n%s\n", headerStyle.Render(summary))
	}
}
