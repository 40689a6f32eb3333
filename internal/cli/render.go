package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/contriboss/bindpack"
	"github.com/contriboss/bindpack/internal/store"
)

// paint pads a job or case status to width and colors it.
func paint(status string, width int) string {
	text := fmt.Sprintf("%-*s", width, status)
	switch status {
	case "succeeded", "passed":
		return color.Success.Sprint(text)
	case "failed":
		return color.Danger.Sprint(text)
	case "skipped":
		return color.Warn.Sprint(text)
	default:
		return color.Comment.Sprint(text)
	}
}

func resultStatus(result *bindpack.PipelineResult) string {
	if result.Succeeded() {
		return string(bindpack.JobSucceeded)
	}
	return string(bindpack.JobFailed)
}

func writeRunText(w io.Writer, result *bindpack.PipelineResult, verbose bool) {
	fmt.Fprintf(w, "%s %s %s %s (%s)\n",
		color.Bold.Sprint("run"), result.RunID, result.Name+"@"+result.Version,
		paint(resultStatus(result), 0), result.Finished.Sub(result.Started).Round(time.Millisecond))

	if len(result.Targets) > 0 {
		fmt.Fprintln(w, color.Bold.Sprint("targets"))
		for _, t := range result.Targets {
			detail := shortSum(t.Checksum)
			if t.Error != "" {
				detail = t.Error
			}
			fmt.Fprintf(w, "  %-16s %s %s\n", t.Target, paint(string(t.Status), 10), detail)
		}
	}

	if len(result.Groups) > 0 {
		fmt.Fprintln(w, color.Bold.Sprint("bundles"))
		for _, g := range result.Groups {
			fmt.Fprintf(w, "  %-24s bindgen %s assemble %s test %s publish %s\n", g.ID,
				paint(string(g.Bindgen), 10), paint(string(g.Assemble), 10),
				paint(string(g.Test), 10), paint(string(g.Publish), 10))
			if g.Published != nil {
				fmt.Fprintf(w, "    published %s to %s\n", g.Published.Key, g.Published.Registry)
			}
			if g.Error != "" {
				fmt.Fprintf(w, "    %s\n", color.Danger.Sprint(g.Error))
			}
			if verbose && g.Report != nil {
				for _, c := range g.Report.Cases {
					fmt.Fprintf(w, "    case %-20s %s %s\n", c.Name, paint(string(c.Status), 8),
						c.Duration.Round(time.Millisecond))
				}
			}
		}
	}

	if result.Err != nil {
		fmt.Fprintf(w, "%s %s\n", color.Danger.Sprint("error:"), result.Err)
	}
}

func writeHistoryText(w io.Writer, runs []store.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	for _, run := range runs {
		fmt.Fprintf(w, "%s  %s  %-20s %s %s\n",
			run.ID, run.Started.Local().Format(time.DateTime), run.Name+"@"+run.Version,
			paint(run.Status, 10), firstLine(run.Error))
	}
}

func writeReleasesText(w io.Writer, releases []store.Release) {
	if len(releases) == 0 {
		return
	}
	fmt.Fprintln(w, color.Bold.Sprint("releases"))
	for _, r := range releases {
		fmt.Fprintf(w, "  %-40s %s %s\n", r.Key, shortSum(r.Checksum), r.Registry)
	}
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
