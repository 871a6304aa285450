package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/flexinfer/forge/pkg/types"
)

// taskLine formats a finished task the way it is printed during a build.
func taskLine(task string, state types.TaskState) string {
	line := "> Task " + task
	switch state {
	case types.TaskStateUpToDate:
		return line + " " + color.GreenString("UP-TO-DATE")
	case types.TaskStateFailed:
		return line + " " + color.RedString("FAILED")
	case types.TaskStateSkipped:
		return line + " " + color.YellowString("SKIPPED")
	default:
		return line
	}
}

// eventPrinter prints build events as they arrive. Events may be delivered
// twice (history and subscription overlap), so it remembers the highest
// sequence number it printed.
type eventPrinter struct {
	out     io.Writer
	lastSeq int64
}

func (p *eventPrinter) print(evt *types.Event) {
	if seq, err := strconv.ParseInt(evt.ID, 10, 64); err == nil {
		if seq <= p.lastSeq {
			return
		}
		p.lastSeq = seq
	}

	switch evt.Type {
	case types.EventTypeTaskStatus:
		var status types.TaskStatusEvent
		if err := json.Unmarshal(evt.Data, &status); err != nil || !status.Status.IsTerminal() {
			return
		}
		fmt.Fprintln(p.out, taskLine(evt.TaskID, status.Status))
	case types.EventTypeLog:
		var data struct {
			Message string `json:"message"`
			Stream  string `json:"stream"`
		}
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.Message == "" {
			return
		}
		prefix := color.New(color.Faint).Sprintf("[%s]", evt.TaskID)
		if data.Stream == "stderr" {
			fmt.Fprintln(p.out, prefix, color.RedString("%s", data.Message))
			return
		}
		fmt.Fprintln(p.out, prefix, data.Message)
	}
}

// printSummary prints the failures and the final verdict of a build.
func printSummary(out io.Writer, res *types.BuildResult) {
	if failed := res.Failed(); len(failed) > 0 {
		fmt.Fprintln(out)
		noun := "failure"
		if len(failed) > 1 {
			noun = "failures"
		}
		color.New(color.FgRed, color.Bold).Fprintf(out, "FAILURE: Build failed with %d %s.\n", len(failed), noun)
		for _, f := range failed {
			fmt.Fprintf(out, "  - %s: %s\n", f.Task, f.Cause)
		}
	}
	if skipped := res.Skipped(); len(skipped) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Skipped %d task(s):\n", len(skipped))
		for _, s := range skipped {
			fmt.Fprintf(out, "  - %s: %s\n", s.Task, s.Cause)
		}
	}

	fmt.Fprintln(out)
	elapsed := formatElapsed(res.Duration())
	switch res.Status {
	case types.BuildStatusSucceeded:
		fmt.Fprintf(out, "%s in %s\n", color.New(color.FgGreen, color.Bold).Sprint("BUILD SUCCESSFUL"), elapsed)
	case types.BuildStatusCancelled:
		fmt.Fprintf(out, "%s in %s\n", color.New(color.FgYellow, color.Bold).Sprint("BUILD CANCELLED"), elapsed)
	default:
		fmt.Fprintf(out, "%s in %s\n", color.New(color.FgRed, color.Bold).Sprint("BUILD FAILED"), elapsed)
	}

	executed := res.Count(types.TaskStateSucceeded) + res.Count(types.TaskStateFailed)
	parts := []string{fmt.Sprintf("%d executed", executed)}
	if n := res.Count(types.TaskStateUpToDate); n > 0 {
		parts = append(parts, fmt.Sprintf("%d up-to-date", n))
	}
	if n := len(res.Skipped()); n > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", n))
	}
	fmt.Fprintf(out, "%d tasks: %s\n", len(res.Results), strings.Join(parts, ", "))
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
