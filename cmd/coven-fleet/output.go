// ABOUTME: Terminal tables for the one-shot commands: target roster and execution history.
// ABOUTME: Status cells are padded before coloring so ANSI codes never break alignment.

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"

	"github.com/2389/coven-fleet/internal/fleet"
	"github.com/2389/coven-fleet/internal/invoke"
)

func targetStatusColor(s fleet.Status) *color.Color {
	switch s {
	case fleet.StatusConnected:
		return color.New(color.FgGreen)
	case fleet.StatusConnecting:
		return color.New(color.FgCyan)
	case fleet.StatusError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printTargets(w io.Writer, targets []fleet.Target) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "no targets configured")
		return
	}

	fmt.Fprintf(w, "%-16s %-8s %-13s %8s %8s  %s\n", "TARGET", "KIND", "STATUS", "RTT", "METRIC", "DETAIL")
	for _, t := range targets {
		rtt := "-"
		if t.ResponseTimeMs != nil {
			rtt = strconv.FormatInt(*t.ResponseTimeMs, 10) + "ms"
		}
		metric := "-"
		switch {
		case t.ToolCount != nil:
			metric = strconv.Itoa(*t.ToolCount)
		case t.MetricValue != nil:
			metric = strconv.FormatFloat(*t.MetricValue, 'g', -1, 64)
		}
		detail := t.Error
		if detail == "" && t.Restartable {
			detail = "restartable"
		}

		status := targetStatusColor(t.Status).Sprintf("%-13s", t.Status)
		fmt.Fprintf(w, "%-16s %-8s %s %8s %8s  %s\n", t.Name, t.Kind, status, rtt, metric, detail)
	}
}

func printHistory(w io.Writer, history []invoke.Execution) {
	if len(history) == 0 {
		fmt.Fprintln(w, "no executions recorded")
		return
	}

	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	for _, e := range history {
		dur := "-"
		if e.DurationMs != nil {
			dur = strconv.FormatInt(*e.DurationMs, 10) + "ms"
		}

		mark := green.Sprint("✓")
		detail := string(e.Result)
		if e.Status == invoke.StatusError {
			mark = red.Sprint("✗")
			detail = e.Error
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}

		fmt.Fprintf(w, "%s %s  %-20s %8s  %s\n", mark, e.StartTime.Local().Format("2006-01-02 15:04:05"), e.ToolName, dur, detail)
	}
}
