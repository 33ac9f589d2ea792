package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/server"
	"github.com/retail-a2a/host/pkg/a2a"
)

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// printResponse prints the merged answer under a one-line outcome summary
func printResponse(w io.Writer, resp *a2a.AggregatedResponse) {
	switch resp.Status {
	case a2a.StatusCompleted:
		printStatus(w, "✓", summary(resp), color.FgGreen)
	case a2a.StatusPartial:
		printStatus(w, "⚠", summary(resp), color.FgYellow)
	case a2a.StatusInputRequired:
		printStatus(w, "?", summary(resp), color.FgCyan)
	default:
		printStatus(w, "✗", summary(resp), color.FgRed)
	}
	if resp.Text != "" {
		fmt.Fprintln(w, resp.Text)
	}
}

func summary(resp *a2a.AggregatedResponse) string {
	if len(resp.Slots) == 0 {
		return string(resp.Status)
	}
	parts := make([]string, len(resp.Slots))
	for i, s := range resp.Slots {
		parts[i] = fmt.Sprintf("%s=%s", s.Agent, s.Status)
	}
	return fmt.Sprintf("%s (%s)", resp.Status, strings.Join(parts, ", "))
}

// printUpdate prints one progress line of a streamed query
func printUpdate(w io.Writer, u orchestrator.Update) {
	dim := color.New(color.Faint)
	switch u.Kind {
	case orchestrator.UpdateRouted:
		if len(u.Routes) == 0 {
			return
		}
		names := make([]string, len(u.Routes))
		for i, r := range u.Routes {
			names[i] = fmt.Sprintf("%s (%s, %.2f)", r.Agent, r.Mode, r.Score)
		}
		dim.Fprintf(w, "→ asking %s\n", strings.Join(names, ", "))
	case orchestrator.UpdateTask:
		if u.Error != nil {
			dim.Fprintf(w, "  %s attempt %d: %s (%s)\n", u.Agent, u.Attempt, u.State, u.Error.Kind)
			return
		}
		dim.Fprintf(w, "  %s attempt %d: %s\n", u.Agent, u.Attempt, u.State)
	case orchestrator.UpdateMessage:
		if u.Text != "" {
			dim.Fprintf(w, "  %s: %s\n", u.Agent, u.Text)
		}
	}
}

// continuationOf returns the follow-up binding when a specialist asked a question
func continuationOf(resp *a2a.AggregatedResponse) *a2a.Continuation {
	if resp.Status != a2a.StatusInputRequired {
		return nil
	}
	for _, s := range resp.Slots {
		if s.Status == a2a.SlotInputRequired {
			return &a2a.Continuation{Agent: s.Agent, TaskID: s.RemoteTaskID}
		}
	}
	return nil
}

func renderAgents(w io.Writer, agents server.AgentsResponse, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API field names.
		raw, err := json.Marshal(agents)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	case "table", "":
		header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cell := lipgloss.NewStyle().Padding(0, 1)
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("NAME", "URL", "STREAMING", "SKILLS", "LATENCY").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return header
				}
				return cell
			})
		for _, a := range agents.Agents {
			skills := make([]string, len(a.Skills))
			for i, s := range a.Skills {
				skills[i] = s.ID
			}
			latency := "-"
			if a.AvgLatencyMS > 0 {
				latency = fmt.Sprintf("%dms", a.AvgLatencyMS)
			}
			t.Row(a.Name, a.URL, fmt.Sprintf("%v", a.Streaming), strings.Join(skills, ","), latency)
		}
		_, err := fmt.Fprintln(w, t.Render())
		return err
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func renderStatus(w io.Writer, status server.StatusResponse) {
	for _, a := range status.Agents {
		if a.Online {
			msg := fmt.Sprintf("%s online at %s", a.Name, a.Endpoint)
			if len(a.Skills) > 0 {
				msg += " (" + strings.Join(a.Skills, ", ") + ")"
			}
			printStatus(w, "✓", msg, color.FgGreen)
			continue
		}
		printStatus(w, "✗", fmt.Sprintf("%s offline: %s", a.Name, a.Error), color.FgRed)
	}
	fmt.Fprintf(w, "\n%d of %d specialists online (%s)\n", status.Online, status.Total, status.Status)
}
