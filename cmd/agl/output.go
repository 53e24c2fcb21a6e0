package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agentline/internal/domain"
)

const summaryColumnWidth = 60

// jsonOutput is true with --json or when stdout is not a terminal.
func jsonOutput() bool {
	if viper.GetBool("json") {
		return true
	}
	fd := os.Stdout.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printAgents(items []domain.AgentSpec) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Name", "Tier", "Default", "Max", "Spawns", "Cost", "Description"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.Name, a.ModelTier, a.DefaultTimeoutSeconds, a.MaxTimeoutSeconds, a.CanSpawnChildren, fmt.Sprintf("$%.2f", a.CostPerTaskUSD), a.Description})
	}
	tw.Render()
	return nil
}

func printSessions(items []domain.SessionRecord) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Parent", "Started", "Elapsed", "Summary"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.AgentType, s.Status, deref(s.ParentID), s.StartedAt, elapsed(s.ElapsedSeconds), clip(deref(s.ExitSummary), summaryColumnWidth)})
	}
	tw.Render()
	return nil
}

func printSession(s domain.SessionRecord) error {
	if jsonOutput() {
		return printJSON(s)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Agent", s.AgentType},
		{"Project", s.Project},
		{"Status", s.Status},
		{"Parent", deref(s.ParentID)},
		{"Workspace", s.WorkspacePath},
		{"Timeout", fmt.Sprintf("%ds", s.EffectiveTimeoutSeconds)},
		{"Started", s.StartedAt},
		{"Ended", deref(s.EndedAt)},
		{"Elapsed", elapsed(s.ElapsedSeconds)},
		{"Exit code", derefInt(s.ExitCode)},
		{"Summary", deref(s.ExitSummary)},
		{"Cost", fmt.Sprintf("$%.2f", s.EstimatedCostUSD)},
	})
	tw.Render()
	if s.Output != "" {
		fmt.Println(strings.TrimRight(s.Output, "\n"))
	}
	return nil
}

func printMessages(items []domain.Message) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "From", "To", "Created", "Payload"})
	for _, m := range items {
		to := deref(m.ToSessionID)
		if m.Broadcast() {
			to = "*"
		}
		tw.AppendRow(table.Row{m.ID, m.Kind, deref(m.FromSessionID), to, m.CreatedAt, clip(m.Payload, summaryColumnWidth)})
	}
	tw.Render()
	return nil
}

func printEvents(items []domain.Event) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, clip(e.Payload, summaryColumnWidth)})
	}
	tw.Render()
	return nil
}

func printStats(items []domain.AgentStats) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Agent", "Total", "OK", "Failed", "Timed out", "Cancelled", "Active", "Avg s", "Max s", "Cost"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.AgentType, s.Total, s.Succeeded, s.Failed, s.TimedOut, s.Cancelled, s.Active,
			fmt.Sprintf("%.1f", s.AvgElapsedSeconds), fmt.Sprintf("%.1f", s.MaxElapsedSeconds), fmt.Sprintf("$%.2f", s.TotalCostUSD)})
	}
	tw.Render()
	return nil
}

func printAPIKeys(items []domain.APIKey) error {
	if jsonOutput() {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Scopes", "Created"})
	for _, k := range items {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.CreatedAt})
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func elapsed(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2fs", *v)
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
