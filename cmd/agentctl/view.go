package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	styleBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m model) View() string {
	if m.showHistory {
		return m.viewHistory()
	}
	return m.viewStatus()
}

func (m model) viewStatus() string {
	var b strings.Builder

	conn := styleBad.Render("disconnected")
	if m.connected {
		conn = styleOK.Render("connected")
	}
	fmt.Fprintf(&b, "agentctl  %s\n\n", conn)

	if m.lastErr != nil {
		b.WriteString(styleBad.Render(fmt.Sprintf("error: %v", m.lastErr)) + "\n\n")
	}

	owner := "none"
	switch m.state.OwnerType {
	case "project":
		if m.state.Project != nil {
			owner = "project:" + *m.state.Project
		}
	case "application":
		if m.state.Application != nil {
			owner = "application:" + *m.state.Application
		}
	}

	b.WriteString(styleBox.Render(strings.Join([]string{
		field("owner", owner),
		field("mode", m.state.Mode),
		field("target state", m.state.TargetState),
		field("run state", m.state.RunState),
		field("uptime", (time.Duration(m.state.UptimeSeconds) * time.Second).String()),
		field("restart count", fmt.Sprintf("%d", m.state.RestartCount)),
		field("agent version", m.state.PackageVersion),
	}, "\n")) + "\n\n")

	b.WriteString(styleBox.Render(strings.Join([]string{
		field("hostname", m.diagnostics.Hostname),
		field("cpu", fmt.Sprintf("%.1f%%", m.diagnostics.CPUPercent)),
		field("memory", fmt.Sprintf("%.1f%%", m.diagnostics.MemoryUsedPct)),
		field("disk", fmt.Sprintf("%.1f%%", m.diagnostics.DiskUsedPct)),
	}, "\n")) + "\n\n")

	b.WriteString(styleDim.Render("r refresh  ·  h history  ·  q quit"))
	return b.String()
}

func (m model) viewHistory() string {
	var b strings.Builder
	b.WriteString(styleLabel.Render("reconciliation history") + "\n\n")
	b.WriteString(m.table.View() + "\n\n")
	b.WriteString(styleDim.Render("r refresh  ·  h back  ·  q quit"))
	return b.String()
}

func field(label, value string) string {
	if value == "" {
		value = "-"
	}
	return fmt.Sprintf("%s %s", styleLabel.Render(label+":"), value)
}
