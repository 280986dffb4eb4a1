package main

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

type model struct {
	client *statusClient

	connected bool
	lastErr   error

	state       deviceState
	history     []historyEntry
	diagnostics hostDiagnostics

	showHistory bool
	table       table.Model
	width       int
	height      int
}

func newModel(client *statusClient) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Occurred", Width: 20},
			{Title: "Trigger", Width: 12},
			{Title: "Owner", Width: 14},
			{Title: "Result", Width: 12},
			{Title: "Error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return model{client: client, table: t}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollStatus(m.client), pollHistory(m.client), pollDiagnostics(m.client), tick())
}

type statusMsg struct {
	state deviceState
	err   error
}
type historyMsg struct {
	entries []historyEntry
	err     error
}
type diagnosticsMsg struct {
	diag hostDiagnostics
	err  error
}
type tickMsg time.Time

func pollStatus(c *statusClient) tea.Cmd {
	return func() tea.Msg {
		s, err := c.fetchStatus()
		return statusMsg{state: s, err: err}
	}
}

func pollHistory(c *statusClient) tea.Cmd {
	return func() tea.Msg {
		h, err := c.fetchHistory()
		return historyMsg{entries: h, err: err}
	}
}

func pollDiagnostics(c *statusClient) tea.Cmd {
	return func() tea.Msg {
		d, err := c.fetchDiagnostics()
		return diagnosticsMsg{diag: d, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
