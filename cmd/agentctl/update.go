package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	History key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	History: key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "toggle history")),
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(msg.Height - 10)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, tea.Batch(pollStatus(m.client), pollHistory(m.client), pollDiagnostics(m.client))
		case key.Matches(msg, keys.History):
			m.showHistory = !m.showHistory
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case statusMsg:
		m.connected = msg.err == nil
		m.lastErr = msg.err
		if msg.err == nil {
			m.state = msg.state
		}
		return m, nil

	case historyMsg:
		if msg.err == nil {
			m.history = msg.entries
			m.table.SetRows(rowsFromHistory(msg.entries))
		}
		return m, nil

	case diagnosticsMsg:
		if msg.err == nil {
			m.diagnostics = msg.diag
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(pollStatus(m.client), pollHistory(m.client), pollDiagnostics(m.client), tick())
	}

	return m, nil
}

func rowsFromHistory(entries []historyEntry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		owner := e.OwnerType
		if e.OwnerID != "" {
			owner = fmt.Sprintf("%s:%s", e.OwnerType, e.OwnerID)
		}
		rows = append(rows, table.Row{
			e.OccurredAt.Format("2006-01-02 15:04:05"),
			e.Trigger,
			owner,
			e.ResultState,
			e.Error,
		})
	}
	return rows
}
