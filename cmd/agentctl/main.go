// Command agentctl is a terminal status viewer for a running device-agent
// process: current owner/mode/run-state, reconciliation history and host
// diagnostics, polled from the agent's local status server.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:1879", "device agent status server base URL")
	flag.Parse()

	client := newStatusClient(*addr)
	p := tea.NewProgram(newModel(client))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}
