// Package main implements foreman-dash, a terminal dashboard for foreman
// sessions. It reads the state database directly and talks to the server
// only to send input.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/rpc"
)

// robotMode outputs a JSON snapshot of the session list.
func robotMode(sessions []protocol.Summary) ([]byte, error) {
	if sessions == nil {
		sessions = []protocol.Summary{}
	}
	data, err := json.Marshal(map[string]any{"sessions": sessions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	robot := flag.Bool("robot", false, "print a JSON snapshot of the sessions and exit")
	flag.Parse()

	if err := run(*robot); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}

func run(robot bool) error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}
	reader, err := eventlog.NewReader(paths.DBPath)
	if err != nil {
		return fmt.Errorf("open %s (has `foreman serve` run yet?): %w", paths.DBPath, err)
	}
	defer reader.Close()

	if robot {
		sessions, err := reader.Sessions(context.Background())
		if err != nil {
			return err
		}
		data, err := robotMode(sessions)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	m := newModel(reader, rpc.NewClient(paths.SocketPath), paths.DBPath)
	defer m.closeWatcher()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
