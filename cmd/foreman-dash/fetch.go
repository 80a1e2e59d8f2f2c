package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"foreman/pkg/coordinator"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

const (
	pollInterval = 2 * time.Second
	fetchTimeout = 2 * time.Second
	probeTimeout = 500 * time.Millisecond
	eventWindow  = 200
)

// dataSource is the read side of the dashboard; eventlog.Reader implements it.
type dataSource interface {
	Sessions(ctx context.Context) ([]protocol.Summary, error)
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]protocol.Event, error)
}

// serverClient is the write side; rpc.Client implements it.
type serverClient interface {
	ListSessions(ctx context.Context) ([]protocol.Summary, error)
	SendInput(ctx context.Context, req coordinator.SendRequest) (coordinator.SendResult, error)
}

// tickMsg is sent on every poll interval.
type tickMsg time.Time

// sessionsMsg carries the session list read from the database.
type sessionsMsg struct {
	sessions []protocol.Summary
	err      error
}

// eventsMsg carries the recent events of one session.
type eventsMsg struct {
	sessionID string
	events    []protocol.Event
	err       error
}

// serverMsg reports whether the server answered a probe.
type serverMsg bool

// sentMsg reports the outcome of sending input to a target.
type sentMsg struct {
	targetID string
	err      error
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSessionsCmd(src dataSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		sessions, err := src.Sessions(ctx)
		return sessionsMsg{sessions: sessions, err: err}
	}
}

func fetchEventsCmd(src dataSource, sessionID string) tea.Cmd {
	if sessionID == "" {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		events, err := src.Query(ctx, eventlog.QueryOpts{SessionID: sessionID, Limit: eventWindow})
		return eventsMsg{sessionID: sessionID, events: events, err: err}
	}
}

func probeServerCmd(c serverClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		_, err := c.ListSessions(ctx)
		return serverMsg(err == nil)
	}
}

func sendCmd(c serverClient, req coordinator.SendRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		_, err := c.SendInput(ctx, req)
		return sentMsg{targetID: req.TargetID, err: err}
	}
}
