package main

import (
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// Model is the Bubble Tea model for the dashboard.
type Model struct {
	src     dataSource
	client  serverClient
	watcher *fsnotify.Watcher

	serverOnline bool
	loaded       bool

	sessions []protocol.Summary
	selected int
	events   []protocol.Event
	target   string // send target within the selected session

	spinner  spinner.Model
	viewport viewport.Model
	input    textinput.Model
	typing   bool

	notice string
	err    error
	width  int
	height int
}

// newModel creates a dashboard reading from src and sending through client.
// dbPath's directory is watched for changes when it exists.
func newModel(src dataSource, client serverClient, dbPath string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	in := textinput.New()
	in.Placeholder = "text to send"
	in.CharLimit = 4000

	var w *fsnotify.Watcher
	if dbPath != "" {
		w = newStateWatcher(filepath.Dir(dbPath))
	}

	return Model{
		src:      src,
		client:   client,
		watcher:  w,
		target:   protocol.SupervisorID,
		spinner:  sp,
		viewport: viewport.New(80, 10),
		input:    in,
	}
}

func (m Model) closeWatcher() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchSessionsCmd(m.src),
		probeServerCmd(m.client),
		waitForChange(m.watcher),
		tickCmd(),
	)
}

// selectedSession returns the highlighted session, if any.
func (m Model) selectedSession() (protocol.Summary, bool) {
	if m.selected < 0 || m.selected >= len(m.sessions) {
		return protocol.Summary{}, false
	}
	return m.sessions[m.selected], true
}

func (m Model) selectedID() string {
	s, _ := m.selectedSession()
	return s.ID
}

// refresh reloads the session list and the selected session's events.
func (m Model) refresh() tea.Cmd {
	return tea.Batch(fetchSessionsCmd(m.src), fetchEventsCmd(m.src, m.selectedID()))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m = m.layout()

	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sessionsMsg:
		return m.applySessions(msg)

	case eventsMsg:
		if msg.sessionID != m.selectedID() {
			return m, nil
		}
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		atBottom := m.viewport.AtBottom()
		m.events = msg.events
		m.viewport.SetContent(renderEvents(DefaultTheme(), m.events, m.viewport.Width))
		if atBottom {
			m.viewport.GotoBottom()
		}

	case serverMsg:
		m.serverOnline = bool(msg)

	case sentMsg:
		if msg.err != nil {
			m.notice = "send to " + msg.targetID + " failed: " + msg.err.Error()
		} else {
			m.notice = "sent to " + msg.targetID
		}
		return m, fetchEventsCmd(m.src, m.selectedID())

	case fsChangeMsg:
		return m, tea.Batch(m.refresh(), waitForChange(m.watcher))

	case tickMsg:
		return m, tea.Batch(m.refresh(), probeServerCmd(m.client), tickCmd())
	}

	return m, nil
}

// applySessions installs a new session list, keeping the selection on the
// same session id when it is still present.
func (m Model) applySessions(msg sessionsMsg) (tea.Model, tea.Cmd) {
	m.loaded = true
	if msg.err != nil {
		m.err = msg.err
		return m, nil
	}
	m.err = nil
	prev := m.selectedID()
	m.sessions = msg.sessions
	m.selected = 0
	for i, s := range m.sessions {
		if s.ID == prev {
			m.selected = i
			break
		}
	}
	m = m.layout()
	if id := m.selectedID(); id != prev {
		m.events = nil
		m.target = protocol.SupervisorID
		m.viewport.SetContent("")
		return m, fetchEventsCmd(m.src, id)
	}
	if len(m.events) == 0 {
		return m, fetchEventsCmd(m.src, prev)
	}
	return m, nil
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.typing {
		return m.handleInputKeys(msg)
	}

	switch key {
	case "q":
		return m, tea.Quit
	case "j", "down":
		return m.moveSelection(1)
	case "k", "up":
		return m.moveSelection(-1)
	case "tab":
		m.target = m.nextTarget()
	case "i", ":":
		if _, ok := m.selectedSession(); ok {
			m.typing = true
			m.notice = ""
			m.input.Reset()
			return m, m.input.Focus()
		}
	case "r":
		return m, tea.Batch(m.refresh(), probeServerCmd(m.client))
	case "g":
		m.viewport.GotoTop()
	case "G":
		m.viewport.GotoBottom()
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleInputKeys routes keys to the send box while it is focused.
func (m Model) handleInputKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.typing = false
		m.input.Blur()
		return m, nil
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.typing = false
		m.input.Blur()
		id := m.selectedID()
		if text == "" || id == "" {
			return m, nil
		}
		m.notice = "sending to " + m.target + "…"
		return m, sendCmd(m.client, coordinator.SendRequest{
			SessionID: id,
			TargetID:  m.target,
			Text:      text,
			Source:    "dashboard",
		})
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) moveSelection(delta int) (tea.Model, tea.Cmd) {
	if len(m.sessions) == 0 {
		return m, nil
	}
	next := min(max(m.selected+delta, 0), len(m.sessions)-1)
	if next == m.selected {
		return m, nil
	}
	m.selected = next
	m.events = nil
	m.target = protocol.SupervisorID
	m.viewport.SetContent("")
	return m, fetchEventsCmd(m.src, m.selectedID())
}

// nextTarget cycles supervisor → worker-1 → … → worker-N → supervisor.
func (m Model) nextTarget() string {
	s, ok := m.selectedSession()
	if !ok || s.WorkerCount == 0 {
		return protocol.SupervisorID
	}
	if m.target == protocol.SupervisorID {
		return protocol.WorkerID(1)
	}
	for i := 1; i < s.WorkerCount; i++ {
		if m.target == protocol.WorkerID(i) {
			return protocol.WorkerID(i + 1)
		}
	}
	return protocol.SupervisorID
}

// layout sizes the event viewport to the space left under the session table.
func (m Model) layout() Model {
	if m.width == 0 || m.height == 0 {
		return m
	}
	// status bar, table header, rule, rows, blank, events title, input, help
	used := 1 + 2 + max(len(m.sessions), 1) + 1 + 1 + 1 + 1
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-used, 3)
	m.input.Width = max(m.width-20, 10)
	if len(m.events) > 0 {
		m.viewport.SetContent(renderEvents(DefaultTheme(), m.events, m.width))
	}
	return m
}
