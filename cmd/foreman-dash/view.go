package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/protocol"
)

// View implements tea.Model.
func (m Model) View() string {
	theme := DefaultTheme()
	if !m.loaded {
		return m.spinner.View() + " loading sessions…"
	}

	parts := []string{m.renderStatusBar(theme), m.renderSessions(theme), ""}
	if s, ok := m.selectedSession(); ok {
		title := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).
			Render(fmt.Sprintf("events · %s · %s", s.ID, truncate(s.Objective, max(m.width-30, 20))))
		parts = append(parts, title, m.viewport.View())
	}
	parts = append(parts, m.renderFooter(theme))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// renderStatusBar shows server health and aggregate session counts.
func (m Model) renderStatusBar(theme Theme) string {
	server := lipgloss.NewStyle().Foreground(theme.Error).Render("server: offline")
	if m.serverOnline {
		server = lipgloss.NewStyle().Foreground(theme.Success).Render("server: online")
	}

	running, approvals := 0, 0
	for _, s := range m.sessions {
		if s.Status == protocol.SessionRunning {
			running++
		}
		approvals += s.PendingApprovals
	}

	bar := lipgloss.JoinHorizontal(
		lipgloss.Left,
		server,
		" | Sessions: ",
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", len(m.sessions))),
		" | Running: ",
		lipgloss.NewStyle().Foreground(theme.Success).Render(fmt.Sprintf("%d", running)),
		" | Approvals: ",
		lipgloss.NewStyle().Foreground(theme.Warning).Render(fmt.Sprintf("%d", approvals)),
	)
	if m.err != nil {
		bar += lipgloss.NewStyle().Foreground(theme.Error).Render(" | " + m.err.Error())
	}
	return bar
}

var sessionColumns = []struct {
	title string
	width int
}{
	{"ID", 10},
	{"Status", 10},
	{"Planning", 22},
	{"Runtime", 11},
	{"Workers", 8},
	{"Approvals", 10},
	{"Objective", 40},
}

// renderSessions renders the session table with the selection highlighted.
func (m Model) renderSessions(theme Theme) string {
	if len(m.sessions) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("No sessions yet. Start one with `foreman new`.")
	}

	col := lipgloss.NewStyle().PaddingRight(1)
	var sb strings.Builder

	header := make([]string, 0, len(sessionColumns))
	for _, c := range sessionColumns {
		header = append(header, col.Width(c.width).Bold(true).Foreground(theme.Primary).Render(c.title))
	}
	sb.WriteString(strings.Join(header, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", min(max(m.width, 40), 112)))

	for i, s := range m.sessions {
		planning := string(s.PlanningState)
		if s.PlanningPhase != "" {
			planning += "/" + s.PlanningPhase
		}
		cells := []string{
			s.ID,
			string(s.Status),
			planning,
			string(s.Runtime),
			fmt.Sprintf("%d", s.WorkerCount),
			fmt.Sprintf("%d", s.PendingApprovals),
			s.Objective,
		}
		row := make([]string, len(cells))
		for j, c := range sessionColumns {
			style := col.Width(c.width)
			if j == 1 {
				style = style.Foreground(theme.StatusColor(s.Status))
			}
			if j == 5 && s.PendingApprovals > 0 {
				style = style.Foreground(theme.Warning).Bold(true)
			}
			row[j] = style.Render(truncate(cells[j], c.width-1))
		}
		line := strings.Join(row, "")
		if i == m.selected {
			line = lipgloss.NewStyle().Reverse(true).Render("▶ " + line)
		} else {
			line = "  " + line
		}
		sb.WriteString("\n")
		sb.WriteString(line)
	}
	return sb.String()
}

// renderFooter shows the send box while typing, otherwise key help.
func (m Model) renderFooter(theme Theme) string {
	muted := lipgloss.NewStyle().Foreground(theme.Muted)
	if m.typing {
		return lipgloss.NewStyle().Foreground(theme.Secondary).Render("→ "+m.target+" ") + m.input.View()
	}
	help := muted.Render("j/k select · tab target (" + m.target + ") · i send · r refresh · pgup/pgdn scroll · q quit")
	if m.notice != "" {
		return lipgloss.NewStyle().Foreground(theme.Warning).Render(m.notice) + "  " + help
	}
	return help
}

// renderEvents formats events one per line, newest last.
func renderEvents(theme Theme, events []protocol.Event, width int) string {
	if len(events) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("no events")
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		typ := lipgloss.NewStyle().Foreground(theme.EventColor(ev.Type)).Width(30).Render(string(ev.Type))
		detail := eventDetail(ev)
		if width > 0 {
			detail = truncate(detail, max(width-40, 10))
		}
		lines = append(lines, ev.At.Local().Format(time.TimeOnly)+" "+typ+" "+detail)
	}
	return strings.Join(lines, "\n")
}

// eventDetail summarizes the payload. Worker log lines are shown as
// "target: line"; everything else as compact JSON.
func eventDetail(ev protocol.Event) string {
	raw, err := json.Marshal(ev.Payload)
	if err != nil || string(raw) == "null" {
		return ""
	}
	if ev.Type == protocol.EventWorkerLog {
		var p struct {
			TargetID string `json:"targetId"`
			LastLine string `json:"lastLine"`
		}
		if json.Unmarshal(raw, &p) == nil && p.LastLine != "" {
			return p.TargetID + ": " + p.LastLine
		}
	}
	return string(raw)
}

// truncate shortens s to n runes with a trailing ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-1]) + "…"
}
