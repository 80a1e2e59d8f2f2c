package main

import (
	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/protocol"
)

// Theme defines the visual styling for the dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// StatusColor picks the color a session status is rendered in.
func (t Theme) StatusColor(s protocol.SessionStatus) lipgloss.Color {
	switch s {
	case protocol.SessionRunning:
		return t.Success
	case protocol.SessionPlanning:
		return t.Secondary
	case protocol.SessionError:
		return t.Error
	case protocol.SessionStopped:
		return t.Muted
	default:
		return t.Warning
	}
}

// EventColor picks the color an event type is rendered in.
func (t Theme) EventColor(typ protocol.EventType) lipgloss.Color {
	switch typ {
	case protocol.EventApprovalCreated:
		return t.Warning
	case protocol.EventApprovalResolved, protocol.EventApprovalAutoResolved, protocol.EventAutoContinued,
		protocol.EventDispatchApplied, protocol.EventTaskDispatched, protocol.EventPlanningCompleted:
		return t.Success
	case protocol.EventDispatchFailed, protocol.EventAutoContinueFailed, protocol.EventManualInputFailed,
		protocol.EventBootstrapFailed, protocol.EventSessionRecoverFail, protocol.EventPlanningManualErr:
		return t.Error
	case protocol.EventWorkerLog:
		return t.Muted
	default:
		return t.Primary
	}
}
