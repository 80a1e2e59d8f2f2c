package terminal

import (
	"regexp"
	"strings"

	"foreman/pkg/protocol"
)

// maxSessionName bounds multiplexer session names.
const maxSessionName = 48

var (
	unsafeNameChars = regexp.MustCompile(`[^a-z0-9_-]`)
	needsTTY        = regexp.MustCompile(`(?i)(^|\s|/)codex(\s|$)`)
)

// SessionName derives the multiplexer session name for a session id.
func SessionName(sessionID string) string {
	base := strings.ToLower(sessionID)
	if base == "" {
		base = "session"
	}
	name := protocol.TmuxSessionPrefix + unsafeNameChars.ReplaceAllString(base, "-")
	if len(name) > maxSessionName {
		name = name[:maxSessionName]
	}
	return name
}

// quoteSingle wraps s in single quotes for bash, escaping embedded quotes.
func quoteSingle(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteDouble escapes backslashes and double quotes for a double-quoted
// context and wraps s in double quotes.
func quoteDouble(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// cdCommand runs command inside dir.
func cdCommand(dir, command string) string {
	return "cd " + quoteSingle(dir) + " && " + command
}

// subprocessCommand builds the bash -lc script for a piped child. Agents that
// refuse to run without a TTY are wrapped in script(1).
func subprocessCommand(dir, command string) string {
	base := cdCommand(dir, command)
	if !needsTTY.MatchString(strings.TrimSpace(command)) {
		return base
	}
	return "script -q /dev/null bash -lc " + quoteSingle(base)
}

// lastNonEmpty returns the last line that is not blank, trimmed.
func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
