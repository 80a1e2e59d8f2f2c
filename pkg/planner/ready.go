package planner

import (
	"regexp"
	"strings"
)

const readyTailLines = 120

var (
	inputAffordance = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\?\s+for shortcuts`),
		regexp.MustCompile(`(?i)/\s+for commands`),
	}
	modelLine    = regexp.MustCompile(`(?i)model:`)
	modelLoading = regexp.MustCompile(`(?i)model:\s+loading`)
	agentBanner  = regexp.MustCompile(`(?i)>_\s+OpenAI Codex`)
)

// ProbeReady reports whether the supervisor's output shows a loaded agent
// waiting for input: the startup banner, a command-entry hint, and no
// "model: loading" on the latest model line.
func ProbeReady(lines []string) bool {
	if len(lines) > readyTailLines {
		lines = lines[len(lines)-readyTailLines:]
	}
	source := strings.Join(lines, "\n")
	if strings.TrimSpace(source) == "" {
		return false
	}

	prompt := false
	for _, re := range inputAffordance {
		if re.MatchString(source) {
			prompt = true
			break
		}
	}

	modelReady := true
	for i := len(lines) - 1; i >= 0; i-- {
		if modelLine.MatchString(lines[i]) {
			modelReady = !modelLoading.MatchString(lines[i])
			break
		}
	}

	return prompt && modelReady && agentBanner.MatchString(source)
}
