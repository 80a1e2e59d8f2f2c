// Package classifier decides whether the recent output of an agent terminal
// is asking a question, and which kind of question it is.
package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"foreman/pkg/protocol"
)

// tailLines is the number of trailing lines the classifier looks at.
const tailLines = 30

// promptLines is the number of trailing lines quoted as prompt text.
const promptLines = 12

var threeChoicePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b1\s*[\).:-]?\s*yes\b`),
	regexp.MustCompile(`(?i)\b2\s*[\).:-]?\s*yes\b.*don['’]?t\s+ask\s+again`),
	regexp.MustCompile(`(?i)\b3\s*[\).:-]?\s*no\b.*tell\s+codex\s+what\s+to\s+do`),
}

var yesNoToken = regexp.MustCompile(`(?i)\b(yes|no)\b`)

var confirmVocabulary = []string{"allow this action", "confirm", "[y/n", "继续", "确认"}

var continuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`如果你要`),
	regexp.MustCompile(`如果你愿意`),
	regexp.MustCompile(`如果需要我可以继续`),
	regexp.MustCompile(`下一步可以继续`),
	regexp.MustCompile(`要的话我可以继续`),
	regexp.MustCompile(`(?i)if you want`),
	regexp.MustCompile(`(?i)if you'd like`),
	regexp.MustCompile(`(?i)i can continue`),
	regexp.MustCompile(`(?i)i can proceed`),
	regexp.MustCompile(`(?i)next step.*(?:continue|proceed)`),
}

// Result is the classification of one output tail.
type Result struct {
	Hit         bool
	Kind        protocol.PromptKind
	PromptText  string
	Fingerprint string
	Options     []int
}

var none = Result{Kind: protocol.KindNone}

// Classify inspects the last 30 lines and reports the first matching prompt
// kind in priority order: three-choice, yes/no, continue suggestion.
func Classify(lines []string) Result {
	tail := lines
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	trimmed := make([]string, len(tail))
	for i, l := range tail {
		trimmed[i] = strings.TrimRight(l, " \t\r")
	}
	joined := strings.Join(trimmed, "\n")

	if matchesAll(threeChoicePatterns, joined) {
		return hit(protocol.KindThreeChoice, pickPromptText(trimmed), 1, 2, 3)
	}

	if hasConfirmLine(trimmed) && yesNoToken.MatchString(joined) {
		return hit(protocol.KindYesNo, pickPromptText(trimmed), 1, 3)
	}

	if text := pickContinueText(trimmed); text != "" {
		return hit(protocol.KindContinueSuggestion, text, 1, 2, 3)
	}

	return none
}

func hit(kind protocol.PromptKind, text string, options ...int) Result {
	return Result{
		Hit:         true,
		Kind:        kind,
		PromptText:  text,
		Fingerprint: Fingerprint(text),
		Options:     options,
	}
}

func matchesAll(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if !p.MatchString(s) {
			return false
		}
	}
	return true
}

func hasConfirmLine(lines []string) bool {
	for _, l := range lines {
		row := strings.ToLower(l)
		for _, v := range confirmVocabulary {
			if strings.Contains(row, v) {
				return true
			}
		}
	}
	return false
}

// pickPromptText quotes the last 12 lines, trimmed, without blanks.
func pickPromptText(lines []string) string {
	if len(lines) > promptLines {
		lines = lines[len(lines)-promptLines:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// pickContinueText quotes the last two lines that carry a continue phrase.
func pickContinueText(lines []string) string {
	var matched []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		for _, p := range continuePatterns {
			if p.MatchString(l) {
				matched = append(matched, l)
				break
			}
		}
	}
	if len(matched) > 2 {
		matched = matched[len(matched)-2:]
	}
	return strings.Join(matched, "\n")
}

var fingerprintRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`/[^\s]+`), "<path>"},
	{regexp.MustCompile(`\d+`), "<num>"},
	{regexp.MustCompile(`\(\s*<num>\s*s\s*\)`), "(<duration>)"},
	{regexp.MustCompile(`<num>\s*%\s*context\s*left`), "<context-left>"},
	{regexp.MustCompile(`context\s*left`), "<context-left>"},
	{regexp.MustCompile(`\bworking\b`), "<working>"},
	{regexp.MustCompile(`[\s\p{Zs}]+`), " "},
}

// Fingerprint hashes prompt text after replacing paths, numbers, elapsed
// durations and remaining-context counters with placeholders, so prompts that
// differ only in those tokens collapse to the same 16-hex-char value.
func Fingerprint(text string) string {
	clean := strings.ToLower(text)
	for _, r := range fingerprintRules {
		clean = r.re.ReplaceAllString(clean, r.repl)
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(clean)))
	return hex.EncodeToString(sum[:])[:16]
}
