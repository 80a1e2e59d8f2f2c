package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reasons returned by PlaceholderReason.
const (
	ReasonEmpty       = "empty instruction"
	ReasonPlaceholder = "placeholder phrase"
	ReasonExample     = "example wording"
	ReasonShortPhrase = "short phrase about an instruction"
)

// Agents sometimes echo the sample directive from their prompt back as if
// it were real. These phrases mark such echoes.
var exactPlaceholders = map[string]bool{
	"具体执行指令":                true,
	"新的执行指令":                true,
	"示例指令":                  true,
	"待填写":                   true,
	"example instruction":   true,
	"placeholder":           true,
	"your instruction here": true,
	"new instruction here":  true,
	"new instruction":       true,
	"concrete instruction":  true,
	"instruction goes here": true,
}

var (
	placeholderHint = regexp.MustCompile(`(?i)具体执行指令|新的执行指令|待填写|your instruction here|new instruction here|instruction goes here|placeholder`)
	exampleHint     = regexp.MustCompile(`(?i)示例|模板|样例|example|template`)
	instructionWord = regexp.MustCompile(`(?i)指令|instruction`)
)

// maxShortPhrase is the longest whitespace-free length still treated as a
// bare label rather than a real instruction.
const maxShortPhrase = 18

// PlaceholderReason reports why instruction looks like a template or example
// rather than real work, or "" when it looks genuine.
func PlaceholderReason(instruction string) string {
	clean := strings.TrimSpace(instruction)
	if clean == "" {
		return ReasonEmpty
	}
	if exactPlaceholders[strings.ToLower(clean)] {
		return ReasonPlaceholder
	}
	if placeholderHint.MatchString(clean) {
		return ReasonPlaceholder
	}
	if exampleHint.MatchString(clean) {
		return ReasonExample
	}
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, clean)
	if utf8.RuneCountInString(compact) <= maxShortPhrase && instructionWord.MatchString(clean) {
		return ReasonShortPhrase
	}
	return ""
}
