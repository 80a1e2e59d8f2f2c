package intent

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Tag names of the structured blocks agents are asked to emit.
const (
	TagPlan          = "task_plan_json"
	TagDispatch      = "dispatch_json"
	TagDispatchBatch = "dispatch_batch_json"
	TagDispatchAll   = "dispatch_all_json"
)

// Source names where a candidate payload was found.
const (
	SourceTag   = "tag"
	SourceFence = "fence"
	SourceScan  = "scan"
)

var (
	csiSequence = regexp.MustCompile("\x1b\\[[0-?]*[ -/]*[@-~]")
	oscSequence = regexp.MustCompile("\x1b\\][^\x07]*(?:\x07|\x1b\\\\)")
	fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")
	hardWrap    = regexp.MustCompile(`\n\s*`)
)

// object is a decoded JSON object.
type object = map[string]any

// candidate is one decoded JSON object plus where it came from.
type candidate struct {
	source string
	raw    string
	obj    object
}

// normalizeInput turns carriage returns into newlines and strips terminal
// escape sequences and NUL bytes.
func normalizeInput(text string) string {
	text = strings.ReplaceAll(text, "\r", "\n")
	text = csiSequence.ReplaceAllString(text, "")
	text = oscSequence.ReplaceAllString(text, "")
	return strings.ReplaceAll(text, "\x00", "")
}

// parseObject decodes raw as a JSON object. When the first decode fails it
// retries with every line break and its following indentation removed, which
// undoes hard wraps a terminal inserts inside long strings.
func parseObject(raw string) (object, bool) {
	src := strings.TrimSpace(raw)
	if obj, ok := decodeObject(src); ok {
		return obj, true
	}
	repaired := strings.TrimSpace(hardWrap.ReplaceAllString(strings.ReplaceAll(src, "\r", ""), ""))
	if repaired == "" {
		return nil, false
	}
	return decodeObject(repaired)
}

func decodeObject(src string) (object, bool) {
	var v any
	if err := json.Unmarshal([]byte(src), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(object)
	return obj, ok && obj != nil
}

// taggedBodies returns the raw bodies of every <tag>...</tag> pair in order.
func taggedBodies(text, tag string) []string {
	open, closing := "<"+tag+">", "</"+tag+">"
	var out []string
	cursor := 0
	for cursor < len(text) {
		start := strings.Index(text[cursor:], open)
		if start < 0 {
			break
		}
		start += cursor + len(open)
		end := strings.Index(text[start:], closing)
		if end < 0 {
			break
		}
		end += start
		out = append(out, strings.TrimSpace(text[start:end]))
		cursor = end + len(closing)
	}
	return out
}

// taggedObjects decodes every tagged block of the given tag, skipping the
// ones that are not JSON objects.
func taggedObjects(text, tag string) []object {
	var out []object
	for _, body := range taggedBodies(normalizeInput(text), tag) {
		if obj, ok := parseObject(body); ok {
			out = append(out, obj)
		}
	}
	return out
}

func fencedBodies(text string) []string {
	var out []string
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			out = append(out, body)
		}
	}
	return out
}

// balancedObjects scans text for top-level {...} spans. Braces inside JSON
// string literals, including escaped quotes, do not affect depth.
func balancedObjects(text string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
			if depth < 0 {
				depth, start = 0, -1
			}
		}
	}
	return out
}

// rejection records why a raw candidate did not become a result.
type rejection struct {
	source string
	raw    string
	reason string
}

// collector gathers candidates from every source, dropping structural
// duplicates and remembering what it could not decode.
type collector struct {
	seen       map[string]bool
	candidates []candidate
	rejected   []rejection
}

func (c *collector) push(source, raw string, obj object) {
	key, err := canonicalJSON(obj)
	if err != nil {
		c.rejected = append(c.rejected, rejection{source, raw, "not encodable: " + err.Error()})
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.candidates = append(c.candidates, candidate{source: source, raw: raw, obj: obj})
}

func (c *collector) pushRaw(source, raw string, accept func(object) bool) {
	obj, ok := parseObject(raw)
	if !ok {
		c.rejected = append(c.rejected, rejection{source, raw, "not a parseable JSON object"})
		return
	}
	if accept != nil && !accept(obj) {
		return
	}
	c.push(source, raw, obj)
}

// collectCandidates gathers JSON objects from tagged blocks (newest first),
// fenced code blocks and a brace-balanced scan, in that order. When planLike
// is set, scanned objects without a task list are ignored.
func collectCandidates(text string, tags []string, planLike bool) *collector {
	src := normalizeInput(text)
	c := &collector{}

	for _, tag := range tags {
		bodies := taggedBodies(src, tag)
		for i := len(bodies) - 1; i >= 0; i-- {
			c.pushRaw(SourceTag, bodies[i], nil)
		}
	}
	for _, body := range fencedBodies(src) {
		c.pushRaw(SourceFence, body, nil)
	}

	var accept func(object) bool
	if planLike {
		accept = func(o object) bool { return firstArray(o, planListKeys...) != nil }
	}
	for _, raw := range balancedObjects(src) {
		obj, ok := parseObject(raw)
		if !ok || (accept != nil && !accept(obj)) {
			continue
		}
		c.push(SourceScan, raw, obj)
	}
	return c
}

// canonicalJSON encodes v with sorted object keys so that structurally equal
// payloads produce identical bytes.
func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
