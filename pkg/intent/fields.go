package intent

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"foreman/pkg/protocol"
)

// Field aliases accepted from agents.
var (
	planListKeys     = []string{"tasks", "subtasks", "items", "workers"}
	planSummaryKeys  = []string{"planSummary", "summary", "overview", "plan"}
	taskTitleKeys    = []string{"title", "name"}
	taskTextKeys     = []string{"instruction", "prompt", "task", "description"}
	taskDependsKeys  = []string{"dependsOn", "depends", "deps"}
	taskIndexKeys    = []string{"workerIndex", "index", "worker", "workerId"}
	dispatchIDKeys   = []string{"workerId", "worker", "target", "targetWorker"}
	dispatchTextKeys = []string{"instruction", "prompt", "message", "task"}
	batchListKeys    = []string{"tasks", "dispatches", "items", "workers"}
	broadcastKeys    = []string{"instruction", "message", "task"}
)

var (
	trailingDigits = regexp.MustCompile(`(\d+)$`)
	anyDigits      = regexp.MustCompile(`\d+`)
	canonicalID    = regexp.MustCompile(`(?i)^worker-\d+$`)
)

// firstArray returns the first key whose value is a JSON array.
func firstArray(o object, keys ...string) []any {
	for _, k := range keys {
		if arr, ok := o[k].([]any); ok {
			return arr
		}
	}
	return nil
}

// firstText returns the first key whose value renders to non-empty text,
// trimmed.
func firstText(o object, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(toText(o[k])); s != "" {
			return s
		}
	}
	return ""
}

// firstPresent returns the first key that is present and not null.
func firstPresent(o object, keys ...string) any {
	for _, k := range keys {
		if v, ok := o[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// toText renders scalars as text; other values render as "".
func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
	}
	return ""
}

// parseIndex resolves a 1-based slot number from a number, a numeric string,
// or a string ending in digits ("worker-3", "#2"). It returns fallback when
// nothing positive can be recovered.
func parseIndex(v any, fallback int) int {
	if f, ok := v.(float64); ok && f > 0 && f == math.Trunc(f) && f <= math.MaxInt32 {
		return int(f)
	}
	text := strings.TrimSpace(toText(v))
	if text == "" {
		return fallback
	}
	if m := trailingDigits.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	if n, err := strconv.Atoi(text); err == nil && n > 0 {
		return n
	}
	return fallback
}

// NormalizeWorkerID maps any accepted alias of a worker reference (numeric
// index, "worker-N" in any case, ordinal suffix) to the canonical
// "worker-N" form. It returns "" when no positive index can be recovered.
func NormalizeWorkerID(v any) string {
	text := strings.TrimSpace(toText(v))
	if text == "" {
		return ""
	}
	if canonicalID.MatchString(text) {
		n, err := strconv.Atoi(text[len(protocol.WorkerPrefix):])
		if err == nil && n > 0 {
			return protocol.WorkerID(n)
		}
		return ""
	}
	if n := parseIndex(v, 0); n > 0 {
		return protocol.WorkerID(n)
	}
	return ""
}

// parseDepends accepts an array of slot references or a string with digits
// embedded in it ("depends on 1 and 2").
func parseDepends(v any) []int {
	out := []int{}
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if n := parseIndex(item, 0); n > 0 {
				out = append(out, n)
			}
		}
	case string:
		for _, d := range anyDigits.FindAllString(x, -1) {
			if n, err := strconv.Atoi(d); err == nil && n > 0 {
				out = append(out, n)
			}
		}
	}
	return out
}
