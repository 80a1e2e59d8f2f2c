package terminal

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultBinDirs are appended to PATH when looking for binaries, since a
// daemon started from a desktop launcher often inherits a minimal PATH.
var defaultBinDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// RuntimePath merges the entries of path with defaultBinDirs, dropping
// blanks and duplicates while keeping the first occurrence.
func RuntimePath(path string) string {
	return strings.Join(dedupe(append(splitPath(path), defaultBinDirs...)), ":")
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// ResolveBinary returns the first executable candidate for name: extra
// candidates first, then every directory of RuntimePath(path). It returns
// "" when nothing executable is found.
func ResolveBinary(name, path string, extra ...string) string {
	candidates := append([]string{}, extra...)
	for _, dir := range splitPath(RuntimePath(path)) {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	for _, c := range dedupe(candidates) {
		if isExecutable(c) {
			return c
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
