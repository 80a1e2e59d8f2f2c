package terminal

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSessionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-123", "sup-abc-123"},
		{"A B/C", "sup-a-b-c"},
		{"", "sup-session"},
		{strings.Repeat("x", 60), "sup-" + strings.Repeat("x", 44)},
	}
	for _, tt := range tests {
		if got := SessionName(tt.in); got != tt.want {
			t.Errorf("SessionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubprocessCommand(t *testing.T) {
	tests := []struct {
		name, dir, command, want string
	}{
		{
			name:    "plain command",
			dir:     "/ws",
			command: "claude",
			want:    "cd '/ws' && claude",
		},
		{
			name:    "codex needs a tty",
			dir:     "/ws",
			command: "codex --no-alt-screen",
			want:    `script -q /dev/null bash -lc 'cd '\''/ws'\'' && codex --no-alt-screen'`,
		},
		{
			name:    "codex by path",
			dir:     "/w",
			command: "/opt/bin/codex",
			want:    `script -q /dev/null bash -lc 'cd '\''/w'\'' && /opt/bin/codex'`,
		},
		{
			name:    "codex as substring only",
			dir:     "/w",
			command: "mycodex",
			want:    "cd '/w' && mycodex",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subprocessCommand(tt.dir, tt.command); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRuntimePath_AppendsDefaultsWithoutDuplicates(t *testing.T) {
	got := RuntimePath("/custom/bin: /usr/bin::")
	parts := strings.Split(got, ":")
	if parts[0] != "/custom/bin" || parts[1] != "/usr/bin" {
		t.Fatalf("original entries should come first: %v", parts)
	}
	seen := map[string]int{}
	for _, p := range parts {
		seen[p]++
	}
	if seen["/usr/bin"] != 1 {
		t.Errorf("/usr/bin duplicated: %v", parts)
	}
	if seen["/opt/homebrew/bin"] != 1 {
		t.Errorf("default dir missing: %v", parts)
	}
}

func TestResolveBinary_RequiresExecutable(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "tool")
	if err := os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveBinary("tool", dir); got != "" && filepath.Dir(got) == dir {
		t.Errorf("non-executable file accepted: %q", got)
	}

	if err := os.Chmod(plain, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := ResolveBinary("tool", dir); got != plain {
		t.Errorf("ResolveBinary = %q, want %q", got, plain)
	}

	extra := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(extra, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := ResolveBinary("tool", dir, extra); got != extra {
		t.Errorf("extra candidate should win, got %q", got)
	}
}

func TestLineBuffer(t *testing.T) {
	b := NewLineBuffer(4)
	_, _ = b.Write([]byte("alpha\r\nbe"))
	_, _ = b.Write([]byte("ta  \ngamma\ndel"))

	if got := b.Tail(10); !reflect.DeepEqual(got, []string{"alpha", "beta", "gamma", "del"}) {
		t.Errorf("Tail = %q", got)
	}

	_, _ = b.Write([]byte("ta\nepsilon\n"))
	if got := b.Tail(10); !reflect.DeepEqual(got, []string{"gamma", "delta", "epsilon", ""}) {
		t.Errorf("after eviction Tail = %q", got)
	}
	if got := b.Tail(2); !reflect.DeepEqual(got, []string{"epsilon", ""}) {
		t.Errorf("Tail(2) = %q", got)
	}
	if lastNonEmpty(b.Tail(4)) != "epsilon" {
		t.Error("last non-empty line should skip the open partial line")
	}
}
