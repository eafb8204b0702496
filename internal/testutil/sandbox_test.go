package testutil

import (
	"os"
	"strings"
	"testing"
)

func TestWriteAndAppendLogLines(t *testing.T) {
	sb, err := NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := sb.WriteLogLines("node.log", []string{`{"ns":"a"}`, `{"ns":"b"}`}); err != nil {
		t.Fatalf("WriteLogLines failed: %v", err)
	}
	if err := sb.AppendLogLines("node.log", []string{`{"ns":"c"}`}); err != nil {
		t.Fatalf("AppendLogLines failed: %v", err)
	}

	data, err := os.ReadFile(sb.Path("node.log"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	got := string(data)
	if !strings.HasSuffix(got, "\n") {
		t.Fatalf("expected newline-terminated fixture, got %q", got)
	}
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 3 || lines[2] != `{"ns":"c"}` {
		t.Fatalf("unexpected fixture contents: %q", got)
	}
}

func TestCleanupRemovesFixtures(t *testing.T) {
	sb, err := NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	if err := sb.WriteFile("key.skey", []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := sb.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox root to be removed")
	}
}
