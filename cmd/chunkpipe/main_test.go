package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if !newLogger("DEBUG").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug not enabled")
	}
	if newLogger("").Enabled(ctx, slog.LevelDebug) || !newLogger("").Enabled(ctx, slog.LevelInfo) {
		t.Error("default should be info")
	}
	if newLogger("error").Enabled(ctx, slog.LevelWarn) {
		t.Error("warn enabled at error level")
	}
}

func TestExtractCommand(t *testing.T) {
	// WHAT: extract runs the configured pipeline and prints every chunk.
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "doc.md")
	os.WriteFile(path, []byte("intro\n# One\nfirst\n# Two\nsecond\n"), 0o644)

	a := &app{}
	if err := a.init(); err != nil {
		t.Fatal(err)
	}
	defer a.shutdown()

	cmd := extractCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "--chunker", "by-section", "--out", filepath.Join(dir, "out")})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "--- chunk"); got != 3 {
		t.Errorf("printed %d chunks:\n%s", got, out.String())
	}
	prompt, err := os.ReadFile(filepath.Join(dir, "out", "prompt.txt"))
	if err != nil || !strings.Contains(string(prompt), "# Two\nsecond") {
		t.Errorf("prompt.txt = %q, %v", prompt, err)
	}
}
