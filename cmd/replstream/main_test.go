package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "replstream.yaml")
	content := fmt.Sprintf(`
log:
  level: error
stream:
  retry_backoff: 10ms
placement:
  backend: sql
  sql:
    driver: sqlite3
    dsn: %s
store:
  dir: %s
  checkpoint_interval: 0s
admin:
  enabled: false
`, filepath.Join(dir, "placement.db"), filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("replstream %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestAppendThenFetch(t *testing.T) {
	cfg := writeTestConfig(t)

	out := run(t, "", "--config", cfg, "append", "--stream", "9", "--epoch", "1", "a", "b", "c")
	if !strings.Contains(out, "appended 3 records at [0, 3)") {
		t.Fatalf("append output = %q", out)
	}
	out = run(t, "d\ne\n", "--config", cfg, "append", "--stream", "9", "--epoch", "2", "--batch", "1")
	if !strings.Contains(out, "at [3, 4)") || !strings.Contains(out, "at [4, 5)") {
		t.Fatalf("stdin append output = %q", out)
	}

	out = run(t, "", "--config", cfg, "fetch", "--stream", "9", "--epoch", "3")
	if want := "0\ta\n1\tb\n2\tc\n3\td\n4\te\n"; out != want {
		t.Fatalf("fetch output = %q, want %q", out, want)
	}

	out = run(t, "", "--config", cfg, "fetch", "--stream", "9", "--epoch", "4", "--from", "1", "--to", "3", "--json")
	if want := "{\"offset\":1,\"value\":\"b\"}\n{\"offset\":2,\"value\":\"c\"}\n"; out != want {
		t.Fatalf("json fetch output = %q, want %q", out, want)
	}

	out = run(t, "", "--config", cfg, "placement", "list", "--stream", "9")
	// Readers never create ranges: only the two writers left one each.
	if !strings.Contains(out, `"epoch": 2`) || !strings.Contains(out, `"end": 5`) || strings.Contains(out, `"index": 2`) {
		t.Fatalf("placement list output = %s", out)
	}
}

func TestStoreCommands(t *testing.T) {
	cfg := writeTestConfig(t)
	run(t, "", "--config", cfg, "append", "--stream", "1", "--epoch", "1", "x")

	out := run(t, "", "--config", cfg, "store", "checkpoint")
	if !strings.HasPrefix(out, "checkpoint at WAL position ") {
		t.Fatalf("checkpoint output = %q", out)
	}
	out = run(t, "", "--config", cfg, "store", "stats")
	if !strings.Contains(out, `"ranges"`) || !strings.Contains(out, `"node"`) || !strings.Contains(out, `"CompletedTasks"`) {
		t.Fatalf("stats output = %s", out)
	}
}

func TestLogLevelFlagIsValidated(t *testing.T) {
	cfg := writeTestConfig(t)
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "--log-level", "chatty", "store", "stats"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "Log.Level") {
		t.Fatalf("Execute error = %v", err)
	}
}
