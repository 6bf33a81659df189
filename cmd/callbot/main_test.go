package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
logging:
  level: error
source:
  system: kcers1b
  filter_codes: [44912]
pipeline:
  timezone: UTC
  hashtags: "#test"
  dry_run: true
publisher:
  driver: none
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DEBUG", "CALL_THRESHOLD", "WINDOW_M", "TIMEZONE", "LOOKBACK_S"} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", cfg, "--env-file", filepath.Join(dir, "missing.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	clearEnv(t)
	out, err := execute(t, "", "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"ok", "poll kcers1b", "publisher:   none (dry_run=true)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestCheckVerifyWithoutPublisher(t *testing.T) {
	clearEnv(t)
	out, err := execute(t, "", "check", "--verify")
	if err != nil {
		t.Fatalf("check --verify: %v", err)
	}
	if !strings.Contains(out, "credentials: skipped") {
		t.Fatalf("output %q", out)
	}
}

func TestRenderCommand(t *testing.T) {
	clearEnv(t)
	body := `{"calls":[{"_id":"a","time":"2020-06-10T02:29:35.000Z","len":45},{"_id":"b","time":"bad","len":3}]}`
	out, err := execute(t, body, "render", "-")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "45 second encrypted call at 2:29:35 AM. #test") {
		t.Fatalf("output %q", out)
	}
	if !strings.Contains(out, "skipped call 1 (b)") {
		t.Fatalf("rejected call not reported: %q", out)
	}
}

func TestRenderFilterDropsStale(t *testing.T) {
	clearEnv(t)
	body := `{"calls":[{"_id":"a","time":"2020-06-10T02:29:35.000Z","len":45}]}`
	out, err := execute(t, body, "render", "--filter", "-")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "no posts") {
		t.Fatalf("output %q", out)
	}
}

func TestRenderMalformed(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, "<html>", "render", "-"); err == nil {
		t.Fatal("expected error for malformed body")
	}
}
