package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/Ark0N/Claudeman-sub001/internal/config"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.StorePath = filepath.Join(t.TempDir(), "claudeman.db")
	return &cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) string {
	t.Helper()
	cmd := newRootCommand(cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return stdout.String()
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	output := strings.TrimSpace(execute(t, testConfig(t), "--version"))
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	output := execute(t, testConfig(t), "--help")
	for _, name := range []string{"run", "session", "task", "status"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestTaskAddThenList(t *testing.T) {
	cfg := testConfig(t)

	added := execute(t, cfg, "task", "add", "refactor the config loader", "--priority", "5")
	if !strings.Contains(added, "added") {
		t.Fatalf("add output = %q", added)
	}

	listed := execute(t, cfg, "task", "list")
	if !strings.Contains(listed, "refactor the config loader") {
		t.Fatalf("list output missing prompt: %s", listed)
	}
	if !strings.Contains(listed, "p=5") {
		t.Fatalf("list output missing priority: %s", listed)
	}
}

func TestTaskListStatusFilter(t *testing.T) {
	cfg := testConfig(t)
	execute(t, cfg, "task", "add", "write release notes")

	listed := execute(t, cfg, "task", "list", "--status", "completed")
	if !strings.Contains(listed, "no matching tasks") {
		t.Fatalf("completed filter should match nothing: %s", listed)
	}

	listed = execute(t, cfg, "task", "list", "--status", "pending")
	if !strings.Contains(listed, "write release notes") {
		t.Fatalf("pending filter should match the task: %s", listed)
	}
}

func TestTaskClearRemovesNothingWhilePending(t *testing.T) {
	cfg := testConfig(t)
	execute(t, cfg, "task", "add", "investigate flaky test")

	cleared := execute(t, cfg, "task", "clear")
	if !strings.Contains(cleared, "removed 0 tasks") {
		t.Fatalf("clear output = %q", cleared)
	}

	listed := execute(t, cfg, "task", "list")
	if !strings.Contains(listed, "investigate flaky test") {
		t.Fatalf("pending task should survive clear: %s", listed)
	}
}

func TestSessionListEmpty(t *testing.T) {
	output := execute(t, testConfig(t), "session", "list")
	if !strings.Contains(output, "no sessions recorded") {
		t.Fatalf("session list output = %q", output)
	}
}

func TestStatusSummarizesBacklog(t *testing.T) {
	cfg := testConfig(t)
	execute(t, cfg, "task", "add", "first task")
	execute(t, cfg, "task", "add", "second task")

	output := execute(t, cfg, "status")
	if !strings.Contains(output, "sessions") || !strings.Contains(output, "tasks") {
		t.Fatalf("status output missing headings: %s", output)
	}
	if !strings.Contains(output, "2") {
		t.Fatalf("status output missing pending count: %s", output)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 40)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate long = %q", got)
	}
	if got := truncate("one\ntwo", 10); got != "one two" {
		t.Fatalf("truncate newline = %q", got)
	}
}
