package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/pipeline/internal/work"
)

// setupWorkspace isolates HOME and the working directory so the default
// config paths and the archive land in temp directories.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	cmd := newRootCmd(a)

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	if closeErr := a.close(); closeErr != nil {
		t.Errorf("close: %v", closeErr)
	}
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLevels_Workflow(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "levels", "--workflow", "credit_analysis")
	if err != nil {
		t.Fatalf("levels failed: %v", err)
	}

	want := "0: data_collection\n1: risk_analysis\n2: documentation\n3: reporting\n"
	if out != want {
		t.Errorf("levels output:\n%s\nwant:\n%s", out, want)
	}
}

func TestLevels_Plan_JSON(t *testing.T) {
	dir := setupWorkspace(t)
	path := writeFile(t, filepath.Join(dir, "plan.yaml"), `name: fan-out
tasks:
  - {id: root, kind: data_collection}
  - {id: left, kind: risk_analysis, depends_on: [root]}
  - {id: right, kind: risk_analysis, depends_on: [root]}
`)

	out, err := execute(t, "levels", "--plan", path, "--json")
	if err != nil {
		t.Fatalf("levels failed: %v", err)
	}

	var levels [][]string
	if err := json.Unmarshal([]byte(out), &levels); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(levels) != 2 || strings.Join(levels[1], ",") != "left,right" {
		t.Errorf("levels = %v", levels)
	}
}

func TestRun_WorkflowArchivesRun(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "run", "--workflow", "credit_analysis", "--param", "customer_id=c-1042", "--json")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	var report struct {
		RunID   string `json:"run_id"`
		Summary struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid report JSON: %v", err)
	}
	if report.Summary.Total != 4 || report.Summary.Completed != 4 {
		t.Errorf("summary = %+v", report.Summary)
	}

	list, err := execute(t, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(list, report.RunID) || !strings.Contains(list, "succeeded") {
		t.Errorf("history does not list the run:\n%s", list)
	}

	detail, err := execute(t, "history", report.RunID)
	if err != nil {
		t.Fatalf("history %s failed: %v", report.RunID, err)
	}
	if !strings.Contains(detail, "reporting") {
		t.Errorf("history detail missing tasks:\n%s", detail)
	}
}

func TestRun_FailureCascades(t *testing.T) {
	dir := setupWorkspace(t)
	cfgPath := writeFile(t, filepath.Join(dir, "config.json"), `{
  "archive": "",
  "kinds": {"broken": {"type": "command", "command": "false"}}
}`)
	planPath := writeFile(t, filepath.Join(dir, "plan.yaml"), `name: broken
tasks:
  - id: pull
    kind: broken
    retry: {max_retries: 0}
  - id: score
    kind: risk_analysis
    depends_on: [pull]
  - id: side
    kind: data_collection
`)

	out, err := execute(t, "--config", cfgPath, "run", "--plan", planPath)
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("expected errRunFailed, got %v", err)
	}

	for _, want := range []string{"failed     pull", "cancelled  score", "upstream_failed from pull", "completed  side", "1 failed, 1 cancelled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_PlanSelection(t *testing.T) {
	setupWorkspace(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"neither", []string{"run"}, "one of --plan or --workflow is required"},
		{"both", []string{"run", "--plan", "p.yaml", "--workflow", "credit_analysis"}, "mutually exclusive"},
		{"unknown workflow", []string{"run", "--workflow", "nope"}, `unknown workflow "nope"`},
		{"params with plan", []string{"run", "--plan", "p.yaml", "--param", "a=1"}, "--param applies to workflows only"},
		{"unknown param step", []string{"run", "--workflow", "credit_analysis", "--param", "ghost.a=1"}, "ghost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	dir := setupWorkspace(t)

	out, err := execute(t, "check")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !strings.Contains(out, "workdir") {
		t.Errorf("check output missing workdir:\n%s", out)
	}

	cfgPath := writeFile(t, filepath.Join(dir, "config.json"), `{
  "health_checks": {"feed": {"type": "file", "target": "missing.csv"}}
}`)
	out, err = execute(t, "--config", cfgPath, "check")
	if err == nil {
		t.Fatal("expected failing check")
	}
	if !strings.Contains(out, "FAIL  feed") {
		t.Errorf("check output:\n%s", out)
	}
}

func TestConfigInit(t *testing.T) {
	dir := setupWorkspace(t)

	out, err := execute(t, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, "Wrote") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".pipeline", "config.json")); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	if _, err := execute(t, "config", "init"); err == nil {
		t.Error("expected error when config exists")
	}
	if _, err := execute(t, "config", "init", "--force"); err != nil {
		t.Errorf("config init --force failed: %v", err)
	}

	// The written file loads back
	if _, err := execute(t, "levels", "--workflow", "credit_analysis"); err != nil {
		t.Errorf("levels with written config failed: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("unexpected log output: %s", buf.String())
	}

	if _, err := newLogger(&buf, "loud", "text"); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestSetupTelemetry_Metrics(t *testing.T) {
	shutdown, err := setupTelemetry(context.Background(), "127.0.0.1:0", nil, quietLogger())
	if err != nil {
		t.Fatalf("setupTelemetry failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// correctly terminates tracked processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := work.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Process group isolation
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}

	pm.Track(cmd)
	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
