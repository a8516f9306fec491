package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func mockWork(t *testing.T) string {
	t.Helper()
	workDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return filepath.Join(workDir, "testdata", "mock-work.sh")
}

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

func TestExecuteCommand_Stdin(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "cat")

	stdout, _, err := executeCommand(ctx, cmd, nil, []byte(`{"score":710}`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(stdout) != `{"score":710}` {
		t.Errorf("Expected stdin echoed back, got: %q", stdout)
	}
}

// TestExecuteCommand_LargeOutput verifies no deadlock when output exceeds the pipe buffer
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "bash", "-c", "head -c 262144 /dev/zero | tr '\\0' 'x'; head -c 131072 /dev/zero | tr '\\0' 'y' >&2")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(stdout) != 262144 {
		t.Errorf("Expected 262144 bytes of stdout, got %d", len(stdout))
	}
	if len(stderr) != 131072 {
		t.Errorf("Expected 131072 bytes of stderr, got %d", len(stderr))
	}
}

// TestExecuteCommand_ContextDeadline verifies the subprocess is killed when the deadline passes
func TestExecuteCommand_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "bash", mockWork(t), "--sleep", "30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil, nil)
	if err == nil {
		t.Fatal("Expected error due to context deadline, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected error to wrap context.DeadlineExceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Command took %v to abort", elapsed)
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error handling and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", mockWork(t), "--exit-code", "3")

	stdout, _, err := executeCommand(ctx, cmd, nil, []byte(`{"id":"x"}`))
	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), `"id":"x"`) {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}
	if !strings.Contains(err.Error(), "mock-work: running") {
		t.Errorf("Expected stderr in error message, got: %v", err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code != 3 {
			t.Errorf("Expected exit code 3, got %d", code)
		}
	} else {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
}

// TestExecuteCommand_TracksWhileRunning verifies the manager sees the process only while it runs
func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		cmd := newCommand(ctx, "bash", mockWork(t), "--sleep", "1")
		_, _, err := executeCommand(ctx, cmd, pm, nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process while running, got %d", pm.Count())
	}

	if err := <-done; err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after exit, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "bash", mockWork(t), "--sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies process group signal propagation
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "bash", mockWork(t), "--spawn-child", "--sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	// Give the child time to spawn
	time.Sleep(200 * time.Millisecond)

	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	// Orphans linger as zombies until init reaps them, so only live
	// members of the group count
	deadline := time.Now().Add(2 * time.Second)
	for {
		live := liveGroupMembers(t, parentPID)
		if len(live) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Processes still running in group %d after KillAll: %v", parentPID, live)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// liveGroupMembers lists the non-zombie processes in a process group by
// scanning /proc.
func liveGroupMembers(t *testing.T, pgid int) []string {
	t.Helper()
	stats, err := filepath.Glob("/proc/[0-9]*/stat")
	if err != nil || len(stats) == 0 {
		t.Skip("/proc is not available")
	}

	var live []string
	for _, path := range stats {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // exited while scanning
		}
		// pid (comm) state ppid pgrp ...; comm may contain spaces
		end := bytes.LastIndexByte(data, ')')
		if end < 0 {
			continue
		}
		fields := strings.Fields(string(data[end+1:]))
		if len(fields) < 3 {
			continue
		}
		if fields[2] != fmt.Sprint(pgid) {
			continue
		}
		if state := fields[0]; state == "Z" || state == "X" {
			continue
		}
		live = append(live, strings.TrimSuffix(strings.TrimPrefix(path, "/proc/"), "/stat"))
	}
	return live
}
