package work

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// CommandInvoker runs a subprocess per attempt. The task inputs are written
// to stdin as a JSON object; the process must print a JSON envelope
// {"success": bool, "data": {...}, "error": "..."} on stdout.
type CommandInvoker struct {
	command string
	args    []string
	env     []string
	dir     string
	procMgr *ProcessManager
}

// envelope is the JSON structure a command prints on stdout.
type envelope struct {
	Success *bool          `json:"success"`
	Data    map[string]any `json:"data"`
	Error   string         `json:"error"`
}

// NewCommandInvoker creates a command invoker.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandInvoker(cfg config.KindConfig, procMgr *ProcessManager) (*CommandInvoker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	return &CommandInvoker{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		env:     env,
		dir:     cfg.Dir,
		procMgr: procMgr,
	}, nil
}

// Invoke runs the command once. A non-zero exit, unparsable output or an
// expired context is returned as an error; a well-formed envelope reporting
// failure is returned as an unsuccessful Result.
func (c *CommandInvoker) Invoke(ctx context.Context, inputs map[string]any) (scheduler.Result, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to encode inputs: %w", err)
	}
	payload = append(payload, '\n')

	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Env = c.env
	cmd.Dir = c.dir

	stdout, stderr, err := executeCommand(ctx, cmd, c.procMgr, payload)
	if err != nil {
		return scheduler.Result{Error: err.Error()}, err
	}

	return parseEnvelope(stdout, stderr)
}

// parseEnvelope decodes a command's stdout.
func parseEnvelope(stdout, stderr []byte) (scheduler.Result, error) {
	var env envelope
	if err := json.Unmarshal(stdout, &env); err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to parse command output: %w (stderr: %s)", err, string(stderr))
	}
	if env.Success == nil {
		return scheduler.Result{}, fmt.Errorf("command output has no success field")
	}

	return scheduler.Result{
		Success: *env.Success,
		Data:    env.Data,
		Error:   env.Error,
	}, nil
}
