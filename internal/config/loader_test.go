package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalConfig    string
		projectConfig   string
		expectKinds     int
		expectWorkflows int
		expectParallel  int
		checkKind       string
		expectType      string
		expectCommand   string
		expectError     bool
	}{
		{
			name:            "No config files - returns defaults",
			expectKinds:     4,
			expectWorkflows: 1,
		},
		{
			name:            "Global only - adds new kind",
			globalConfig:    `{"kinds": {"bureau_pull": {"type": "command", "command": "bureau-cli"}}}`,
			expectKinds:     5, // 4 defaults + 1 new
			expectWorkflows: 1,
			checkKind:       "bureau_pull",
			expectType:      "command",
			expectCommand:   "bureau-cli",
		},
		{
			name:            "Project only - overrides kind",
			projectConfig:   `{"kinds": {"risk_analysis": {"type": "command", "command": "risk-model"}}}`,
			expectKinds:     4, // Same count, but risk_analysis modified
			expectWorkflows: 1,
			checkKind:       "risk_analysis",
			expectType:      "command",
			expectCommand:   "risk-model",
		},
		{
			name:            "Project overrides global - project wins",
			globalConfig:    `{"max_parallel": 2, "kinds": {"risk_analysis": {"type": "command", "command": "model-x"}}}`,
			projectConfig:   `{"max_parallel": 8, "kinds": {"risk_analysis": {"type": "command", "command": "model-y"}}}`,
			expectKinds:     4,
			expectWorkflows: 1,
			expectParallel:  8,
			checkKind:       "risk_analysis",
			expectCommand:   "model-y",
		},
		{
			name:            "Scalar absent from project keeps global value",
			globalConfig:    `{"max_parallel": 3}`,
			projectConfig:   `{"archive": "runs.db"}`,
			expectKinds:     4,
			expectWorkflows: 1,
			expectParallel:  3,
		},
		{
			name:          "Workflow referencing unknown kind",
			projectConfig: `{"workflows": {"broken": {"steps": [{"id": "a", "kind": "nope"}]}}}`,
			expectError:   true,
		},
		{
			name:          "Unknown kind type",
			projectConfig: `{"kinds": {"x": {"type": "grpc"}}}`,
			expectError:   true,
		},
		{
			name:          "Command kind without command",
			projectConfig: `{"kinds": {"x": {"type": "command"}}}`,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temp directory for test configs
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			// Verify counts
			if got := len(cfg.Kinds); got != tt.expectKinds {
				t.Errorf("kinds count = %d, want %d", got, tt.expectKinds)
			}
			if got := len(cfg.Workflows); got != tt.expectWorkflows {
				t.Errorf("workflows count = %d, want %d", got, tt.expectWorkflows)
			}
			if cfg.MaxParallel != tt.expectParallel {
				t.Errorf("max_parallel = %d, want %d", cfg.MaxParallel, tt.expectParallel)
			}

			// Verify specific kind if specified
			if tt.checkKind != "" {
				kind, exists := cfg.Kinds[tt.checkKind]
				if !exists {
					t.Fatalf("expected kind %q not found", tt.checkKind)
				}
				if tt.expectType != "" && kind.Type != tt.expectType {
					t.Errorf("kind %q type = %q, want %q", tt.checkKind, kind.Type, tt.expectType)
				}
				if kind.Command != tt.expectCommand {
					t.Errorf("kind %q command = %q, want %q", tt.checkKind, kind.Command, tt.expectCommand)
				}
			}
		})
	}
}

func TestLoad_PartialDefaultsKeepRest(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "project.json", `{"defaults": {"timeout": "45s"}}`)

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Defaults.Timeout.Std() != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.Defaults.Timeout.Std())
	}
	if cfg.Defaults.Retry.MaxRetries != 3 {
		t.Errorf("retry max = %d, want default 3", cfg.Defaults.Retry.MaxRetries)
	}
}

func TestLoad_BreakerOptIn(t *testing.T) {
	if DefaultConfig().Breaker.Enabled {
		t.Fatal("breakers should be off by default")
	}

	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "project.json", `{"breaker": {"enabled": true}}`)

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Breaker.Enabled {
		t.Error("breaker.enabled was not applied")
	}
	if cfg.Breaker.ConsecutiveFailures != 5 || cfg.Breaker.Timeout.Std() != 30*time.Second {
		t.Errorf("breaker = %+v, want the remaining defaults kept", cfg.Breaker)
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()

	// Create malformed JSON file
	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")

	// Load should return error
	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	// Load with non-existent paths should not error
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	// Should return defaults
	if len(cfg.Kinds) != 4 {
		t.Errorf("kinds count = %d, want 4", len(cfg.Kinds))
	}
	if len(cfg.Workflows["credit_analysis"].Steps) != 4 {
		t.Errorf("credit_analysis steps = %d, want 4", len(cfg.Workflows["credit_analysis"].Steps))
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"1.5s"`, 1500 * time.Millisecond, false},
		{`"2m"`, 2 * time.Minute, false},
		{`3`, 3 * time.Second, false},
		{`0.25`, 250 * time.Millisecond, false},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalJSON([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && d.Std() != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.in, d.Std(), tt.want)
		}
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
