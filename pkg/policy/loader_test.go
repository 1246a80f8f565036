package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func denyRego(pkg string) string {
	return "package " + pkg + "\n\ndeny contains \"x\" if { false }\n"
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	policy := map[string]interface{}{
		"name":        "json-policy",
		"description": "from json",
		"rego":        "package jp\n\ndeny contains \"x\" if { false }\n",
		"severity":    "critical",
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "p.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "json-policy" || loaded.Severity != SeverityCritical {
		t.Errorf("unexpected policy: %+v", loaded)
	}
	if !loaded.Enabled {
		t.Error("JSON policies without an enabled field are enabled")
	}
}

func TestLoadFromFile_JSONMissingRego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "p.json")
	if err := os.WriteFile(path, []byte(`{"name": "x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("expected error")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	files := map[string]string{
		filepath.Join(tmpDir, "p1.rego"):   denyRego("p1"),
		filepath.Join(subDir, "p2.rego"):   denyRego("p2"),
		filepath.Join(tmpDir, "README.md"): "# not a policy",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write test file: %v", err)
		}
	}

	loaded, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies (including subdirectory), got %d", len(loaded))
	}
	for _, p := range loaded {
		if p.Severity != SeverityWarning {
			t.Errorf("policy %s severity = %s, want default warning", p.Name, p.Severity)
		}
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "none")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestRegoHeader(t *testing.T) {
	tests := []struct {
		content     string
		description string
		severity    Severity
	}{
		{"# severity: critical\npackage x\n", "", SeverityCritical},
		{"#severity:error\npackage x\n", "", SeverityError},
		{"# severity: loud\npackage x\n", "", SeverityWarning},
		{"package x\n", "", SeverityWarning},
		{"# Logs stay private.\n# Really.\n# severity: error\npackage x\n# trailing\n", "Logs stay private. Really.", SeverityError},
	}
	for _, tt := range tests {
		description, severity := regoHeader(tt.content)
		if description != tt.description || severity != tt.severity {
			t.Errorf("regoHeader(%q) = (%q, %s), want (%q, %s)", tt.content, description, severity, tt.description, tt.severity)
		}
	}
}

func TestLoadFromPaths_RejectsInvalidPolicies(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "no deny rule",
			file:    "quiet.rego",
			content: "package quiet\n\nallow if { true }\n",
			want:    "defines no deny rule in package data.quiet",
		},
		{
			name:    "parse error",
			file:    "broken.rego",
			content: "package broken\n\ndeny contains",
			want:    "failed to parse policy",
		},
		{
			name:    "json without deny",
			file:    "j.json",
			content: `{"name": "j", "rego": "package j\n\nallow if { true }\n"}`,
			want:    "defines no deny rule",
		},
		{
			name:    "json unknown severity",
			file:    "s.json",
			content: `{"name": "s", "severity": "loud", "rego": "package s\n\ndeny contains \"x\" if { false }\n"}`,
			want:    `unknown severity "loud"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "ok.rego"), []byte(denyRego("ok")), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			loaded, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
			if err == nil {
				t.Fatalf("LoadFromPaths() loaded %d policies, want error", len(loaded))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeValidation {
				t.Errorf("error = %v, want a %s error", err, engine.ErrCodeValidation)
			}
		})
	}
}

func TestLoadFromPaths_DuplicateName(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	for _, dir := range []string{a, b} {
		if err := os.WriteFile(filepath.Join(dir, "same.rego"), []byte(denyRego("same")), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{a, b})
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeDuplicateIdentity {
		t.Fatalf("error = %v, want %s", err, engine.ErrCodeDuplicateIdentity)
	}
}

func TestLoadFromFile_RecordsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.rego")
	if err := os.WriteFile(path, []byte(denyRego("src")), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "src" || p.Metadata["source"] != path || !p.Enabled {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	path := filepath.Join(dir, "p.rego")
	if err := os.WriteFile(path, []byte(denyRego("p")), 0o644); err != nil {
		t.Fatal(err)
	}
	loader.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(ctx, []string{dir}, func(ps []Policy) error {
		reloaded <- ps
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer loader.StopWatching()

	if err := os.WriteFile(path, []byte(denyRego("p")+"\n# changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ps := <-reloaded:
		if len(ps) != 1 {
			t.Errorf("reloaded %d policies, want 1", len(ps))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("policies were not reloaded")
	}
}
