package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func fileInput(id string, cfg map[string]interface{}) ResourceInput {
	return ResourceInput{ID: id, Type: "file", Config: cfg}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}

	expected := []string{"create-without-mode", "recursive-root", "system-ownership", "world-writable"}
	if len(names) != len(expected) {
		t.Fatalf("policies = %v, want %v", names, expected)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("policies[%d] = %s, want %s", i, names[i], expected[i])
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		cfg          map[string]interface{}
		wantAllowed  bool
		wantPolicy   string
		wantWarnings int
	}{
		{name: "plain file", cfg: map[string]interface{}{"path": "/srv/app/index.html", "mode": "0644"}, wantAllowed: true},
		{name: "world writable", cfg: map[string]interface{}{"path": "/srv/drop", "mode": "0666"}, wantPolicy: "world-writable"},
		{name: "world writable with prefix", cfg: map[string]interface{}{"path": "/srv/drop", "mode": "0o777"}, wantPolicy: "world-writable"},
		{name: "sticky directory", cfg: map[string]interface{}{"path": "/srv/tmp", "mode": "1777"}, wantAllowed: true},
		{name: "group writable", cfg: map[string]interface{}{"path": "/srv/shared", "mode": "0664"}, wantAllowed: true},
		{name: "etc owned by root", cfg: map[string]interface{}{"path": "/etc/motd", "owner": "root"}, wantAllowed: true},
		{name: "etc owned by uid 0", cfg: map[string]interface{}{"path": "/etc/motd", "owner": "0"}, wantAllowed: true},
		{name: "etc owned by user", cfg: map[string]interface{}{"path": "/etc/app/app.conf", "owner": "deploy"}, wantPolicy: "system-ownership"},
		{name: "etc owner unmanaged", cfg: map[string]interface{}{"path": "/etc/motd", "mode": "0644"}, wantAllowed: true},
		{name: "etcetera is not etc", cfg: map[string]interface{}{"path": "/etcetera", "owner": "deploy"}, wantAllowed: true},
		{name: "recursive root", cfg: map[string]interface{}{"path": "/", "recurse": true, "checksum": "md5"}, wantPolicy: "recursive-root"},
		{name: "recursive subtree", cfg: map[string]interface{}{"path": "/srv", "recurse": true}, wantAllowed: true},
		{name: "create without mode", cfg: map[string]interface{}{"path": "/srv/new", "create": true}, wantAllowed: true, wantWarnings: 1},
		{name: "create directory with mode", cfg: map[string]interface{}{"path": "/srv/new", "create": "directory", "mode": "0755"}, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, []ResourceInput{fileInput("r", tt.cfg)}, Context{Operation: "apply"})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, violations = %v", result.Allowed, result.Violations)
			}
			if tt.wantPolicy != "" {
				if len(result.Violations) != 1 || result.Violations[0].Policy != tt.wantPolicy {
					t.Fatalf("violations = %v, want one from %s", result.Violations, tt.wantPolicy)
				}
				if result.Violations[0].Resource != "r" {
					t.Errorf("violation resource = %q", result.Violations[0].Resource)
				}
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", result.Warnings, tt.wantWarnings)
			}
		})
	}
}

func TestEvaluate_IgnoresOtherTypes(t *testing.T) {
	eng := newTestEngine(t)

	in := ResourceInput{ID: "p", Type: "package", Config: map[string]interface{}{"path": "/", "recurse": true, "mode": "0777"}}
	result, err := eng.Evaluate(context.Background(), []ResourceInput{in}, Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 0 {
		t.Errorf("file policies must not apply to other types: %+v", result)
	}
}

func TestResult_Err(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), []ResourceInput{
		fileInput("drop", map[string]interface{}{"path": "/srv/drop", "mode": "0777"}),
		fileInput("conf", map[string]interface{}{"path": "/etc/app.conf", "owner": "nobody"}),
	}, Context{Operation: "apply"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	denied := result.Err()
	if !engine.IsConfigurationError(denied) || !engine.HasCode(denied, engine.ErrCodePolicyDenied) {
		t.Fatalf("Err() = %v, want policy-denied configuration error", denied)
	}
	if len(result.Violations) != 2 {
		t.Errorf("violations = %v", result.Violations)
	}

	ok := &Result{Allowed: true}
	if ok.Err() != nil {
		t.Error("allowed result must not produce an error")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	in := []ResourceInput{fileInput("drop", map[string]interface{}{"path": "/srv/drop", "mode": "0777"})}

	if err := eng.DisablePolicy("world-writable"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.Evaluate(ctx, in, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Error("disabled policy still denies")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "world-writable" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("world-writable"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, err = eng.Evaluate(ctx, in, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Error("re-enabled policy does not deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	rego := `# Production files must carry a checksum.
# severity: error
package custom.checksum

import rego.v1

deny contains violation if {
	input.resource.labels.env == "production"
	not input.resource.config.checksum
	violation := {"message": sprintf("%s needs a checksum", [input.resource.config.path])}
}
`
	if err := os.WriteFile(filepath.Join(dir, "prod-checksum.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("prod-checksum")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %s, want error", p.Severity)
	}
	if p.Description != "Production files must carry a checksum." {
		t.Errorf("Description = %q", p.Description)
	}

	prod := ResourceInput{ID: "app", Type: "file", Labels: map[string]string{"env": "production"}, Config: map[string]interface{}{"path": "/srv/app"}}
	result, err := eng.Evaluate(ctx, []ResourceInput{prod}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || result.Violations[0].Message != "/srv/app needs a checksum" {
		t.Errorf("unexpected result: %+v", result)
	}

	if err := eng.ReloadPolicies(ctx, nil); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("prod-checksum"); err == nil {
		t.Error("reload should drop custom policies")
	}
}

func TestAddPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Rego: "package good\n\ndeny contains \"x\" if { false }\n", Severity: SeverityError, Enabled: true},
		{Name: "bad", Rego: "package bad\n\ndeny contains", Severity: SeverityError, Enabled: true},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if len(eng.ListPolicies()) != before {
		t.Error("no policy should be installed when one fails to compile")
	}
}
