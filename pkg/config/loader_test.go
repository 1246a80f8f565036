package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const cueManifest = `
resources: {
	motd: {
		type: "file"
		config: {path: "/etc/motd", mode: "0644"}
	}
	confd: {
		type: "file"
		config: {path: "/etc/app/conf.d", create: "directory", recurse: true}
	}
}
groups: [{name: "main", members: ["confd", "motd"]}]
`

const yamlManifestSrc = `
resources:
  - id: motd
    type: file
    config:
      path: /etc/motd
      mode: "0644"
  - id: confd
    type: file
    config:
      path: /etc/app/conf.d
      create: directory
      recurse: true
groups:
  - name: main
    members: [confd, motd]
`

const starlarkManifest = `
motd = file("motd", path = "/etc/motd", mode = "0644")
confd = file("confd", path = "/etc/app/conf.d", create = "directory", recurse = True)
group("main", members = [confd, motd])
`

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// normalized returns resource configs as decoded maps so formats compare equal
// regardless of JSON key order or number representation.
func normalized(t *testing.T, m *Manifest) map[string]map[string]interface{} {
	t.Helper()
	out := make(map[string]map[string]interface{})
	for _, rc := range m.Resources {
		var cfg map[string]interface{}
		if err := json.Unmarshal(rc.Config, &cfg); err != nil {
			t.Fatalf("resource %s has invalid config: %v", rc.ID, err)
		}
		cfg["_type"] = rc.Type
		out[rc.ID] = cfg
	}
	return out
}

func TestLoader_FormatsAgree(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	files := map[string]string{
		"cue":      writeManifest(t, dir, "site.cue", cueManifest),
		"yaml":     writeManifest(t, dir, "site.yaml", yamlManifestSrc),
		"starlark": writeManifest(t, dir, "site.star", starlarkManifest),
	}

	var want map[string]map[string]interface{}
	for _, format := range []string{"cue", "yaml", "starlark"} {
		m, err := loader.Load(ctx, files[format])
		if err != nil {
			t.Fatalf("%s: Load() error = %v", format, err)
		}
		if len(m.Resources) != 2 {
			t.Fatalf("%s: expected 2 resources, got %d", format, len(m.Resources))
		}
		g, ok := m.Group("main")
		if !ok {
			t.Fatalf("%s: group main missing", format)
		}
		if !reflect.DeepEqual(g.Members, []string{"confd", "motd"}) {
			t.Errorf("%s: members = %v", format, g.Members)
		}

		got := normalized(t, m)
		if want == nil {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: resources = %v, want %v", format, got, want)
		}
	}
}

func TestLoader_Directory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", `
resources:
  - id: a
    type: file
    config: {path: /tmp/a}
`)
	writeManifest(t, dir, "b.cue", `resources: b: {type: "file", config: path: "/tmp/b"}`)
	writeManifest(t, dir, "c.cue", `resources: c: {type: "file", config: path: "/tmp/c"}`)
	writeManifest(t, dir, "README.md", "not a manifest")

	m, err := NewLoader(zerolog.Nop()).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var ids []string
	for _, rc := range m.Resources {
		ids = append(ids, rc.ID)
	}
	// CUE files are unified first, then the rest in name order
	if !reflect.DeepEqual(ids, []string{"b", "c", "a"}) {
		t.Errorf("ids = %v", ids)
	}
	if len(m.SourceFiles) != 3 {
		t.Errorf("expected 3 source files, got %v", m.SourceFiles)
	}
}

func TestLoader_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "a.yaml", "resources: [{id: x, type: file, config: {path: /tmp/a}}]\n")
	b := writeManifest(t, dir, "b.star", `file("x", path = "/tmp/b")`)

	_, err := NewLoader(zerolog.Nop()).Load(context.Background(), a, b)
	if !engine.HasCode(err, engine.ErrCodeDuplicateIdentity) {
		t.Fatalf("expected duplicate identity error, got %v", err)
	}
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "unsupported extension", file: "site.json", content: "{}", wantErr: "unsupported manifest format"},
		{name: "cue syntax", file: "bad.cue", content: "resources: {", wantErr: "invalid manifest"},
		{name: "yaml syntax", file: "bad.yaml", content: "resources: [", wantErr: "invalid manifest"},
		{name: "starlark runtime", file: "bad.star", content: "file()", wantErr: "invalid manifest"},
		{name: "schema violation", file: "mode.yaml", content: "resources: [{id: m, type: file, config: {path: /tmp/m, mode: 644}}]\n", wantErr: "resources[0]"},
		{name: "unknown type", file: "pkg.cue", content: `resources: nginx: {type: "package", config: name: "nginx"}`, wantErr: "unknown resource type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, dir, tt.file, tt.content)
			_, err := loader.Load(ctx, path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsConfigurationError(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_MissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).Load(context.Background(), filepath.Join(t.TempDir(), "nope.cue"))
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
