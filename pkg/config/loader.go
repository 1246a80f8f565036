package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Manifest file extensions by format.
const (
	ExtCUE      = ".cue"
	ExtYAML     = ".yaml"
	ExtYML      = ".yml"
	ExtStarlark = ".star"
)

// Loader reads manifests in any supported format and merges them.
type Loader struct {
	schemas  *SchemaRegistry
	cue      *CUEParser
	yaml     *YAMLLoader
	starlark *StarlarkEvaluator
	logger   zerolog.Logger
}

// NewLoader creates a loader sharing one schema registry across formats.
func NewLoader(logger zerolog.Logger) *Loader {
	schemas := NewSchemaRegistry()
	return &Loader{
		schemas:  schemas,
		cue:      NewCUEParser(schemas),
		yaml:     NewYAMLLoader(schemas),
		starlark: NewStarlarkEvaluator(30*time.Second, schemas),
		logger:   logger,
	}
}

// Schemas returns the registry used to validate declarations.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// IsManifest reports whether the path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCUE, ExtYAML, ExtYML, ExtStarlark:
		return true
	}
	return false
}

// Load parses every manifest named by paths. Directories contribute their
// manifest files (not recursively); all CUE files are unified together. The
// returned manifest is non-nil whenever parsing ran, and the error is a
// configuration error listing every problem found.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Manifest, error) {
	if len(paths) == 0 {
		return nil, engine.NewConfigurationError("no manifests given", nil).WithOperation("load")
	}

	files, err := expand(paths)
	if err != nil {
		return nil, err
	}

	var cueFiles []string
	var parts []*Manifest

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var m *Manifest
		var err error
		switch strings.ToLower(filepath.Ext(f)) {
		case ExtCUE:
			cueFiles = append(cueFiles, f)
			continue
		case ExtYAML, ExtYML:
			m, err = l.yaml.ParseFile(ctx, f)
		case ExtStarlark:
			m, err = l.starlark.ParseFile(ctx, f)
		}
		if err != nil {
			return nil, engine.NewConfigurationError("failed to load manifest", err).WithResource(f)
		}

		l.logger.Debug().
			Str("file", f).
			Int("resources", len(m.Resources)).
			Int("groups", len(m.Groups)).
			Msg("Manifest parsed")
		parts = append(parts, m)
	}

	if len(cueFiles) > 0 {
		m, err := l.cue.Parse(ctx, cueFiles)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to load manifest", err)
		}
		l.logger.Debug().
			Strs("files", cueFiles).
			Int("resources", len(m.Resources)).
			Int("groups", len(m.Groups)).
			Msg("CUE manifests parsed")
		parts = append([]*Manifest{m}, parts...)
	}

	merged, err := Merge(parts...)
	if err != nil {
		return nil, err
	}

	return merged, merged.Err()
}

// LoadInline parses CUE content that did not come from a file.
func (l *Loader) LoadInline(ctx context.Context, content string) (*Manifest, error) {
	m, err := l.cue.ParseInline(ctx, content)
	if err != nil {
		return nil, err
	}
	return m, m.Err()
}

// expand replaces directories with the manifest files they hold, sorted.
func expand(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, engine.NewConfigurationError("manifest not found", err).
				WithResource(p).
				WithCode(engine.ErrCodeNotFound)
		}

		if !info.IsDir() {
			if !IsManifest(p) {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("unsupported manifest format %q", filepath.Ext(p)), nil).WithResource(p)
			}
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to read manifest directory", err).WithResource(p)
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !IsManifest(e.Name()) {
				continue
			}
			found = append(found, filepath.Join(p, e.Name()))
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}
