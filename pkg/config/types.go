package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// ResourceConfig is one declared resource, independent of the manifest format.
type ResourceConfig struct {
	// ID names the declaration inside the manifest (e.g., "motd").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Type is the resource type (e.g., "file").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Config is the type-specific declaration, decoded by the resource type.
	Config json.RawMessage `json:"config" yaml:"-" validate:"required"`

	// Labels are free-form key-value pairs carried through to policy input.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// GroupConfig is a named, ordered list of member IDs. A member is either a
// resource ID or the name of another group.
type GroupConfig struct {
	Name    string   `json:"name" yaml:"name" validate:"required"`
	Members []string `json:"members" yaml:"members"`
}

// Manifest is the fully parsed declaration set.
type Manifest struct {
	// Resources in declaration order.
	Resources []ResourceConfig `json:"resources"`

	// Groups in declaration order.
	Groups []GroupConfig `json:"groups,omitempty"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the manifest was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "resources.motd.config").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error with whatever location is known.
func (ve ValidationError) String() string {
	var loc string
	switch {
	case ve.File != "" && ve.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", ve.File, ve.Line, ve.Column)
	case ve.File != "":
		loc = ve.File + ": "
	}
	if ve.Path != "" {
		loc += ve.Path + ": "
	}
	return loc + ve.Message
}

// Err returns nil when the manifest has no error-severity entries, and a
// configuration error listing them otherwise.
func (m *Manifest) Err() error {
	var msgs []string
	for _, ve := range m.Errors {
		if ve.Severity == "error" {
			msgs = append(msgs, ve.String())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return engine.NewConfigurationError("invalid manifest", fmt.Errorf("%s", strings.Join(msgs, "; "))).
		WithOperation("parse")
}

// Resource returns the declaration with the given ID.
func (m *Manifest) Resource(id string) (ResourceConfig, bool) {
	for _, rc := range m.Resources {
		if rc.ID == id {
			return rc, true
		}
	}
	return ResourceConfig{}, false
}

// Group returns the group with the given name.
func (m *Manifest) Group(name string) (GroupConfig, bool) {
	for _, gc := range m.Groups {
		if gc.Name == name {
			return gc, true
		}
	}
	return GroupConfig{}, false
}

// Merge combines manifests in order. Resource IDs and group names must be
// unique across all inputs.
func Merge(manifests ...*Manifest) (*Manifest, error) {
	merged := &Manifest{ParsedAt: time.Now()}
	seenRes := make(map[string]string)
	seenGroup := make(map[string]string)

	for _, m := range manifests {
		if m == nil {
			continue
		}
		src := formatSourceFiles(m.SourceFiles)
		for _, rc := range m.Resources {
			if prev, ok := seenRes[rc.ID]; ok {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("duplicate resource ID %q in %s and %s", rc.ID, prev, src), nil).
					WithCode(engine.ErrCodeDuplicateIdentity).
					WithOperation("merge")
			}
			seenRes[rc.ID] = src
			merged.Resources = append(merged.Resources, rc)
		}
		for _, gc := range m.Groups {
			if prev, ok := seenGroup[gc.Name]; ok {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("duplicate group %q in %s and %s", gc.Name, prev, src), nil).
					WithCode(engine.ErrCodeDuplicateIdentity).
					WithOperation("merge")
			}
			seenGroup[gc.Name] = src
			merged.Groups = append(merged.Groups, gc)
		}
		merged.SourceFiles = append(merged.SourceFiles, m.SourceFiles...)
		merged.Errors = append(merged.Errors, m.Errors...)
	}

	return merged, nil
}

// Types returns the distinct resource types in the manifest, sorted.
func (m *Manifest) Types() []string {
	set := make(map[string]struct{})
	for _, rc := range m.Resources {
		set[rc.Type] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// formatSourceFiles formats source files for display.
func formatSourceFiles(files []string) string {
	switch len(files) {
	case 0:
		return "inline"
	case 1:
		return files[0]
	default:
		return fmt.Sprintf("%s (+%d more)", files[0], len(files)-1)
	}
}
