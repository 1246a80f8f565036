package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// yamlResource mirrors ResourceConfig with a config body yaml can decode.
type yamlResource struct {
	ID     string                 `yaml:"id"`
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
	Labels map[string]string      `yaml:"labels"`
}

type yamlManifest struct {
	Resources []yamlResource `yaml:"resources"`
	Groups    []GroupConfig  `yaml:"groups"`
}

// YAMLLoader parses YAML manifests. A file may hold several documents.
type YAMLLoader struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewYAMLLoader creates a YAML loader validating against the given schemas.
func NewYAMLLoader(schemas *SchemaRegistry) *YAMLLoader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &YAMLLoader{
		schemaRegistry: schemas,
		validator:      validator.New(),
	}
}

// ParseFile parses a YAML manifest file.
func (yl *YAMLLoader) ParseFile(ctx context.Context, path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return yl.Parse(ctx, path, content)
}

// Parse parses YAML manifest content. name is used for error locations.
func (yl *YAMLLoader) Parse(ctx context.Context, name string, content []byte) (*Manifest, error) {
	m := &Manifest{
		SourceFiles: []string{name},
		ParsedAt:    time.Now(),
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	for doc := 0; ; doc++ {
		var ym yamlManifest
		err := dec.Decode(&ym)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.Errors = append(m.Errors, yamlError(name, err))
			return m, nil
		}

		for i, yr := range ym.Resources {
			path := fmt.Sprintf("resources[%d]", i)
			if doc > 0 {
				path = fmt.Sprintf("documents[%d].%s", doc, path)
			}
			rc, err := yl.convertResource(ctx, yr)
			if err != nil {
				m.Errors = append(m.Errors, ValidationError{
					File:     name,
					Path:     path,
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			m.Resources = append(m.Resources, rc)
		}

		for i, gc := range ym.Groups {
			if err := yl.validator.Struct(gc); err != nil {
				m.Errors = append(m.Errors, ValidationError{
					File:     name,
					Path:     fmt.Sprintf("groups[%d]", i),
					Message:  fmt.Sprintf("validation failed: %v", err),
					Severity: "error",
				})
				continue
			}
			m.Groups = append(m.Groups, gc)
		}
	}

	return m, nil
}

func (yl *YAMLLoader) convertResource(ctx context.Context, yr yamlResource) (ResourceConfig, error) {
	rc := ResourceConfig{ID: yr.ID, Type: yr.Type, Labels: yr.Labels}
	if yr.Config != nil {
		raw, err := json.Marshal(yr.Config)
		if err != nil {
			return rc, fmt.Errorf("failed to encode config: %w", err)
		}
		rc.Config = raw
	}

	if err := yl.validator.Struct(rc); err != nil {
		return rc, fmt.Errorf("validation failed: %w", err)
	}
	if err := yl.schemaRegistry.ValidateResource(ctx, rc); err != nil {
		return rc, err
	}
	return rc, nil
}

// yamlError extracts the line number yaml.v3 embeds in its messages.
func yamlError(name string, err error) ValidationError {
	ve := ValidationError{File: name, Message: err.Error(), Severity: "error"}
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		ve.Message = te.Errors[0]
	}
	var line int
	if _, scanErr := fmt.Sscanf(strings.TrimPrefix(ve.Message, "yaml: "), "line %d:", &line); scanErr == nil {
		ve.Line = line
	}
	return ve
}
