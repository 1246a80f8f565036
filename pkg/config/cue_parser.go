package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates CUE manifests.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: schemas,
		validator:      validator.New(),
	}
}

// Parse parses CUE manifests from the given files or package directories.
// All sources are unified into one value before extraction.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &Manifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &Manifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractManifest(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*Manifest, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Manifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractManifest(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractManifest extracts resources and groups from a CUE value. Decoding
// problems are collected as validation errors rather than returned.
func (cp *CUEParser) extractManifest(ctx context.Context, val cue.Value, sourceFiles []string) *Manifest {
	m := &Manifest{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	addErr := func(path string, err error) {
		m.Errors = append(m.Errors, ValidationError{
			File:     formatSourceFiles(sourceFiles),
			Path:     path,
			Message:  err.Error(),
			Severity: "error",
		})
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		// Resources can be either a map keyed by ID or a list
		switch resourcesVal.Kind() {
		case cue.StructKind:
			iter, err := resourcesVal.Fields()
			if err != nil {
				addErr("resources", fmt.Errorf("failed to iterate resources: %w", err))
				break
			}
			for iter.Next() {
				key := iter.Selector().Unquoted()
				path := "resources." + key
				rc, err := cp.extractResource(ctx, key, iter.Value())
				if err != nil {
					addErr(path, err)
					continue
				}
				m.Resources = append(m.Resources, rc)
			}
		case cue.ListKind:
			list, err := resourcesVal.List()
			if err != nil {
				addErr("resources", fmt.Errorf("failed to list resources: %w", err))
				break
			}
			for idx := 0; list.Next(); idx++ {
				rc, err := cp.extractResource(ctx, "", list.Value())
				if err != nil {
					addErr(fmt.Sprintf("resources[%d]", idx), err)
					continue
				}
				m.Resources = append(m.Resources, rc)
			}
		default:
			addErr("resources", fmt.Errorf("resources must be a struct or a list, got %s", resourcesVal.Kind()))
		}
	}

	groupsVal := val.LookupPath(cue.ParsePath("groups"))
	if groupsVal.Exists() {
		var groups []GroupConfig
		if err := groupsVal.Decode(&groups); err != nil {
			addErr("groups", fmt.Errorf("failed to decode groups: %w", err))
		} else {
			for i, gc := range groups {
				if err := cp.validator.Struct(gc); err != nil {
					addErr(fmt.Sprintf("groups[%d]", i), fmt.Errorf("validation failed: %w", err))
					continue
				}
				m.Groups = append(m.Groups, gc)
			}
		}
	}

	return m
}

// extractResource extracts a resource declaration from a CUE value.
func (cp *CUEParser) extractResource(ctx context.Context, id string, val cue.Value) (ResourceConfig, error) {
	var envelope struct {
		ID     string            `json:"id"`
		Type   string            `json:"type"`
		Labels map[string]string `json:"labels"`
	}
	if err := val.Decode(&envelope); err != nil {
		return ResourceConfig{}, fmt.Errorf("failed to decode resource: %w", err)
	}
	rc := ResourceConfig{ID: envelope.ID, Type: envelope.Type, Labels: envelope.Labels}

	// the map key is the ID unless the value names one
	if rc.ID == "" && id != "" {
		rc.ID = id
	}

	configVal := val.LookupPath(cue.ParsePath("config"))
	if configVal.Exists() {
		raw, err := configVal.MarshalJSON()
		if err != nil {
			return rc, fmt.Errorf("failed to encode config: %w", err)
		}
		rc.Config = json.RawMessage(raw)
	}

	if err := cp.validator.Struct(rc); err != nil {
		return rc, fmt.Errorf("validation failed: %w", err)
	}

	if err := cp.schemaRegistry.ValidateResource(ctx, rc); err != nil {
		return rc, err
	}

	return rc, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
