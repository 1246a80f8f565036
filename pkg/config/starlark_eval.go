package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark manifests with a time limit.
//
// A manifest script declares resources through builtins:
//
//	motd = file("motd", path = "/etc/motd", mode = "0644")
//	resource("file", "issue", path = "/etc/issue", checksum = "md5")
//	group("base", members = [motd, "issue"])
//
// file() and resource() return the declaration's ID so it can be used as a
// group member.
type StarlarkEvaluator struct {
	timeout        time.Duration
	schemaRegistry *SchemaRegistry
}

// StarlarkResult is the outcome of a script run.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// Manifest holds the declarations made through builtins.
	Manifest *Manifest `json:"manifest,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, schemas *SchemaRegistry) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &StarlarkEvaluator{
		timeout:        timeout,
		schemaRegistry: schemas,
	}
}

// ParseFile evaluates a Starlark manifest file.
func (se *StarlarkEvaluator) ParseFile(ctx context.Context, path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result, err := se.Evaluate(ctx, path, string(content), nil)
	if err != nil {
		return &Manifest{
			SourceFiles: []string{path},
			ParsedAt:    time.Now(),
			Errors: []ValidationError{{
				File:     path,
				Message:  err.Error(),
				Severity: "error",
			}},
		}, nil
	}
	return result.Manifest, nil
}

// Evaluate executes a script with the given input and returns its globals
// and declarations.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "converge",
		Print: func(_ *starlark.Thread, msg string) {
			// print output is discarded
		},
	}

	resultCh := make(chan *StarlarkResult, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := se.evaluateSync(evalCtx, thread, filename, script, input)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- result
		}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("starlark execution timeout: %w", evalCtx.Err())
	case err := <-errCh:
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	case result := <-resultCh:
		result.ExecutionTime = time.Since(startTime)
		return result, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(ctx context.Context, thread *starlark.Thread, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	m := &Manifest{
		SourceFiles: []string{filename},
		ParsedAt:    time.Now(),
	}
	decl := &declarations{ctx: ctx, manifest: m, schemas: se.schemaRegistry, ids: make(map[string]bool)}

	predeclared := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"file":     starlark.NewBuiltin("file", decl.file),
		"resource": starlark.NewBuiltin("resource", decl.resource),
		"group":    starlark.NewBuiltin("group", decl.group),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// underscore-prefixed globals are private
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:   output,
		Manifest: m,
	}, nil
}

// declarations collects what a script declares through builtins.
type declarations struct {
	ctx      context.Context
	manifest *Manifest
	schemas  *SchemaRegistry
	ids      map[string]bool
}

// file(id, **config) declares a file resource.
func (d *declarations) file(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &id); err != nil {
		return nil, err
	}
	return d.declare(b.Name(), "file", id, kwargs)
}

// resource(type, id, **config) declares a resource of any registered type.
func (d *declarations) resource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ, id string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 2, &typ, &id); err != nil {
		return nil, err
	}
	return d.declare(b.Name(), typ, id, kwargs)
}

func (d *declarations) declare(fn, typ, id string, kwargs []starlark.Tuple) (starlark.Value, error) {
	if id == "" {
		return nil, fmt.Errorf("%s: id must not be empty", fn)
	}
	if d.ids[id] {
		return nil, fmt.Errorf("%s: resource %q declared twice", fn, id)
	}

	cfg := make(map[string]interface{}, len(kwargs))
	for _, kv := range kwargs {
		name, _ := starlark.AsString(kv[0])
		val, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %s: %w", fn, name, err)
		}
		cfg[name] = val
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}

	rc := ResourceConfig{ID: id, Type: typ, Config: raw}
	if err := d.schemas.ValidateResource(d.ctx, rc); err != nil {
		return nil, fmt.Errorf("%s(%q): %w", fn, id, err)
	}

	d.ids[id] = true
	d.manifest.Resources = append(d.manifest.Resources, rc)
	return starlark.String(id), nil
}

// group(name, members) declares a group.
func (d *declarations) group(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var members *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "members?", &members); err != nil {
		return nil, err
	}

	gc := GroupConfig{Name: name}
	if members != nil {
		for i := 0; i < members.Len(); i++ {
			member, ok := starlark.AsString(members.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: member %d must be a string, got %s", b.Name(), i, members.Index(i).Type())
			}
			gc.Members = append(gc.Members, member)
		}
	}

	d.manifest.Groups = append(d.manifest.Groups, gc)
	return starlark.String(name), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
