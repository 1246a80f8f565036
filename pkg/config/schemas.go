package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/converge/pkg/engine"
)

// schemaDefinition is the definition every registered schema must declare.
const schemaDefinition = "#Schema"

// SchemaRegistry manages CUE schemas for resource declarations, keyed by
// resource type.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("file", builtinFileSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles a CUE schema for a resource type. The source must
// declare a #Schema definition describing the type's config object.
func (sr *SchemaRegistry) RegisterSchema(resourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(resourceType+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", resourceType, err)
	}

	def := val.LookupPath(cue.ParsePath(schemaDefinition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", resourceType, schemaDefinition)
	}

	sr.schemas[resourceType] = def
	return nil
}

// GetSchema retrieves the schema for a resource type.
func (sr *SchemaRegistry) GetSchema(resourceType string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[resourceType]
	return val, ok
}

// ValidateAgainstSchema validates data against the schema for a resource type.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, resourceType string, data interface{}) error {
	schema, ok := sr.GetSchema(resourceType)
	if !ok {
		return engine.NewConfigurationError(fmt.Sprintf("unknown resource type %q", resourceType), nil)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return engine.NewConfigurationError("failed to encode data", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewConfigurationError("schema validation failed", err)
	}

	return nil
}

// ValidateResource validates the config object of a declaration against the
// schema for its type.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, rc ResourceConfig) error {
	var data map[string]interface{}
	if err := json.Unmarshal(rc.Config, &data); err != nil {
		return engine.NewConfigurationError("config must be an object", err).WithResource(rc.ID)
	}

	if err := sr.ValidateAgainstSchema(ctx, rc.Type, data); err != nil {
		var ee *engine.EngineError
		if !errors.As(err, &ee) {
			ee = engine.NewConfigurationError("schema validation failed", err)
		}
		return ee.WithResource(rc.ID)
	}
	return nil
}

// ListSchemas returns all registered resource types, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinFileSchema = `
// File declaration. Only set fields are managed.
#Schema: {
	path: string & !=""

	owner?: string
	group?: string

	// Octal permission pattern, e.g. "0644"
	mode?: string & =~"^(0o)?[0-7]{1,4}$"

	checksum?: "md5" | "md5-lite" | "md5lite" | "timestamp" | "ctime" | "sha256"

	create?: bool | "true" | "false" | "file" | "directory"

	link?:    string & !=""
	source?:  string & !=""
	recurse?: bool
}
`
