package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/resources/file"
)

// DefaultRoot is the name of the group every catalog is applied through.
const DefaultRoot = "main"

// Factory constructs and registers one resource from its declaration body.
type Factory func(raw json.RawMessage, env *engine.Env) (engine.Resource, error)

// Options controls one Build.
type Options struct {
	// Policy gates declarations before any resource is built. Nil disables
	// the gate.
	Policy *policy.Engine

	// Operation and DryRun are passed to policies as context.
	Operation string
	DryRun    bool

	// Root names the group returned as Catalog.Root. Defaults to "main".
	Root string

	// Observers are attached to every group.
	Observers []engine.Observer
}

// Catalog is the result of building a manifest.
type Catalog struct {
	// Root is the group holding everything the manifest declares.
	Root *engine.Group

	// Policy is the gate result, nil when the gate is disabled.
	Policy *policy.Result

	resources map[string]engine.Resource
	groups    map[string]*engine.Group
}

// Resource returns the resource built for a declaration ID.
func (c *Catalog) Resource(id string) (engine.Resource, bool) {
	r, ok := c.resources[id]
	return r, ok
}

// Group returns a built group by name.
func (c *Catalog) Group(name string) (*engine.Group, bool) {
	g, ok := c.groups[name]
	return g, ok
}

// Len returns the number of declared resources.
func (c *Catalog) Len() int {
	return len(c.resources)
}

// Builder turns manifests into groups of registered resources.
type Builder struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    zerolog.Logger
}

// NewBuilder creates a builder that knows the file type.
func NewBuilder(logger zerolog.Logger) *Builder {
	b := &Builder{
		factories: make(map[string]Factory),
		logger:    logger.With().Str("component", "catalog").Logger(),
	}
	b.Register(file.Type, fileFactory)
	return b
}

// Register installs the factory for a resource type, replacing any previous one.
func (b *Builder) Register(typ string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[typ] = f
}

// Types returns the registered resource types.
func (b *Builder) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.factories))
	for t := range b.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Check runs the policy gate over the manifest's declarations.
func (b *Builder) Check(ctx context.Context, m *config.Manifest, opts Options) (*policy.Result, error) {
	if opts.Policy == nil {
		return nil, nil
	}

	inputs := make([]policy.ResourceInput, 0, len(m.Resources))
	for _, rc := range m.Resources {
		var body map[string]interface{}
		if err := json.Unmarshal(rc.Config, &body); err != nil {
			return nil, engine.NewConfigurationError("declaration config is not an object", err).
				WithResource(rc.ID).
				WithOperation("policy")
		}
		inputs = append(inputs, policy.ResourceInput{
			ID:     rc.ID,
			Type:   rc.Type,
			Labels: rc.Labels,
			Config: body,
		})
	}

	result, err := opts.Policy.Evaluate(ctx, inputs, policy.Context{
		Operation: opts.Operation,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		b.logger.Warn().
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Msg(w.Message)
	}
	return result, nil
}

// Build gates, constructs and groups every declaration of m.
//
// Resources are registered in env's registry in declaration order. Groups
// may name resources and other groups. Whatever no group references is
// appended to the root group, so every declaration is applied exactly once.
func (b *Builder) Build(ctx context.Context, m *config.Manifest, env *engine.Env, opts Options) (*Catalog, error) {
	if err := m.Err(); err != nil {
		return nil, err
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}

	result, err := b.Check(ctx, m, opts)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return &Catalog{Policy: result}, err
	}

	cat := &Catalog{
		Policy:    result,
		resources: make(map[string]engine.Resource, len(m.Resources)),
		groups:    make(map[string]*engine.Group, len(m.Groups)+1),
	}

	if err := b.buildResources(m, env, cat); err != nil {
		return nil, err
	}
	if err := b.buildGroups(m, env, opts, cat); err != nil {
		return nil, err
	}

	b.logger.Info().
		Int("resources", len(cat.resources)).
		Int("groups", len(cat.groups)).
		Str("root", cat.Root.Name()).
		Msg("Catalog built")
	return cat, nil
}

func (b *Builder) buildResources(m *config.Manifest, env *engine.Env, cat *Catalog) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for _, rc := range m.Resources {
		factory, ok := b.factories[rc.Type]
		if !ok {
			errs = append(errs, engine.NewConfigurationError(
				fmt.Sprintf("unknown resource type %q", rc.Type), nil).
				WithResource(rc.ID).
				WithOperation("build"))
			continue
		}

		r, err := factory(rc.Config, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("declaration %s: %w", rc.ID, err))
			continue
		}
		cat.resources[rc.ID] = r

		b.logger.Debug().
			Str("id", rc.ID).
			Str("type", r.Type()).
			Str("resource", r.Name()).
			Msg("Resource built")
	}
	return errors.Join(errs...)
}

func (b *Builder) buildGroups(m *config.Manifest, env *engine.Env, opts Options, cat *Catalog) error {
	groupOpts := []engine.GroupOption{engine.WithLogger(env.Logger)}
	for _, o := range opts.Observers {
		groupOpts = append(groupOpts, engine.WithObserver(o))
	}

	for _, gc := range m.Groups {
		if _, clash := cat.resources[gc.Name]; clash {
			return engine.NewConfigurationError(
				fmt.Sprintf("group %q has the same name as a resource", gc.Name), nil).
				WithCode(engine.ErrCodeDuplicateIdentity).
				WithOperation("build")
		}
		cat.groups[gc.Name] = engine.NewGroup(gc.Name, groupOpts...)
	}

	referenced := make(map[string]bool)
	for _, gc := range m.Groups {
		g := cat.groups[gc.Name]
		for _, member := range gc.Members {
			if r, ok := cat.resources[member]; ok {
				g.Push(r)
			} else if sub, ok := cat.groups[member]; ok {
				g.Push(sub)
			} else {
				return engine.NewConfigurationError(
					fmt.Sprintf("group %q references unknown member %q", gc.Name, member), nil).
					WithCode(engine.ErrCodeNotFound).
					WithOperation("build")
			}
			referenced[member] = true
		}
	}

	root, declared := cat.groups[opts.Root]
	if !declared {
		root = engine.NewGroup(opts.Root, groupOpts...)
		cat.groups[opts.Root] = root
	}
	cat.Root = root

	for _, rc := range m.Resources {
		if !referenced[rc.ID] {
			root.Push(cat.resources[rc.ID])
		}
	}
	for _, gc := range m.Groups {
		if gc.Name != opts.Root && !referenced[gc.Name] {
			root.Push(cat.groups[gc.Name])
		}
	}

	// a resource listed twice or a group cycle surfaces here rather than at apply
	if _, err := root.Flatten(); err != nil {
		return err
	}
	return nil
}

func fileFactory(raw json.RawMessage, env *engine.Env) (engine.Resource, error) {
	var cfg file.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, engine.NewConfigurationError("invalid file declaration", err).
			WithOperation("build")
	}
	return file.New(cfg, env)
}
