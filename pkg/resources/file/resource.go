package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Type is the registry type of file resources.
const Type = "file"

type sourceInfo struct {
	path string
	info os.FileInfo
}

// Resource manages one filesystem object: its existence, content, ownership,
// permissions or link target, and optionally everything below it.
type Resource struct {
	cfg    Config
	path   string
	parent string
	env    *engine.Env
	logger zerolog.Logger

	props     map[PropertyKind]Property
	obj       *object
	src       *sourceInfo
	evaluated bool
	children  []*Resource
}

// New validates cfg, resolves owner and group names, and registers the
// resource in env's registry.
func New(cfg Config, env *engine.Env) (*Resource, error) {
	r, err := newResource(cfg, env, "")
	if err != nil {
		return nil, err
	}
	if err := env.Registry.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func newResource(cfg Config, env *engine.Env, parent string) (*Resource, error) {
	if env == nil || env.Registry == nil {
		return nil, engine.NewConfigurationError("file resource requires an environment with a registry", nil).
			WithResource(cfg.Path)
	}

	if cfg.Path != "" {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid path", err).WithResource(cfg.Path)
		}
		cfg.Path = abs
	}

	r := &Resource{
		path:   cfg.Path,
		parent: parent,
		env:    env,
		logger: env.Logger.With().Str("resource", cfg.Path).Logger(),
	}
	if err := r.configure(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// configure validates cfg and rebuilds the property table from it.
func (r *Resource) configure(cfg Config) error {
	cfg.Checksum = cfg.Checksum.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	props := map[PropertyKind]Property{
		KindEnsure: &ensureProperty{r: r},
	}

	if cfg.Source != "" {
		props[KindSource] = &sourceProperty{r: r}
	}

	if cfg.Checksum != "" {
		if r.env.Baselines == nil {
			return engine.NewConfigurationError("checksum requires a baseline store", nil).
				WithResource(r.path)
		}
		props[KindChecksum] = &checksumProperty{r: r, kind: cfg.Checksum}
	}

	if cfg.Owner != "" {
		uid, err := resolveUser(cfg.Owner)
		if err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("cannot resolve owner %q", cfg.Owner), err).
				WithCode(engine.ErrCodeUnresolvableIdentity).
				WithResource(r.path)
		}
		props[KindOwner] = &ownerProperty{name: cfg.Owner, uid: uid}
	}

	if cfg.Group != "" {
		gid, err := resolveGroup(cfg.Group)
		if err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("cannot resolve group %q", cfg.Group), err).
				WithCode(engine.ErrCodeUnresolvableIdentity).
				WithResource(r.path)
		}
		props[KindGroup] = &groupProperty{name: cfg.Group, gid: gid}
	}

	if cfg.Mode != "" {
		mode, err := parseMode(cfg.Mode)
		if err != nil {
			return engine.NewConfigurationError("invalid mode", err).WithResource(r.path)
		}
		props[KindMode] = &modeProperty{mode: mode}
	}

	if cfg.Link != "" {
		target := canonicalTarget(r.path, cfg.Link)
		if target == r.path {
			return engine.NewConfigurationError("link target resolves to the resource itself", nil).
				WithCode(engine.ErrCodeSelfLink).
				WithResource(r.path).
				WithDetail("link", cfg.Link)
		}
		props[KindLink] = &linkProperty{target: target}
	}

	r.cfg = cfg
	r.props = props
	r.evaluated = false
	return nil
}

// Type implements engine.Resource.
func (r *Resource) Type() string { return Type }

// Name implements engine.Resource. It is the absolute path.
func (r *Resource) Name() string { return r.path }

// Parent returns the path of the recursed resource that materialized r, or "".
func (r *Resource) Parent() string { return r.parent }

// Config returns the normalized declaration.
func (r *Resource) Config() Config { return r.cfg }

// Children returns the resources materialized by the last recursion.
func (r *Resource) Children() []*Resource {
	out := make([]*Resource, len(r.children))
	copy(out, r.children)
	return out
}

// Property returns the managed property of the given kind.
func (r *Resource) Property(kind PropertyKind) (Property, bool) {
	p, ok := r.props[kind]
	return p, ok
}

// Set manages kind with the given value, replacing any previous value.
func (r *Resource) Set(kind PropertyKind, value string) error {
	cfg := r.cfg
	switch kind {
	case KindEnsure:
		var c CreateMode
		if err := c.UnmarshalJSON([]byte(fmt.Sprintf("%q", value))); err != nil {
			return engine.NewConfigurationError("invalid create value", err).WithResource(r.path)
		}
		cfg.Create = c
	case KindSource:
		cfg.Source = value
	case KindChecksum:
		cfg.Checksum = ChecksumKind(value)
	case KindOwner:
		cfg.Owner = value
	case KindGroup:
		cfg.Group = value
	case KindMode:
		cfg.Mode = value
	case KindLink:
		cfg.Link = value
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown property %v", kind), nil).WithResource(r.path)
	}
	return r.configure(cfg)
}

// Delete stops managing kind. Later evaluations and syncs ignore it.
func (r *Resource) Delete(kind PropertyKind) {
	switch kind {
	case KindEnsure:
		r.cfg.Create = CreateNone
	case KindSource:
		r.cfg.Source = ""
		r.src = nil
	case KindChecksum:
		r.cfg.Checksum = ""
	case KindOwner:
		r.cfg.Owner = ""
	case KindGroup:
		r.cfg.Group = ""
	case KindMode:
		r.cfg.Mode = ""
	case KindLink:
		r.cfg.Link = ""
	}
	if kind != KindEnsure {
		delete(r.props, kind)
	}
	r.evaluated = false
}

// Evaluate reads the current state of every managed property. With recurse,
// it also materializes and evaluates one child resource per entry.
func (r *Resource) Evaluate(ctx context.Context) error {
	r.evaluated = false

	obj, err := observe(r.path)
	if err != nil {
		return engine.NewApplyError("failed to inspect file", err).
			WithResource(r.path).
			WithOperation("evaluate")
	}
	r.obj = obj

	if err := r.resolveSource(ctx); err != nil {
		return err
	}

	var errs []error
	for _, kind := range syncOrder {
		p, ok := r.props[kind]
		if !ok {
			continue
		}
		if err := p.Retrieve(ctx, obj); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if !obj.exists && !r.willExist() && r.needsObject() {
		return engine.NewResourceMissingError("file does not exist and nothing is configured to create it", nil).
			WithResource(r.path).
			WithOperation("evaluate")
	}
	r.evaluated = true

	if r.cfg.Recurse {
		if err := r.materializeChildren(); err != nil {
			return err
		}
		return r.evaluateChildren(ctx)
	}
	return nil
}

// willExist reports whether sync creates the object when it is absent.
func (r *Resource) willExist() bool {
	return r.desiredKind() != "" || (r.src != nil && !r.src.info.IsDir()) || r.cfg.Link != ""
}

// needsObject reports whether a managed property requires the object to exist.
func (r *Resource) needsObject() bool {
	for _, k := range []PropertyKind{KindChecksum, KindOwner, KindGroup, KindMode} {
		if _, ok := r.props[k]; ok {
			return true
		}
	}
	return false
}

// desiredKind is what ensure must create: a file, a directory or nothing.
func (r *Resource) desiredKind() string {
	switch {
	case r.cfg.Create == CreateDirectory:
		return kindDirectory
	case r.src != nil && r.src.info.IsDir():
		return kindDirectory
	case r.src != nil:
		// the source copy creates the file
		return ""
	case r.cfg.Create == CreateFile:
		return kindFile
	default:
		return ""
	}
}

// InSync reports whether the last evaluation found nothing to change.
func (r *Resource) InSync() bool {
	if !r.evaluated {
		return false
	}
	for _, p := range r.props {
		if !p.InSync() {
			return false
		}
	}
	for _, c := range r.children {
		if !c.InSync() {
			return false
		}
	}
	return true
}

// Changes lists the properties the last evaluation found out of sync, in sync order.
func (r *Resource) Changes() []Change {
	var out []Change
	for _, kind := range syncOrder {
		p, ok := r.props[kind]
		if !ok || p.InSync() {
			continue
		}
		out = append(out, Change{Kind: kind, Is: p.Is(), Should: p.Should()})
	}
	return out
}

// Sync applies every out of sync property in sync order and returns the
// events produced. It evaluates first when needed.
//
// A failure to create the object, copy its content or place the link stops
// the remaining properties. Other failures are collected and the remaining
// properties still run. Events applied before a failure are returned with it.
func (r *Resource) Sync(ctx context.Context) (engine.EventSet, error) {
	events := engine.NewEventSet()
	if !r.evaluated {
		if err := r.Evaluate(ctx); err != nil {
			return events, err
		}
	}

	var (
		errs            []error
		refresh         bool
		metadataChanged bool
	)
	for _, kind := range syncOrder {
		p, ok := r.props[kind]
		if !ok {
			continue
		}
		if refresh {
			if err := p.Retrieve(ctx, r.obj); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if p.InSync() {
			continue
		}

		ev, err := p.Apply(ctx, r.obj)
		if err != nil {
			errs = append(errs, err)
			if kind.precondition() {
				return events, errors.Join(errs...)
			}
			continue
		}
		if ev == "" {
			continue
		}

		events.Add(ev)
		r.logger.Info().
			Str("property", kind.String()).
			Str("event", string(ev)).
			Msg("Property synced")

		switch {
		case kind.precondition():
			if err := r.obj.refresh(); err != nil {
				errs = append(errs, engine.NewApplyError("failed to inspect file", err).WithResource(r.path))
				return events, errors.Join(errs...)
			}
			refresh = true
		case kind != KindChecksum:
			metadataChanged = true
		}
	}

	if metadataChanged {
		if cp, ok := r.props[KindChecksum].(*checksumProperty); ok && cp.kind == ChecksumCtime {
			if err := cp.rebase(r.obj); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if r.cfg.Recurse {
		childEvents, err := r.syncChildren(ctx)
		events = events.Union(childEvents)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return events, errors.Join(errs...)
}

// resolveSource locates the source content, fetching remote sources first.
func (r *Resource) resolveSource(ctx context.Context) error {
	r.src = nil
	if r.cfg.Source == "" {
		return nil
	}

	local := strings.TrimPrefix(r.cfg.Source, "file://")
	if strings.Contains(local, "://") {
		if r.env.Fetcher == nil {
			return engine.NewConfigurationError("remote source configured but no fetcher is available", nil).
				WithResource(r.path).
				WithDetail("source", r.cfg.Source)
		}
		fetched, err := r.env.Fetcher.Fetch(ctx, r.cfg.Source)
		if err != nil {
			return fmt.Errorf("fetching source of %s: %w", r.path, err)
		}
		local = fetched
	}

	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.NewConfigurationError("source does not exist", err).
				WithCode(engine.ErrCodeSourceMissing).
				WithResource(r.path).
				WithDetail("source", r.cfg.Source)
		}
		return engine.NewApplyError("failed to inspect source", err).WithResource(r.path)
	}
	r.src = &sourceInfo{path: local, info: info}
	return nil
}

// canonicalTarget resolves a link target against the directory holding path.
func canonicalTarget(path, target string) string {
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target)
}

var (
	_ engine.Resource = (*Resource)(nil)
	_ engine.Child    = (*Resource)(nil)
)
