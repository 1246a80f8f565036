package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/openfroyo/converge/pkg/engine"
)

type entry struct {
	inSource  bool
	sourceDir bool
	destLink  bool
}

// materializeChildren replaces the previous children with one resource per
// entry of the destination directory and, with a directory source, of the
// source directory. Entries already declared explicitly are left alone.
func (r *Resource) materializeChildren() error {
	r.dropChildren()

	entries := make(map[string]*entry)

	if r.obj.isDir() {
		list, err := os.ReadDir(r.path)
		if err != nil {
			return engine.NewApplyError("failed to list directory", err).
				WithResource(r.path).
				WithOperation("recurse")
		}
		for _, de := range list {
			entries[de.Name()] = &entry{destLink: de.Type()&fs.ModeSymlink != 0}
		}
	}

	if r.src != nil && r.src.info.IsDir() {
		list, err := os.ReadDir(r.src.path)
		if err != nil {
			return engine.NewApplyError("failed to list source directory", err).
				WithResource(r.path).
				WithOperation("recurse").
				WithDetail("source", r.src.path)
		}
		for _, de := range list {
			e, ok := entries[de.Name()]
			if !ok {
				e = &entry{}
				entries[de.Name()] = e
			}
			e.inSource = true
			e.sourceDir = de.IsDir()
			if de.Type()&fs.ModeSymlink != 0 {
				if info, err := os.Stat(filepath.Join(r.src.path, de.Name())); err == nil {
					e.sourceDir = info.IsDir()
				}
			}
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := entries[name]
		if e.destLink && !e.inSource {
			// unmanaged links are not followed
			continue
		}

		childPath := filepath.Join(r.path, name)
		if _, declared := r.env.Registry.Lookup(Type, childPath); declared {
			continue
		}

		cfg := Config{
			Path:     childPath,
			Owner:    r.cfg.Owner,
			Group:    r.cfg.Group,
			Mode:     r.cfg.Mode,
			Checksum: r.cfg.Checksum,
			Recurse:  true,
		}
		if e.inSource {
			cfg.Source = filepath.Join(r.src.path, name)
			if e.sourceDir {
				cfg.Create = CreateDirectory
			}
		}

		child, err := newResource(cfg, r.env, r.path)
		if err != nil {
			return err
		}
		if err := r.env.Registry.Register(child); err != nil {
			return err
		}
		r.children = append(r.children, child)
	}
	return nil
}

// dropChildren unregisters the children of the previous recursion, depth first.
func (r *Resource) dropChildren() {
	for _, c := range r.children {
		c.dropChildren()
		r.env.Registry.Remove(Type, c.path)
	}
	r.children = nil
}

func (r *Resource) evaluateChildren(ctx context.Context) error {
	var errs []error
	for _, c := range r.children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Evaluate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncChildren rebuilds the children against the synced parent and syncs
// each of them in path order.
func (r *Resource) syncChildren(ctx context.Context) (engine.EventSet, error) {
	events := engine.NewEventSet()

	if err := r.obj.refresh(); err != nil {
		return events, engine.NewApplyError("failed to inspect file", err).WithResource(r.path)
	}
	if err := r.materializeChildren(); err != nil {
		return events, err
	}

	var errs []error
	for _, c := range r.children {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		evs, err := c.Sync(ctx)
		events = events.Union(evs)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return events, errors.Join(errs...)
}
