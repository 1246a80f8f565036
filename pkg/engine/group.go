package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Group is an ordered, named collection of resources and nested groups.
// Insertion order is application order.
type Group struct {
	name      string
	members   []Member
	logger    zerolog.Logger
	observers []Observer
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithLogger sets the logger used by the group and its transactions.
func WithLogger(logger zerolog.Logger) GroupOption {
	return func(g *Group) {
		g.logger = logger
	}
}

// WithObserver adds an observer notified of every sync and transaction.
func WithObserver(o Observer) GroupOption {
	return func(g *Group) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

// NewGroup creates an empty group.
func NewGroup(name string, opts ...GroupOption) *Group {
	g := &Group{
		name:   name,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Push appends members in order.
func (g *Group) Push(members ...Member) {
	g.members = append(g.members, members...)
}

// Members returns the direct members of the group.
func (g *Group) Members() []Member {
	out := make([]Member, len(g.members))
	copy(out, g.members)
	return out
}

// Flatten expands nested groups depth first and returns the resources in
// application order. A group that contains itself, directly or through a
// nested group, and a resource listed twice are configuration errors.
func (g *Group) Flatten() ([]Resource, error) {
	var (
		out      []Resource
		visiting = make(map[*Group]bool)
		seen     = make(map[registryKey]bool)
	)

	var visit func(*Group) error
	visit = func(cur *Group) error {
		if visiting[cur] {
			return NewConfigurationError(
				fmt.Sprintf("group %q contains itself", cur.name), nil).
				WithCode(ErrCodeCycle).
				WithOperation("flatten")
		}
		visiting[cur] = true
		defer delete(visiting, cur)

		for _, m := range cur.members {
			switch v := m.(type) {
			case *Group:
				if err := visit(v); err != nil {
					return err
				}
			case Resource:
				key := registryKey{typ: v.Type(), name: v.Name()}
				if seen[key] {
					return NewConfigurationError(
						fmt.Sprintf("%s resource listed more than once in group %q", v.Type(), cur.name), nil).
						WithCode(ErrCodeConflict).
						WithResource(v.Name()).
						WithOperation("flatten")
				}
				seen[key] = true
				out = append(out, v)
			default:
				return NewConfigurationError(
					fmt.Sprintf("unsupported group member %T", m), nil).
					WithOperation("flatten")
			}
		}
		return nil
	}

	if err := visit(g); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate flattens the group, evaluates every member in order and returns
// the resulting transaction.
//
// Configuration errors abort evaluation. Other evaluation errors are joined
// and returned together with the transaction; Apply evaluates those members
// again before syncing them, since earlier members may create what they need.
func (g *Group) Evaluate(ctx context.Context) (*Transaction, error) {
	resources, err := g.Flatten()
	if err != nil {
		return nil, err
	}

	tx := newTransaction(g, resources)

	var errs []error
	for i, r := range resources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.Evaluate(ctx); err != nil {
			if IsConfigurationError(err) {
				return nil, err
			}
			tx.stale[i] = true
			errs = append(errs, err)
			g.logger.Debug().
				Str("resource", r.Name()).
				Err(err).
				Msg("Evaluation deferred to apply")
		}
	}

	return tx, errors.Join(errs...)
}

// Sync evaluates the group and applies the resulting transaction.
//
// Deferred evaluation errors are not returned on their own. Apply evaluates
// those members again, and reports the error only if that evaluation fails
// too.
func (g *Group) Sync(ctx context.Context) (EventSet, error) {
	tx, err := g.Evaluate(ctx)
	if tx == nil {
		return NewEventSet(), err
	}
	if err != nil {
		g.logger.Debug().Err(err).Msg("Retrying deferred evaluations during apply")
	}
	return tx.Apply(ctx)
}
