package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Member is anything a Group can hold: a Resource or a nested *Group.
type Member interface {
	Name() string
}

// Resource is a named, typed bundle of properties that can be reconciled.
//
// Evaluate must run before InSync is meaningful. Sync applies every out of
// sync property and returns the events it produced, even when it also
// returns an error; nothing is rolled back.
type Resource interface {
	Member
	Type() string
	Evaluate(ctx context.Context) error
	InSync() bool
	Sync(ctx context.Context) (EventSet, error)
}

// Child is implemented by resources that were materialized from a parent
// (for example the entries of a recursed directory).
type Child interface {
	Parent() string
}

// Baselines is the view of the baseline store a resource needs: the last
// recorded value for a (resource, kind) pair.
type Baselines interface {
	Get(resource, kind string) (string, bool)
	Put(resource, kind, value string)
}

// Fetcher resolves a remote source URI to a local path holding its content.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// Observer receives the outcome of each sync and transaction.
type Observer interface {
	ObserveSync(resourceType, name string, events EventSet, elapsed time.Duration, err error)
	ObserveTransaction(group string, members int, events EventSet, err error)
}

// Env carries the collaborators shared by every resource in one run.
// It replaces process-wide registries and stores.
type Env struct {
	Registry  *Registry
	Baselines Baselines
	Fetcher   Fetcher
	Logger    zerolog.Logger
}

// NewEnv returns an Env with a fresh registry and the given baselines.
func NewEnv(baselines Baselines, logger zerolog.Logger) *Env {
	return &Env{
		Registry:  NewRegistry(),
		Baselines: baselines,
		Logger:    logger,
	}
}
