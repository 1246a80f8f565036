// Package engine provides the reconciliation core of converge.
//
// # Overview
//
// Every managed object is a Resource: a named, typed bundle of properties
// that can be evaluated against the real world and synced towards its
// desired state. The cycle is always the same:
//
//  1. Evaluate - read the current state of every configured property
//  2. InSync   - compare current and desired state
//  3. Sync     - apply the missing changes and report them as events
//
// Resources are composed into Groups. A Group is ordered and may nest other
// groups; Group.Evaluate flattens it and returns a Transaction which applies
// the members in order:
//
//	g := engine.NewGroup("main", engine.WithLogger(logger))
//	g.Push(motd, sshdConfig)
//
//	tx, err := g.Evaluate(ctx)
//	if engine.IsConfigurationError(err) {
//	    return err
//	}
//	events, err := tx.Apply(ctx)
//
// # Shared State
//
// There are no process-wide singletons. An Env carries the Registry, the
// baseline store and the optional remote Fetcher, and is handed to every
// resource constructor. Callers that drive several passes concurrently must
// serialize them; the Registry and baseline stores only guard their maps.
//
// # Events and Subscribers
//
// Sync returns an EventSet (created, content-modified, mode-changed, ...).
// Transaction.Subscribe registers handlers that see each member's events
// before the next member is applied.
//
// # Error Classification
//
//   - Configuration: malformed declarations, duplicate identities, self links
//   - Missing: the managed object is absent and nothing can create it
//   - Apply: a property failed to apply; earlier changes are kept
//   - Transient: retryable persistence and transport failures
//
// Use IsConfigurationError, IsResourceMissingError, IsApplyError and
// IsTransientError to inspect errors, including joined ones.
package engine
