package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/openfroyo/converge/pkg/engine"

// Subscriber is called after each member's sync with the events it produced.
// Subscribers run in registration order before the next member is applied.
type Subscriber func(ctx context.Context, r Resource, events EventSet)

// MemberResult is the outcome of applying one transaction member.
type MemberResult struct {
	Resource Resource
	Events   EventSet
	Err      error
	Duration time.Duration
}

// Transaction is one evaluated, ordered snapshot of a group's members.
type Transaction struct {
	ID    string
	Group string

	members     []Resource
	stale       []bool
	results     []MemberResult
	subscribers []Subscriber
	observers   []Observer
	logger      zerolog.Logger
	applied     bool
}

func newTransaction(g *Group, members []Resource) *Transaction {
	return &Transaction{
		ID:        uuid.New().String(),
		Group:     g.name,
		members:   members,
		stale:     make([]bool, len(members)),
		observers: g.observers,
		logger:    g.logger,
	}
}

// Members returns the flattened members in application order.
func (tx *Transaction) Members() []Resource {
	out := make([]Resource, len(tx.members))
	copy(out, tx.members)
	return out
}

// Subscribe registers a handler that observes each member's events.
func (tx *Transaction) Subscribe(s Subscriber) {
	tx.subscribers = append(tx.subscribers, s)
}

// Results returns the per-member outcomes of the last Apply.
func (tx *Transaction) Results() []MemberResult {
	out := make([]MemberResult, len(tx.results))
	copy(out, tx.results)
	return out
}

// OutOfSync returns the members that were evaluated as needing changes.
func (tx *Transaction) OutOfSync() []Resource {
	var out []Resource
	for i, r := range tx.members {
		if tx.stale[i] || !r.InSync() {
			out = append(out, r)
		}
	}
	return out
}

// Apply syncs every member in order and returns the union of their events.
//
// A member is evaluated again before its sync when an earlier member produced
// events or its first evaluation failed. A failing member does not stop the
// members after it; all failures are joined into the returned error and the
// events of successful members are still returned.
func (tx *Transaction) Apply(ctx context.Context) (EventSet, error) {
	if tx.applied {
		return NewEventSet(), NewConfigurationError("transaction already applied", nil).
			WithOperation("apply").
			WithDetail("transaction", tx.ID)
	}
	tx.applied = true

	ctx, span := otel.Tracer(tracerName).Start(ctx, "transaction.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("group", tx.Group),
		attribute.Int("members", len(tx.members)),
	)

	logger := tx.logger.With().Str("transaction_id", tx.ID).Str("group", tx.Group).Logger()
	logger.Debug().Int("members", len(tx.members)).Msg("Applying transaction")

	events := NewEventSet()
	tx.results = make([]MemberResult, 0, len(tx.members))
	var errs []error

	for i, r := range tx.members {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result := tx.applyMember(ctx, logger, r, tx.stale[i] || events.Len() > 0)
		tx.results = append(tx.results, result)
		events = events.Union(result.Events)
		if result.Err != nil {
			errs = append(errs, result.Err)
		}

		for _, s := range tx.subscribers {
			s(ctx, r, result.Events)
		}
	}

	err := errors.Join(errs...)
	for _, o := range tx.observers {
		o.ObserveTransaction(tx.Group, len(tx.members), events, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction failed")
		logger.Warn().Err(err).Str("events", events.String()).Msg("Transaction finished with errors")
	} else {
		logger.Info().Str("events", events.String()).Msg("Transaction applied")
	}
	return events, err
}

func (tx *Transaction) applyMember(ctx context.Context, logger zerolog.Logger, r Resource, reevaluate bool) MemberResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "resource.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource.type", r.Type()),
		attribute.String("resource.name", r.Name()),
	)

	start := time.Now()
	result := MemberResult{Resource: r, Events: NewEventSet()}

	if reevaluate {
		if err := r.Evaluate(ctx); err != nil {
			result.Err = err
		}
	}
	if result.Err == nil {
		evs, err := r.Sync(ctx)
		result.Events = result.Events.Union(evs)
		result.Err = err
	}
	result.Duration = time.Since(start)

	for _, o := range tx.observers {
		o.ObserveSync(r.Type(), r.Name(), result.Events, result.Duration, result.Err)
	}

	entry := logger.Debug()
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "sync failed")
		entry = logger.Error().Err(result.Err)
	} else if result.Events.Len() > 0 {
		entry = logger.Info()
	}
	entry.
		Str("resource", r.Name()).
		Str("type", r.Type()).
		Str("events", result.Events.String()).
		Dur("duration", result.Duration).
		Msg("Resource synced")

	return result
}
