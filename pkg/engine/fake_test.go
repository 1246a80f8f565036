package engine

import (
	"context"
	"errors"
)

// fakeResource records calls and returns scripted results.
type fakeResource struct {
	typ       string
	name      string
	inSync    bool
	evalErr   error
	evalStuck bool
	syncErr   error
	events    EventSet
	evaluated int
	synced    int
	trace     *[]string
}

func newFake(name string, trace *[]string, events ...EventKind) *fakeResource {
	return &fakeResource{typ: "fake", name: name, events: NewEventSet(events...), trace: trace}
}

func (f *fakeResource) Type() string { return f.typ }
func (f *fakeResource) Name() string { return f.name }
func (f *fakeResource) InSync() bool { return f.inSync }

func (f *fakeResource) Evaluate(ctx context.Context) error {
	f.evaluated++
	if f.trace != nil {
		*f.trace = append(*f.trace, "evaluate:"+f.name)
	}
	err := f.evalErr
	// a deferred evaluation error clears once retried
	if err != nil && !IsConfigurationError(err) && !f.evalStuck && f.evaluated > 1 {
		err = nil
	}
	return err
}

func (f *fakeResource) Sync(ctx context.Context) (EventSet, error) {
	f.synced++
	if f.trace != nil {
		*f.trace = append(*f.trace, "sync:"+f.name)
	}
	if f.inSync {
		return NewEventSet(), nil
	}
	f.inSync = f.syncErr == nil
	return NewEventSet().Union(f.events), f.syncErr
}

var errBoom = errors.New("boom")
