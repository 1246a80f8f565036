package baseline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const (
	defaultSaveAttempts = 3
	defaultSaveDelay    = 200 * time.Millisecond
	defaultSaveMaxDelay = 2 * time.Second
)

// Key identifies one baseline: a resource and the checksum kind recorded for it.
type Key struct {
	Resource string
	Kind     string
}

// Entry is one recorded baseline value.
type Entry struct {
	Resource   string    `json:"resource" yaml:"resource"`
	Kind       string    `json:"kind" yaml:"kind"`
	Value      string    `json:"value" yaml:"value"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Key returns the entry's key.
func (e Entry) Key() Key {
	return Key{Resource: e.Resource, Kind: e.Kind}
}

// Backend persists baseline entries.
type Backend interface {
	// Init prepares the underlying storage (open files, run migrations).
	Init(ctx context.Context) error
	// Load returns every persisted entry.
	Load(ctx context.Context) ([]Entry, error)
	// Save replaces the persisted entries with the given set.
	Save(ctx context.Context, entries []Entry) error
	// Clear removes every persisted entry.
	Clear(ctx context.Context) error
	// Close releases the underlying storage.
	Close() error
}

// Store is the in-memory baseline table and its persistence lifecycle.
// The map is guarded by a mutex; the Init/Load/Save/Clear lifecycle is
// expected to be driven by one caller at a time.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	saveAttempts uint
	saveDelay    time.Duration
	saveMaxDelay time.Duration
}

// NewStore creates a store persisted through backend.
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		entries:      make(map[Key]Entry),
		backend:      backend,
		logger:       logger.With().Str("component", "baseline").Logger(),
		now:          time.Now,
		saveAttempts: defaultSaveAttempts,
		saveDelay:    defaultSaveDelay,
		saveMaxDelay: defaultSaveMaxDelay,
	}
}

// Init prepares the backend and empties the in-memory table.
func (s *Store) Init(ctx context.Context) error {
	if err := s.backend.Init(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = make(map[Key]Entry)
	s.mu.Unlock()
	return nil
}

// Load replaces the in-memory table with the persisted entries.
func (s *Store) Load(ctx context.Context) error {
	entries, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}

	table := make(map[Key]Entry, len(entries))
	for _, e := range entries {
		table[e.Key()] = e
	}

	s.mu.Lock()
	s.entries = table
	s.mu.Unlock()

	s.logger.Debug().Int("entries", len(table)).Msg("Baselines loaded")
	return nil
}

// Save persists the in-memory table. Transient backend failures are retried.
func (s *Store) Save(ctx context.Context) error {
	entries := s.Entries()

	err := retry.Do(func() error {
		return s.backend.Save(ctx, entries)
	},
		retry.Attempts(s.saveAttempts),
		retry.Delay(s.saveDelay),
		retry.MaxDelay(s.saveMaxDelay),
		retry.Context(ctx),
		retry.RetryIf(engine.IsTransientError),
	)
	if err != nil {
		return engine.NewTransientError("failed to save baselines", err).WithOperation("save")
	}

	s.logger.Debug().Int("entries", len(entries)).Msg("Baselines saved")
	return nil
}

// Clear drops every entry, in memory and in the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[Key]Entry)
	s.mu.Unlock()

	return s.backend.Clear(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get returns the recorded value for a resource and checksum kind.
func (s *Store) Get(resource, kind string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[Key{Resource: resource, Kind: kind}]
	return e.Value, ok
}

// Put records value for a resource and checksum kind, overwriting any previous value.
func (s *Store) Put(resource, kind, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[Key{Resource: resource, Kind: kind}] = Entry{
		Resource:   resource,
		Kind:       kind,
		Value:      value,
		RecordedAt: s.now().UTC(),
	}
}

// Delete forgets every kind recorded for a resource.
func (s *Store) Delete(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.entries {
		if k.Resource == resource {
			delete(s.entries, k)
		}
	}
}

// Len returns the number of entries held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns the in-memory entries sorted by resource, then kind.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

var _ engine.Baselines = (*Store)(nil)
