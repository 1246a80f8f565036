package baseline

import (
	"context"
	"sync"
)

// MemoryBackend keeps persisted entries in process memory.
// It is used by tests and by runs that do not need cross-run drift detection.
type MemoryBackend struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Init is a no-op.
func (b *MemoryBackend) Init(context.Context) error { return nil }

// Load returns a copy of the saved entries.
func (b *MemoryBackend) Load(context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

// Save replaces the saved entries.
func (b *MemoryBackend) Save(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]Entry, len(entries))
	copy(b.entries, entries)
	return nil
}

// Clear drops the saved entries.
func (b *MemoryBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }
