package baseline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func backendsUnderTest(t *testing.T) map[string]func() Backend {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Backend{
		BackendFile:   func() Backend { return NewFileBackend(filepath.Join(dir, "baselines.yaml")) },
		BackendSQLite: func() Backend { return NewSQLiteBackend(filepath.Join(dir, "baselines.db")) },
		BackendBolt:   func() Backend { return NewBoltBackend(filepath.Join(dir, "baselines.bolt")) },
	}
}

// TestStoreLifecycle mirrors a run: init, record, save, then a fresh store loads
// the same table and clear drops it everywhere.
func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, newBackend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			first := NewStore(newBackend(), zerolog.Nop())
			if err := first.Init(ctx); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			first.Put("/etc/motd", "md5", "{md5}d41d8cd98f00b204e9800998ecf8427e")
			first.Put("/etc/motd", "timestamp", "{timestamp}2024-01-02T03:04:05.123456789Z")
			first.Put("/etc/hosts", "ctime", "{ctime}2024-01-02T03:04:05Z")

			if err := first.Save(ctx); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := first.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			second := NewStore(newBackend(), zerolog.Nop())
			if err := second.Init(ctx); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			defer second.Close()

			if second.Len() != 0 {
				t.Fatalf("Len() = %d before Load", second.Len())
			}
			if err := second.Load(ctx); err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			want := first.Entries()
			got := second.Entries()
			if len(got) != len(want) {
				t.Fatalf("loaded %d entries, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i].Key() != want[i].Key() || got[i].Value != want[i].Value {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
				}
				if !got[i].RecordedAt.Equal(want[i].RecordedAt) {
					t.Errorf("entry %d recorded_at = %v, want %v", i, got[i].RecordedAt, want[i].RecordedAt)
				}
			}

			if err := second.Clear(ctx); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			if _, ok := second.Get("/etc/motd", "md5"); ok {
				t.Error("Get() should miss after Clear")
			}
			if err := second.Load(ctx); err != nil {
				t.Fatalf("Load() after Clear error = %v", err)
			}
			if second.Len() != 0 {
				t.Errorf("Len() = %d after Clear and Load", second.Len())
			}
		})
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	s.Put("/a", "md5", "one")
	s.Put("/a", "md5", "two")
	s.Put("/a", "ctime", "three")

	if v, ok := s.Get("/a", "md5"); !ok || v != "two" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	s.Delete("/a")
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Delete", s.Len())
	}
}

func TestStore_InitResetsMemory(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend(), zerolog.Nop())
	s.Put("/a", "md5", "x")

	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Init", s.Len())
	}
}

type flakyBackend struct {
	MemoryBackend
	failures int
	calls    int
	err      error
}

func (f *flakyBackend) Save(ctx context.Context, entries []Entry) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.MemoryBackend.Save(ctx, entries)
}

func newFastStore(b Backend) *Store {
	s := NewStore(b, zerolog.Nop())
	s.saveDelay = time.Millisecond
	s.saveMaxDelay = time.Millisecond
	return s
}

func TestStore_SaveRetriesTransient(t *testing.T) {
	b := &flakyBackend{failures: 2, err: engine.NewTransientError("database is locked", nil)}
	s := newFastStore(b)
	s.Put("/a", "md5", "x")

	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if b.calls != 3 {
		t.Errorf("backend called %d times, want 3", b.calls)
	}
	entries, _ := b.Load(context.Background())
	if len(entries) != 1 {
		t.Errorf("persisted %d entries, want 1", len(entries))
	}
}

func TestStore_SaveDoesNotRetryPermanent(t *testing.T) {
	b := &flakyBackend{failures: 5, err: errors.New("disk full")}
	s := newFastStore(b)

	if err := s.Save(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if b.calls != 1 {
		t.Errorf("backend called %d times, want 1", b.calls)
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{backend: "", want: "*baseline.FileBackend"},
		{backend: "file", want: "*baseline.FileBackend"},
		{backend: "SQLite", want: "*baseline.SQLiteBackend"},
		{backend: "bolt", want: "*baseline.BoltBackend"},
		{backend: "memory", want: "*baseline.MemoryBackend"},
		{backend: "redis", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			b, err := NewBackend(Config{Backend: tt.backend, Path: "x"})
			if tt.wantErr {
				if !engine.IsConfigurationError(err) {
					t.Errorf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if got := typeName(b); got != tt.want {
				t.Errorf("NewBackend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFileBackend_LoadMissingFile(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "nested", "baselines.yaml"))
	if err := b.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, err := b.Load(context.Background())
	if err != nil || len(entries) != 0 {
		t.Errorf("Load() = %v, %v; want empty", entries, err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "baselines.yaml")

	s, err := Open(ctx, Config{Backend: BackendFile, Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Put("/a", "md5", "x")
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, Config{Backend: BackendFile, Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := reopened.Get("/a", "md5"); !ok || v != "x" {
		t.Errorf("Get() = %q, %v after reopen", v, ok)
	}
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}
