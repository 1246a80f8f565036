package baseline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Backend names accepted by Config.Backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config selects and locates the persistence backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewBackend builds the backend named by cfg.
func NewBackend(cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return NewFileBackend(cfg.Path), nil
	case BackendSQLite:
		return NewSQLiteBackend(cfg.Path), nil
	case BackendBolt:
		return NewBoltBackend(cfg.Path), nil
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("unknown baseline backend %q", cfg.Backend), nil).
			WithOperation("open")
	}
}

// Open builds the configured backend, initializes it and loads the persisted entries.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}

	store := NewStore(backend, logger)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
