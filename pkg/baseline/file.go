package baseline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// FileBackend persists entries as a YAML document. Writes are atomic.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Init creates the parent directory of the baseline file.
func (b *FileBackend) Init(context.Context) error {
	if b.path == "" {
		return engine.NewConfigurationError("baseline file path is required", nil).WithOperation("init")
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	return nil
}

// Load reads the baseline file. A missing file yields no entries.
func (b *FileBackend) Load(context.Context) ([]Entry, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baselines: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigurationError("corrupt baseline file", err).
			WithDetail("path", b.path).
			WithOperation("load")
	}
	if doc.Version > fileFormatVersion {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("unsupported baseline file version %d", doc.Version), nil).
			WithDetail("path", b.path).
			WithOperation("load")
	}
	return doc.Entries, nil
}

// Save writes the entries atomically, replacing the file.
func (b *FileBackend) Save(_ context.Context, entries []Entry) error {
	data, err := yaml.Marshal(fileDocument{Version: fileFormatVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to encode baselines: %w", err)
	}
	if err := atomicwriter.WriteFile(b.path, data, 0o600); err != nil {
		return engine.NewTransientError("failed to write baselines", err).WithDetail("path", b.path)
	}
	return nil
}

// Clear removes the baseline file.
func (b *FileBackend) Clear(context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove baselines: %w", err)
	}
	return nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }
