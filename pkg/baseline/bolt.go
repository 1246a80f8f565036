package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/openfroyo/converge/pkg/engine"
)

var baselineBucket = []byte("baselines")

// BoltBackend persists entries in a bbolt database, one key per (resource, kind).
type BoltBackend struct {
	db      *bolt.DB
	path    string
	timeout time.Duration
}

// NewBoltBackend creates a backend for the database at path.
func NewBoltBackend(path string) *BoltBackend {
	return &BoltBackend{path: path, timeout: time.Second}
}

func boltKey(k Key) []byte {
	return []byte(k.Resource + "\x00" + k.Kind)
}

// Init opens the database and creates the bucket.
func (b *BoltBackend) Init(context.Context) error {
	if b.path == "" {
		return engine.NewConfigurationError("baseline database path is required", nil).WithOperation("init")
	}
	if b.db != nil {
		return nil
	}

	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: b.timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return engine.NewTransientError("baseline database is locked by another process", err).
				WithCode(engine.ErrCodeTimeout)
		}
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(baselineBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	b.db = db
	return nil
}

// Load returns every persisted entry in key order.
func (b *BoltBackend) Load(context.Context) ([]Entry, error) {
	if b.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(baselineBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt baseline %q: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Save replaces the bucket contents in one write transaction.
func (b *BoltBackend) Save(_ context.Context, entries []Entry) error {
	if b.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(baselineBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(baselineBucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bucket.Put(boltKey(e.Key()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear empties the bucket.
func (b *BoltBackend) Clear(ctx context.Context) error {
	return b.Save(ctx, nil)
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
