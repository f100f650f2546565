package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var bucketMetadata = []byte("metadata")

// Bolt implements Backend using a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger for the database.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketMetadata, err)
	}

	b.db = db
	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	return b.db.Close()
}

// Get retrieves the value stored at key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMetadata).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// Copy since val is only valid during the transaction
		data = slices.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores value at key.
func (b *Bolt) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMetadata).Put([]byte(key), value); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete([]byte(key))
	})
}

// Exists checks if key exists.
func (b *Bolt) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketMetadata).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// List returns all keys with the given prefix in byte order.
func (b *Bolt) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMetadata).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

var _ ListingBackend = (*Bolt)(nil)
