// Package cache keeps the typed tags of each instance in a key/value store,
// recomputing them from the upstream raw tags when the stored entry is
// missing, corrupt or written by another format version.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/wolfeidau/ohif-cache/backend"
	"github.com/wolfeidau/ohif-cache/dicom"
	"github.com/wolfeidau/ohif-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Upstream provides the raw tags of an instance. Unknown instances are
// reported with an error carrying errors.CodeNotFound.
type Upstream interface {
	FetchRawTags(ctx context.Context, instanceID string) (dicom.RawTags, error)
}

// Cache returns instance metadata from the store, computing it on a miss.
type Cache struct {
	upstream Upstream
	store    backend.Backend
	schema   *dicom.Schema
	codec    *Codec
	ownCodec bool
	group    singleflight.Group
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithSchema sets the tag schema. Defaults to dicom.MustDefaultSchema.
func WithSchema(schema *dicom.Schema) Option {
	return func(c *Cache) {
		c.schema = schema
	}
}

// WithCodec sets the payload codec. The caller keeps ownership.
func WithCodec(codec *Codec) Option {
	return func(c *Cache) {
		c.codec = codec
	}
}

// New creates a cache reading tags from upstream and storing entries in
// store.
func New(upstream Upstream, store backend.Backend, opts ...Option) (*Cache, error) {
	c := &Cache{
		upstream: upstream,
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.schema == nil {
		c.schema = dicom.MustDefaultSchema()
	}
	if c.codec == nil {
		codec, err := NewCodec(CompressionGzip)
		if err != nil {
			return nil, err
		}
		c.codec = codec
		c.ownCodec = true
	}
	c.logger = c.logger.With("component", "metadata-cache")
	return c, nil
}

// Close waits for recomputations still writing to the store, then releases
// the codec if the cache created it. Close the cache before its store.
func (c *Cache) Close() {
	c.inflight.Wait()
	if c.ownCodec {
		c.codec.Close()
	}
}

// Schema returns the tag schema in use.
func (c *Cache) Schema() *dicom.Schema {
	return c.schema
}

// Get returns the metadata of an instance. A current cache entry is returned
// as is; otherwise the entry is purged, recomputed and written back. The
// returned value may be shared between callers and must not be modified.
func (c *Cache) Get(ctx context.Context, instanceID string) (*Metadata, error) {
	if instanceID == "" {
		return nil, errors.New(errors.CodeInvalidInput, "empty instance id")
	}

	m, result := c.lookup(ctx, instanceID)
	telemetry.RecordCacheLookup(ctx, result)
	telemetry.MarkCacheResult(ctx, result)
	if m != nil {
		return m, nil
	}

	return c.recompute(ctx, instanceID, result != telemetry.CacheMiss)
}

// Warm makes sure a current entry is stored for the instance. computed
// reports whether it had to be recomputed. Unlike Get, the recomputation
// runs on ctx and has finished, store write included, when Warm returns.
func (c *Cache) Warm(ctx context.Context, instanceID string) (computed bool, err error) {
	if instanceID == "" {
		return false, errors.New(errors.CodeInvalidInput, "empty instance id")
	}

	m, result := c.lookup(ctx, instanceID)
	telemetry.RecordCacheLookup(ctx, result)
	if m != nil {
		return false, nil
	}

	purge := result != telemetry.CacheMiss
	_, err, _ = c.group.Do(instanceID, func() (any, error) {
		return c.track(ctx, instanceID, purge)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// lookup reads and validates the stored entry. It returns the metadata only
// on a hit.
func (c *Cache) lookup(ctx context.Context, instanceID string) (*Metadata, telemetry.CacheResult) {
	payload, err := c.store.Get(ctx, Key(instanceID))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, telemetry.CacheMiss
	}
	if err != nil {
		c.logger.WarnContext(ctx, "reading cache entry failed", "instance", instanceID, "error", err)
		return nil, telemetry.CacheMiss
	}

	m, err := c.codec.DecodePayload(payload)
	if err != nil {
		c.logger.DebugContext(ctx, "corrupt cache entry", "instance", instanceID, "error", err)
		return nil, telemetry.CacheCorrupt
	}
	if !m.Current() {
		c.logger.DebugContext(ctx, "stale cache entry", "instance", instanceID, "version", m.Version)
		return nil, telemetry.CacheStale
	}
	return m, telemetry.CacheHit
}

// recompute collapses concurrent recomputations of the same instance. The
// work runs on a detached context so one caller giving up does not cancel
// it for the others.
func (c *Cache) recompute(ctx context.Context, instanceID string, purge bool) (*Metadata, error) {
	ch := c.group.DoChan(instanceID, func() (any, error) {
		return c.track(context.WithoutCancel(ctx), instanceID, purge)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Metadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// track runs compute as an in-flight recomputation Close waits for.
func (c *Cache) track(ctx context.Context, instanceID string, purge bool) (*Metadata, error) {
	c.inflight.Add(1)
	defer c.inflight.Done()
	return c.compute(ctx, instanceID, purge)
}

func (c *Cache) compute(ctx context.Context, instanceID string, purge bool) (*Metadata, error) {
	start := time.Now()
	key := Key(instanceID)

	if purge {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.DebugContext(ctx, "purging cache entry failed", "instance", instanceID, "error", err)
		}
	}

	raw, err := c.upstream.FetchRawTags(ctx, instanceID)
	if err != nil {
		outcome := "error"
		if errors.GetCode(err) == errors.CodeNotFound {
			outcome = "not_found"
		}
		telemetry.RecordRecompute(ctx, outcome, time.Since(start))
		return nil, fmt.Errorf("fetching tags of instance %s: %w", instanceID, err)
	}

	m := &Metadata{
		Version: FormatVersion,
		Tags:    dicom.EncodeInstance(c.schema, raw),
	}

	payload, err := c.codec.EncodePayload(m)
	if err != nil {
		telemetry.RecordRecompute(ctx, "error", time.Since(start))
		return nil, errors.Wrapf(err, errors.CodeInternal, "encoding metadata of instance %s", instanceID)
	}

	// The computed value is still served when it cannot be stored.
	if err := c.store.Put(ctx, key, payload); err != nil {
		c.logger.WarnContext(ctx, "storing cache entry failed", "instance", instanceID, "error", err)
	}

	telemetry.RecordRecompute(ctx, "success", time.Since(start))
	c.logger.DebugContext(ctx, "computed instance metadata",
		"instance", instanceID,
		"tags", len(m.Tags),
		"duration", time.Since(start),
	)
	return m, nil
}
