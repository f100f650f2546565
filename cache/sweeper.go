package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/wolfeidau/ohif-cache/backend"
	"github.com/wolfeidau/ohif-cache/telemetry"
)

// DefaultSweepInterval is how often the sweeper scans the store.
const DefaultSweepInterval = time.Hour

// Sweeper periodically deletes entries that are corrupt or carry another
// format version. It needs a store that can list its keys.
type Sweeper struct {
	store    backend.Backend
	lister   backend.Lister
	codec    *Codec
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the scan interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper over the store of c. It fails with
// backend.ErrNotListable when the store cannot list its keys.
func NewSweeper(c *Cache, opts ...SweeperOption) (*Sweeper, error) {
	if !backend.CanList(c.store) {
		return nil, backend.ErrNotListable
	}
	lister, ok := c.store.(backend.Lister)
	if !ok {
		return nil, backend.ErrNotListable
	}

	s := &Sweeper{
		store:    c.store,
		lister:   lister,
		codec:    c.codec,
		interval: DefaultSweepInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	s.logger = s.logger.With("component", "sweeper")
	return s, nil
}

// SweepResult contains the results of one sweep.
type SweepResult struct {
	Scanned int
	Corrupt int
	Stale   int
	// Rewritten counts invalid entries replaced or removed by someone else
	// before the sweeper could delete them.
	Rewritten int
	Errors    int
	Duration  time.Duration
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepNow(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepNow performs a single pass over the store.
func (s *Sweeper) SweepNow(ctx context.Context) (*SweepResult, error) {
	start := s.now()
	result := &SweepResult{}

	keys, err := s.lister.List(ctx, "instances/")
	if err != nil {
		return result, fmt.Errorf("listing cache entries: %w", err)
	}

	suffix := fmt.Sprintf("/metadata/%d", MetadataSlot)
	for _, key := range keys {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		result.Scanned++

		payload, err := s.store.Get(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("reading cache entry failed", "key", key, "error", err)
			result.Errors++
			continue
		}

		m, err := s.codec.DecodePayload(payload)
		corrupt := err != nil
		if !corrupt && m.Current() {
			continue
		}

		// A concurrent Get or Warm may have rewritten the entry since it was
		// read. The window between this read and the delete remains; a lost
		// fresh entry is recomputed on the next lookup.
		if again, err := s.store.Get(ctx, key); err != nil || !bytes.Equal(again, payload) {
			result.Rewritten++
			continue
		}

		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("deleting cache entry failed", "key", key, "error", err)
			result.Errors++
			continue
		}
		if corrupt {
			result.Corrupt++
		} else {
			result.Stale++
		}
	}

	result.Duration = s.now().Sub(start)
	telemetry.RecordSweeperCycle(ctx, result.Corrupt, result.Stale, result.Duration)

	if result.Corrupt > 0 || result.Stale > 0 {
		s.logger.Info("sweep complete",
			"scanned", result.Scanned,
			"corrupt", result.Corrupt,
			"stale", result.Stale,
			"rewritten", result.Rewritten,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("sweep complete, nothing to delete", "scanned", result.Scanned)
	}

	return result, nil
}
