package orthanc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/ohif-cache/telemetry"
)

const (
	// DefaultPollInterval is how often the change log is polled.
	DefaultPollInterval = 2 * time.Second

	// DefaultChangesLimit is the page size used when reading the change log.
	DefaultChangesLimit = 100
)

// ChangeSource reads the Orthanc change log.
type ChangeSource interface {
	Changes(ctx context.Context, since int64, limit int) (*ChangeList, error)
	LastChange(ctx context.Context) (int64, error)
}

// InstanceHandler is called with the Orthanc identifier of every new
// instance. It must not block.
type InstanceHandler func(instanceID string)

// ChangeWatcher follows the Orthanc change log and reports new instances.
type ChangeWatcher struct {
	source   ChangeSource
	handler  InstanceHandler
	interval time.Duration
	limit    int
	logger   *slog.Logger

	since   atomic.Int64
	started bool
}

// ChangeWatcherOption configures a ChangeWatcher.
type ChangeWatcherOption func(*ChangeWatcher)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) ChangeWatcherOption {
	return func(w *ChangeWatcher) {
		w.interval = d
	}
}

// WithChangesLimit sets the page size.
func WithChangesLimit(n int) ChangeWatcherOption {
	return func(w *ChangeWatcher) {
		w.limit = n
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) ChangeWatcherOption {
	return func(w *ChangeWatcher) {
		w.logger = logger
	}
}

// WithSince starts following the log after the given sequence number instead
// of the current end of the log.
func WithSince(seq int64) ChangeWatcherOption {
	return func(w *ChangeWatcher) {
		w.since.Store(seq)
		w.started = true
	}
}

// NewChangeWatcher creates a watcher that calls handler for every
// NewInstance change.
func NewChangeWatcher(source ChangeSource, handler InstanceHandler, opts ...ChangeWatcherOption) *ChangeWatcher {
	w := &ChangeWatcher{
		source:   source,
		handler:  handler,
		interval: DefaultPollInterval,
		limit:    DefaultChangesLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "change-watcher")
	return w
}

// Run polls the change log until ctx is cancelled. Without WithSince, only
// changes recorded after Run starts are reported.
func (w *ChangeWatcher) Run(ctx context.Context) error {
	if !w.started {
		last, err := w.source.LastChange(ctx)
		if err != nil {
			return fmt.Errorf("reading last change: %w", err)
		}
		w.since.Store(last)
		w.started = true
	}

	w.logger.Info("change watcher started", "since", w.since.Load(), "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("change watcher stopped", "since", w.since.Load())
			return nil
		case <-ticker.C:
			if _, err := w.PollNow(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("polling changes failed", "error", err)
			}
		}
	}
}

// PollNow reads every pending page of the change log and returns the number
// of new instances reported.
func (w *ChangeWatcher) PollNow(ctx context.Context) (int, error) {
	reported := 0
	for {
		since := w.since.Load()
		list, err := w.source.Changes(ctx, since, w.limit)
		if err != nil {
			return reported, err
		}

		// The log restarts when the Orthanc database is recreated.
		if list.Last < since {
			w.logger.Warn("change log went backwards, resetting", "since", since, "last", list.Last)
			w.since.Store(list.Last)
			return reported, nil
		}

		for _, change := range list.Changes {
			telemetry.RecordChange(ctx, change.ChangeType)
			if change.ChangeType == ChangeNewInstance {
				w.handler(change.ID)
				reported++
			}
		}
		w.since.Store(list.Last)

		if list.Done || len(list.Changes) == 0 {
			return reported, nil
		}
	}
}

// Since returns the sequence number of the last change consumed.
func (w *ChangeWatcher) Since() int64 {
	return w.since.Load()
}
