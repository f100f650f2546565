package preload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/ohif-cache/telemetry"
)

// State is the lifecycle state of a Worker.
type State int32

const (
	Stopped State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Warmer stores the metadata of an instance if it is not cached yet.
type Warmer interface {
	Warm(ctx context.Context, instanceID string) (computed bool, err error)
}

// Worker drains the queue and warms the cache for each instance. Failures
// are logged and counted, never retried.
type Worker struct {
	warmer  Warmer
	queue   *Queue
	timeout time.Duration
	enabled bool
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithQueue sets the queue. Defaults to a queue of DefaultQueueSize.
func WithQueue(q *Queue) Option {
	return func(w *Worker) {
		w.queue = q
	}
}

// WithDequeueTimeout sets how long the worker blocks waiting for work.
func WithDequeueTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.timeout = d
	}
}

// WithEnabled turns preloading on or off. A disabled worker never starts.
func WithEnabled(enabled bool) Option {
	return func(w *Worker) {
		w.enabled = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a stopped worker.
func NewWorker(warmer Warmer, opts ...Option) *Worker {
	w := &Worker{
		warmer:  warmer,
		timeout: DefaultDequeueTimeout,
		enabled: true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.queue == nil {
		w.queue = NewQueue(DefaultQueueSize)
	}
	if w.timeout <= 0 {
		w.timeout = DefaultDequeueTimeout
	}
	w.logger = w.logger.With("component", "preload")
	return w
}

// Start launches the consumer goroutine. It does nothing when the worker is
// disabled or not stopped.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled || w.state != Stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.state = Running

	go w.run(ctx, w.doneCh)
	w.logger.Info("preload worker started", "queue_size", w.queue.Cap())
}

// Stop cancels the consumer and waits for it to exit. Pending ids are
// discarded.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return
	}
	w.state = Draining
	cancel, done := w.cancel, w.doneCh
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.state = Stopped
	w.cancel = nil
	w.doneCh = nil
	w.mu.Unlock()

	w.logger.Info("preload worker stopped", "pending", w.queue.Len())
}

// Notify queues an instance for preloading. It never blocks and returns
// false when the worker is not running or the queue is full.
func (w *Worker) Notify(ctx context.Context, instanceID string) bool {
	if w.State() != Running {
		return false
	}

	accepted := w.queue.Enqueue(instanceID)
	telemetry.RecordPreloadEnqueue(ctx, accepted, w.queue.Len())
	if !accepted {
		w.logger.Warn("preload queue full, dropping instance", "instance", instanceID)
	}
	return accepted
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the number of queued ids.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// run consumes the queue until ctx is cancelled. Warm returns only once
// its store write is done, so no write outlives run.
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		// The parent context ended without Stop.
		w.mu.Lock()
		if w.state == Running {
			w.state = Stopped
			w.cancel()
			w.cancel = nil
			w.doneCh = nil
			w.logger.Info("preload worker stopped, context done", "pending", w.queue.Len())
		}
		w.mu.Unlock()
	}()

	for ctx.Err() == nil {
		id, ok := w.queue.Dequeue(ctx, w.timeout)
		if !ok {
			continue
		}
		w.process(ctx, id)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	start := time.Now()
	computed, err := w.warmer.Warm(ctx, id)

	outcome := "cached"
	switch {
	case err != nil:
		outcome = "error"
		if ctx.Err() == nil {
			w.logger.Warn("preloading instance failed", "instance", id, "error", err)
		}
	case computed:
		outcome = "computed"
		w.logger.Debug("preloaded instance", "instance", id, "duration", time.Since(start))
	}
	telemetry.RecordPreloadProcessed(ctx, outcome, w.queue.Len())
}
