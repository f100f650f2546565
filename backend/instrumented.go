package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/ohif-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := ib.backend.Get(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (ib *InstrumentedBackend) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := ib.backend.Put(ctx, key, value)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

// List delegates to the underlying backend if it implements Lister.
func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	l, ok := ib.backend.(Lister)
	if !ok {
		return nil, ErrNotListable
	}
	start := time.Now()
	keys, err := l.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

// Name returns the driver name used in metrics.
func (ib *InstrumentedBackend) Name() string {
	return ib.name
}

// ErrNotListable is returned by List when the wrapped backend cannot
// enumerate its keys.
var ErrNotListable = errors.New("backend does not support listing")

// CanList reports whether b can enumerate its keys, looking through
// instrumentation wrappers.
func CanList(b Backend) bool {
	for {
		switch v := b.(type) {
		case *InstrumentedBackend:
			b = v.Unwrap()
		case Lister:
			return true
		default:
			return false
		}
	}
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ ListingBackend = (*InstrumentedBackend)(nil)
