package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// getOnly implements Backend without Lister.
type getOnly struct{ Backend }

func TestInstrumentedBackend_Delegates(t *testing.T) {
	mem := NewMemory()
	ib := NewInstrumentedBackend(mem, "memory")
	ctx := context.Background()

	require.NoError(t, ib.Put(ctx, "k", []byte("v")))

	got, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))

	got, err = ib.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))

	require.Equal(t, mem, ib.Unwrap())
	require.Equal(t, "memory", ib.Name())
}

func TestInstrumentedBackend_GetNotFound(t *testing.T) {
	ib := NewInstrumentedBackend(NewMemory(), "memory")

	_, err := ib.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ListUnsupported(t *testing.T) {
	ib := NewInstrumentedBackend(getOnly{NewMemory()}, "custom")

	_, err := ib.List(context.Background(), "")
	require.ErrorIs(t, err, ErrNotListable)
}

func TestCanList(t *testing.T) {
	require.True(t, CanList(NewMemory()))
	require.True(t, CanList(NewInstrumentedBackend(NewMemory(), "memory")))
	require.False(t, CanList(getOnly{NewMemory()}))
	require.False(t, CanList(NewInstrumentedBackend(getOnly{NewMemory()}, "custom")))
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(errors.Join(errors.New("wrapped"), ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
