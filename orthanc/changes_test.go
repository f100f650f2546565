package orthanc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLog is an in-memory change log.
type fakeLog struct {
	mu      sync.Mutex
	changes []Change
	calls   int
}

func (f *fakeLog) add(changeType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, Change{Seq: int64(len(f.changes) + 1), ChangeType: changeType, ID: id})
}

func (f *fakeLog) Changes(_ context.Context, since int64, limit int) (*ChangeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	list := &ChangeList{Last: since, Done: true}
	for _, c := range f.changes {
		if c.Seq <= since {
			continue
		}
		if len(list.Changes) == limit {
			list.Done = false
			break
		}
		list.Changes = append(list.Changes, c)
		list.Last = c.Seq
	}
	return list, nil
}

func (f *fakeLog) LastChange(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.changes)), nil
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestChangeWatcher_PollNowPages(t *testing.T) {
	log := &fakeLog{}
	for _, id := range []string{"i-1", "i-2", "i-3", "i-4", "i-5"} {
		log.add(ChangeNewInstance, id)
	}
	log.add(ChangeStableStudy, "s-1")

	rec := &recorder{}
	w := NewChangeWatcher(log, rec.handle, WithSince(0), WithChangesLimit(2))

	n, err := w.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"i-1", "i-2", "i-3", "i-4", "i-5"}, rec.seen())
	assert.EqualValues(t, 6, w.Since())
	assert.Equal(t, 3, log.calls)

	// Nothing new
	n, err = w.PollNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChangeWatcher_ResetsWhenLogGoesBackwards(t *testing.T) {
	log := &shrinkingLog{fakeLog: &fakeLog{}, last: 1}

	rec := &recorder{}
	w := NewChangeWatcher(log, rec.handle, WithSince(101))

	n, err := w.PollNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.seen())
	assert.EqualValues(t, 1, w.Since())
}

// shrinkingLog reports a fixed Last below any cursor.
type shrinkingLog struct {
	*fakeLog
	last int64
}

func (s *shrinkingLog) Changes(_ context.Context, _ int64, _ int) (*ChangeList, error) {
	return &ChangeList{Done: true, Last: s.last}, nil
}

func TestChangeWatcher_RunStartsAtEndOfLog(t *testing.T) {
	log := &fakeLog{}
	log.add(ChangeNewInstance, "old")

	rec := &recorder{}
	w := NewChangeWatcher(log, rec.handle, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Since() == 1 }, time.Second, 5*time.Millisecond)
	log.add(ChangeNewInstance, "new")

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new"}, rec.seen())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
