package redisstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"linebot/internal/domain"
	"linebot/internal/store"
)

// newTestStore connects to REDIS_URL under a throwaway prefix.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts = append([]Option{WithPrefix("linebot-test:" + uuid.NewString() + ":")}, opts...)
	s, err := Dial(context.Background(), url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id string, at time.Time) domain.QueueEntry {
	return domain.QueueEntry{ID: id, EnqueuedAt: at, Kind: domain.KindMessage, Event: json.RawMessage(`{"type":"message"}`)}
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestQueue_FIFOAndEmptyAfterDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, entry(id, now)))
	}

	got, err := s.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "c", got[2].ID)

	got, err = s.DrainAll(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueue_ConcurrentEnqueueLosesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Enqueue(ctx, entry(uuid.NewString(), time.Now())))
		}()
	}
	wg.Wait()

	got, err := s.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 50)
}

func TestQueue_DropsEntriesOlderThanTTL(t *testing.T) {
	s := newTestStore(t, WithQueueTTL(time.Minute))
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, entry("stale", time.Now().Add(-2*time.Minute))))
	require.NoError(t, s.Enqueue(ctx, entry("fresh", time.Now())))

	got, err := s.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "fresh", got[0].ID)
}

func TestState_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetState(ctx, "U1")
	require.ErrorIs(t, err, store.ErrNotFound)

	st, err := s.SetState(ctx, domain.ConversationState{UserID: "U1", Step: domain.StepAwaitingAmount, Data: map[string]any{domain.DataBranch: "KSQ"}}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Version)

	_, err = s.SetState(ctx, st, 0)
	require.ErrorIs(t, err, store.ErrConflict)

	next, err := s.SetState(ctx, st.WithData(map[string]any{domain.DataAmount: 500.0}), st.Version)
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Version)

	got, err := s.GetState(ctx, "U1")
	require.NoError(t, err)
	require.Equal(t, "KSQ", got.Branch())
	amount, ok := got.Amount()
	require.True(t, ok)
	require.Equal(t, 500.0, amount)

	require.ErrorIs(t, s.ClearState(ctx, "U1", st.Version), store.ErrConflict)
	require.NoError(t, s.ClearState(ctx, "U1", next.Version))
	_, err = s.GetState(ctx, "U1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.ClearState(ctx, "U1", next.Version))
}

func TestState_ExpiryEnforcedOnRead(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newTestStore(t, WithClock(func() time.Time { return clock() }), WithStateTTL(time.Hour))
	ctx := context.Background()
	_, err := s.SetState(ctx, domain.ConversationState{UserID: "U1", Step: domain.StepAwaitingAmount}, 0)
	require.NoError(t, err)

	later := now.Add(2 * time.Hour)
	clock = func() time.Time { return later }
	_, err = s.GetState(ctx, "U1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLease_HeldByOtherHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "drain", "a", time.Minute))
	require.NoError(t, s.Acquire(ctx, "drain", "a", time.Minute))
	require.ErrorIs(t, s.Acquire(ctx, "drain", "b", time.Minute), store.ErrLeaseHeld)

	require.NoError(t, s.Release(ctx, "drain", "b"))
	require.ErrorIs(t, s.Acquire(ctx, "drain", "b", time.Minute), store.ErrLeaseHeld)

	require.NoError(t, s.Release(ctx, "drain", "a"))
	require.NoError(t, s.Acquire(ctx, "drain", "b", time.Minute))
}
