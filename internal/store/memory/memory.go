// Package memory is an in-process store backend for tests and single-process runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"linebot/internal/domain"
	"linebot/internal/store"
)

type queued struct {
	key     string
	entry   domain.QueueEntry
	expires time.Time
}

type lease struct {
	holder  string
	expires time.Time
}

// Store implements store.Backend with mutex-guarded maps.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	queueTTL time.Duration
	stateTTL time.Duration

	queue  []queued
	states map[string]domain.ConversationState
	leases map[string]lease
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithStateTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.stateTTL = ttl
		}
	}
}

func WithQueueTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.queueTTL = ttl
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		queueTTL: store.DefaultQueueTTL,
		stateTTL: store.DefaultStateTTL,
		states:   map[string]domain.ConversationState{},
		leases:   map[string]lease{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Enqueue(_ context.Context, entry domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := queued{
		key:     store.QueueSortKey(entry.EnqueuedAt, entry.ID),
		entry:   entry,
		expires: s.now().Add(s.queueTTL),
	}
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].key > q.key })
	s.queue = append(s.queue, queued{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = q
	return nil
}

func (s *Store) DrainAll(_ context.Context) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]domain.QueueEntry, 0, len(s.queue))
	for _, q := range s.queue {
		if now.Before(q.expires) {
			out = append(out, q.entry)
		}
	}
	s.queue = nil
	return out, nil
}

// Len returns the number of queued entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Store) GetState(_ context.Context, userID string) (domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.liveState(userID)
	if !ok {
		return domain.ConversationState{}, store.ErrNotFound
	}
	return cloneState(st), nil
}

func (s *Store) SetState(_ context.Context, state domain.ConversationState, expectedVersion int64) (domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if st, ok := s.liveState(state.UserID); ok {
		current = st.Version
	}
	if current != expectedVersion {
		return domain.ConversationState{}, store.ErrConflict
	}
	now := s.now()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.stateTTL)
	s.states[state.UserID] = cloneState(state)
	return cloneState(state), nil
}

func (s *Store) ClearState(_ context.Context, userID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.liveState(userID); ok && st.Version != expectedVersion {
		return store.ErrConflict
	}
	delete(s.states, userID)
	return nil
}

func (s *Store) Acquire(_ context.Context, name, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[name]; ok && now.Before(l.expires) && l.holder != holder {
		return store.ErrLeaseHeld
	}
	s.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (s *Store) Release(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && (holder == "" || l.holder == holder) {
		delete(s.leases, name)
	}
	return nil
}

// Sweep drops expired states, leases and queue entries and returns how many
// conversation states were expired.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	expired := 0
	for id, st := range s.states {
		if st.Expired(now) {
			delete(s.states, id)
			expired++
		}
	}
	for name, l := range s.leases {
		if !now.Before(l.expires) {
			delete(s.leases, name)
		}
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if now.Before(q.expires) {
			kept = append(kept, q)
		}
	}
	s.queue = kept
	return expired
}

func (s *Store) liveState(userID string) (domain.ConversationState, bool) {
	st, ok := s.states[userID]
	if !ok {
		return domain.ConversationState{}, false
	}
	if st.Expired(s.now()) {
		delete(s.states, userID)
		return domain.ConversationState{}, false
	}
	return st, true
}

func cloneState(st domain.ConversationState) domain.ConversationState {
	if st.Data != nil {
		data := make(map[string]any, len(st.Data))
		for k, v := range st.Data {
			data[k] = v
		}
		st.Data = data
	}
	return st
}

var _ store.Backend = (*Store)(nil)
