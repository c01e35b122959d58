// Package redisstore is a store.Backend on Redis.
//
// The queue is a list: producers RPUSH, the drainer reads and deletes the list
// in one MULTI block, so an entry pushed concurrently lands either in this
// drain or in the next one. Conversation state is a JSON string guarded by
// WATCH, and leases are plain keys with a PX expiry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"linebot/internal/domain"
	"linebot/internal/store"
)

const (
	keyQueue = "queue"
	// DefaultPrefix namespaces every key this backend writes.
	DefaultPrefix = "linebot:"
)

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store implements store.Backend.
type Store struct {
	rdb      redis.UniversalClient
	prefix   string
	now      func() time.Time
	queueTTL time.Duration
	stateTTL time.Duration
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithQueueTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.queueTTL = ttl
		}
	}
}

func WithStateTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.stateTTL = ttl
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redisstore: client must not be nil")
	}
	s := &Store{
		rdb:      rdb,
		prefix:   DefaultPrefix,
		now:      time.Now,
		queueTTL: store.DefaultQueueTTL,
		stateTTL: store.DefaultStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	ropts.MaxRetries = 3

	rdb := redis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(rdb, opts...)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisstore: Enqueue marshal: %w", err)
	}
	k := s.key(keyQueue)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, k, payload)
		p.Expire(ctx, k, s.queueTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: Enqueue: %w", err)
	}
	return nil
}

// DrainAll atomically takes the whole list. Entries older than the queue TTL
// are dropped; undecodable ones are reported in the joined error.
func (s *Store) DrainAll(ctx context.Context) ([]domain.QueueEntry, error) {
	k := s.key(keyQueue)
	var lrange *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		lrange = p.LRange(ctx, k, 0, -1)
		p.Del(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisstore: DrainAll: %w", err)
	}
	now := s.now()
	raw := lrange.Val()
	out := make([]domain.QueueEntry, 0, len(raw))
	var errs []error
	for i, item := range raw {
		var entry domain.QueueEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			errs = append(errs, fmt.Errorf("redisstore: DrainAll decode %d: %w", i, err))
			continue
		}
		if !entry.EnqueuedAt.IsZero() && !now.Before(entry.EnqueuedAt.Add(s.queueTTL)) {
			continue
		}
		out = append(out, entry)
	}
	return out, errors.Join(errs...)
}

func (s *Store) GetState(ctx context.Context, userID string) (domain.ConversationState, error) {
	st, ok, err := s.readState(ctx, s.rdb, userID)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("redisstore: GetState: %w", err)
	}
	if !ok {
		return domain.ConversationState{}, store.ErrNotFound
	}
	return st, nil
}

// SetState writes under WATCH; a concurrent writer aborts the transaction and
// surfaces as store.ErrConflict.
func (s *Store) SetState(ctx context.Context, state domain.ConversationState, expectedVersion int64) (domain.ConversationState, error) {
	if state.UserID == "" {
		return domain.ConversationState{}, errors.New("redisstore: SetState: user id is required")
	}
	now := s.now()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.stateTTL)
	payload, err := json.Marshal(state)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("redisstore: SetState marshal: %w", err)
	}

	k := s.key(store.StateKey(state.UserID))
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, ok, err := s.readState(ctx, tx, state.UserID)
		if err != nil {
			return err
		}
		var version int64
		if ok {
			version = current.Version
		}
		if version != expectedVersion {
			return store.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, payload, s.stateTTL)
			return nil
		})
		return err
	}, k)
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return domain.ConversationState{}, store.ErrConflict
	case err != nil:
		return domain.ConversationState{}, fmt.Errorf("redisstore: SetState: %w", err)
	}
	return state, nil
}

// ClearState deletes the state under WATCH if it still has expectedVersion.
// A missing state counts as already cleared.
func (s *Store) ClearState(ctx context.Context, userID string, expectedVersion int64) error {
	k := s.key(store.StateKey(userID))
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, ok, err := s.readState(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if current.Version != expectedVersion {
			return store.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return store.ErrConflict
	case err != nil:
		return fmt.Errorf("redisstore: ClearState: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, s.rdb, []string{s.key(store.LeaseKey(name))}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redisstore: Acquire %s: %w", name, err)
	}
	if ok == 0 {
		return store.ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if holder still owns it. An empty holder releases unconditionally.
func (s *Store) Release(ctx context.Context, name, holder string) error {
	k := s.key(store.LeaseKey(name))
	var err error
	if holder == "" {
		err = s.rdb.Del(ctx, k).Err()
	} else {
		err = releaseScript.Run(ctx, s.rdb, []string{k}, holder).Err()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: Release %s: %w", name, err)
	}
	return nil
}

func (s *Store) readState(ctx context.Context, c redis.Cmdable, userID string) (domain.ConversationState, bool, error) {
	raw, err := c.Get(ctx, s.key(store.StateKey(userID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ConversationState{}, false, nil
	}
	if err != nil {
		return domain.ConversationState{}, false, err
	}
	var st domain.ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("decode state: %w", err)
	}
	if st.Expired(s.now()) {
		return domain.ConversationState{}, false, nil
	}
	return st, true, nil
}

var _ store.Backend = (*Store)(nil)
