package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
)

// RedisStore backs FreeList with a Redis SET and BorrowedSet with a Redis
// HASH, the way services/bookkeeper/cache.BalanceCacheImp in the teacher
// wraps a *redis.Client with domain-shaped methods. Key names are
// configurable (§6: "MUST be configurable to avoid collisions when
// sharing Redis").
type RedisStore struct {
	client      *redis.Client
	freelistKey string
	borrowedKey string
	ownerKey    string
}

// Option configures a RedisStore at construction time.
type Option func(*RedisStore)

// WithFreelistKey overrides the default freelist set key.
func WithFreelistKey(key string) Option {
	return func(s *RedisStore) { s.freelistKey = key }
}

// WithBorrowedKey overrides the default borrowed-set hash key.
func WithBorrowedKey(key string) Option {
	return func(s *RedisStore) { s.borrowedKey = key }
}

// WithOwnerKey overrides the default owner-attribution hash key.
func WithOwnerKey(key string) Option {
	return func(s *RedisStore) { s.ownerKey = key }
}

// New builds a RedisStore over an existing client.
func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:      client,
		freelistKey: "pool:freelist",
		borrowedKey: "pool:borrowed",
		ownerKey:    "pool:borrowed:owner",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) FreelistAdd(ctx context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return fmt.Errorf("canonicalize item: %w", err)
	}
	return s.client.SAdd(ctx, s.freelistKey, member).Err()
}

func (s *RedisStore) FreelistPopOne(ctx context.Context) (pool.Item, error) {
	raw, err := s.client.SPop(ctx, s.freelistKey).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, ErrEmpty
	}
	return pool.Item(raw), nil
}

func (s *RedisStore) FreelistContains(ctx context.Context, item pool.Item) (bool, error) {
	member, err := item.Canonical()
	if err != nil {
		return false, err
	}
	return s.client.SIsMember(ctx, s.freelistKey, member).Result()
}

func (s *RedisStore) FreelistList(ctx context.Context) ([]pool.Item, error) {
	members, err := s.client.SMembers(ctx, s.freelistKey).Result()
	if err != nil {
		return nil, err
	}
	items := make([]pool.Item, 0, len(members))
	for _, m := range members {
		items = append(items, pool.Item(m))
	}
	return items, nil
}

func (s *RedisStore) FreelistCount(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.freelistKey).Result()
}

func (s *RedisStore) BorrowRecord(ctx context.Context, item pool.Item, token, owner string) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.borrowedKey, member, token).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyBorrowed
	}
	if owner != "" {
		// Best-effort attribution, not part of the borrow's atomicity
		// guarantee: a failure here never unwinds the borrow itself.
		s.client.HSet(ctx, s.ownerKey, member, owner)
	}
	return nil
}

// compareAndDeleteScript atomically compares the stored token for a hash
// field against the supplied one and deletes the field only on a match.
// HSETNX/HDEL alone cannot express "delete iff value equals X" atomically;
// a short server-side script is the standard go-redis answer to that gap.
const compareAndDeleteScript = `
local stored = redis.call('HGET', KEYS[1], ARGV[1])
if stored == false then
  return 0
end
if stored == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 1
end
return -1
`

func (s *RedisStore) BorrowRemove(ctx context.Context, item pool.Item, token string) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	res, err := s.client.Eval(ctx, compareAndDeleteScript, []string{s.borrowedKey}, member, token).Result()
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	if n != 1 {
		return ErrUnknownToken
	}
	s.client.HDel(ctx, s.ownerKey, member)
	return nil
}

func (s *RedisStore) BorrowCount(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.borrowedKey).Result()
}

func (s *RedisStore) BorrowList(ctx context.Context) ([]BorrowedEntry, error) {
	all, err := s.client.HGetAll(ctx, s.borrowedKey).Result()
	if err != nil {
		return nil, err
	}
	owners, err := s.client.HGetAll(ctx, s.ownerKey).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]BorrowedEntry, 0, len(all))
	for member, token := range all {
		entries = append(entries, BorrowedEntry{Item: pool.Item(member), Token: token, Owner: owners[member]})
	}
	return entries, nil
}

func (s *RedisStore) DeleteItem(ctx context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	n, err := s.client.SRem(ctx, s.freelistKey, member).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) DeleteBorrowed(ctx context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	n, err := s.client.HDel(ctx, s.borrowedKey, member).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.client.HDel(ctx, s.ownerKey, member)
	return nil
}

// forceReturnScript deletes the borrowed-set entry and adds the item to
// the freelist in one round trip, regardless of token. Returns 0 if the
// item was not a member of the borrowed-set.
const forceReturnScript = `
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`

func (s *RedisStore) ForceReturn(ctx context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	res, err := s.client.Eval(ctx, forceReturnScript, []string{s.borrowedKey, s.freelistKey}, member).Result()
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	if n != 1 {
		return ErrNotFound
	}
	s.client.HDel(ctx, s.ownerKey, member)
	return nil
}
