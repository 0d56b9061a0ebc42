package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/redis/go-redis/v9"
)

// SnapshotStore keeps the latest snapshot of each session so state survives
// the live instance.
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) (dialogue.Snapshot, error)
	Save(ctx context.Context, sessionID string, snap dialogue.Snapshot) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]dialogue.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]dialogue.Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (dialogue.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sessionID]
	if !ok {
		return dialogue.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, snap dialogue.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[sessionID] = snap
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}

const (
	defaultRedisPrefix = "loqa-dialogue"
	defaultRedisTTL    = 24 * time.Hour
)

// RedisStore keeps snapshots as JSON under <prefix>:session:<id>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiry of stored snapshots. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultRedisTTL,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (dialogue.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dialogue.Snapshot{}, ErrNotFound
		}
		return dialogue.Snapshot{}, fmt.Errorf("redis get failed: %w", err)
	}
	var snap dialogue.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return dialogue.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, snap dialogue.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}
