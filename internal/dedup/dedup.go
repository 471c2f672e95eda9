// Package dedup decides whether a detection finding was already reported
// within a suppression window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper reports whether a key is seen for the first time in its window.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Key builds the dedup key of a finding.
func Key(agentID, ruleID, fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return agentID + ":" + ruleID + ":" + hex.EncodeToString(sum[:12])
}

// Noop never suppresses.
type Noop struct{}

// FirstSeen always returns true.
func (Noop) FirstSeen(context.Context, string) (bool, error) { return true, nil }

// Memory keeps keys in a process-local map.
type Memory struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
	ops  int
}

// NewMemory returns an in-memory deduper with the given window.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// FirstSeen records key and reports whether it was absent or expired.
func (m *Memory) FirstSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.ops++
	if m.ops%1024 == 0 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	return true, nil
}

// RedisConfig configures the Redis deduper.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis shares suppression state between server replicas with SET NX EX.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis dedup: %w", err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = "siem:dedup"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// FirstSeen sets the key if absent; true means this call set it.
func (r *Redis) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+":"+key, 1, r.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
