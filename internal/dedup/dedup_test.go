package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNoop(t *testing.T) {
	var d Noop
	for i := 0; i < 3; i++ {
		if ok, err := d.FirstSeen(context.Background(), "k"); !ok || err != nil {
			t.Fatalf("Noop.FirstSeen = %v, %v", ok, err)
		}
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if ok, _ := m.FirstSeen(ctx, "a"); !ok {
		t.Fatal("first call should be first seen")
	}
	if ok, _ := m.FirstSeen(ctx, "a"); ok {
		t.Fatal("second call within window should be suppressed")
	}
	if ok, _ := m.FirstSeen(ctx, "b"); !ok {
		t.Fatal("different key should be first seen")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := m.FirstSeen(ctx, "a"); !ok {
		t.Fatal("key should be first seen again after the window")
	}
}

func TestKey(t *testing.T) {
	a := Key("agent-1", "SIEM-NET-001", "net|6|0.0.0.0|4444|/usr/bin/nc")
	b := Key("agent-1", "SIEM-NET-001", "net|6|0.0.0.0|4444|/usr/bin/nc")
	c := Key("agent-2", "SIEM-NET-001", "net|6|0.0.0.0|4444|/usr/bin/nc")
	if a != b {
		t.Error("Key should be deterministic")
	}
	if a == c {
		t.Error("Key should differ per agent")
	}
}

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client, "", ttl), mr
}

func TestRedis_FirstSeen(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t, time.Hour)

	ok, err := r.FirstSeen(ctx, "agent-1:rule:abc")
	if err != nil || !ok {
		t.Fatalf("first FirstSeen = %v, %v", ok, err)
	}
	ok, err = r.FirstSeen(ctx, "agent-1:rule:abc")
	if err != nil || ok {
		t.Fatalf("second FirstSeen = %v, %v; want suppressed", ok, err)
	}
	if !mr.Exists("siem:dedup:agent-1:rule:abc") {
		t.Error("expected prefixed key in redis")
	}
	if ttl := mr.TTL("siem:dedup:agent-1:rule:abc"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	ok, err = r.FirstSeen(ctx, "agent-1:rule:abc")
	if err != nil || !ok {
		t.Fatalf("FirstSeen after expiry = %v, %v", ok, err)
	}
}

func TestRedis_FailsOpen(t *testing.T) {
	r, mr := newTestRedis(t, time.Hour)
	mr.Close()
	ok, err := r.FirstSeen(context.Background(), "k")
	if err == nil {
		t.Fatal("expected error with redis down")
	}
	if !ok {
		t.Error("errors must report the finding as first seen")
	}
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	if ok, _ := r.FirstSeen(context.Background(), "x"); !ok {
		t.Error("expected first seen")
	}
}
