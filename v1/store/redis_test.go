package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t)
	ttl := 150 * time.Millisecond
	runStoreSuite(t, s, ttl, func() { mr.FastForward(ttl) })
}

func TestRedisSetNXUsesMillisecondTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	if ok, err := s.SetNX(context.Background(), "lock:x:1", "tok", 1500*time.Millisecond); err != nil || !ok {
		t.Fatalf("setnx: ok %v err %v", ok, err)
	}
	if ttl := mr.TTL("lock:x:1"); ttl != 1500*time.Millisecond {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestRedisStorePropagatesErrors(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	ctx := context.Background()
	if _, err := s.SetNX(ctx, "k", "v", time.Second); err == nil {
		t.Fatal("expected setnx error with server down")
	}
	if _, err := s.CompareAndDelete(ctx, "k", "v"); err == nil {
		t.Fatal("expected compare-and-delete error with server down")
	}
}
