package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// countingStore wraps InMemoryStore, counts context reads and can fail saves.
type countingStore struct {
	*InMemoryStore
	gets     int
	failSave bool
}

func (c *countingStore) SaveContext(ctx context.Context, id string, blob []byte) error {
	if c.failSave {
		return errors.New("disk full")
	}
	return c.InMemoryStore.SaveContext(ctx, id, blob)
}

func (c *countingStore) GetContext(ctx context.Context, id string) ([]byte, error) {
	c.gets++
	return c.InMemoryStore.GetContext(ctx, id)
}

func newTestCache(t *testing.T) (*RedisContextCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := &countingStore{InMemoryStore: NewInMemoryStore()}
	return NewRedisContextCache(backing, client, time.Minute), backing, mr
}

func TestRedisContextCache_SaveThenGet(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newTestCache(t)
	defer cache.Close()

	blob := []byte(`{"sessionStage":"deepening","turnCount":4}`)
	if err := cache.SaveContext(ctx, "conv-1", blob); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if !mr.Exists("havenchat:context:conv-1") {
		t.Fatalf("expected cache key, got keys %v", mr.Keys())
	}
	if ttl := mr.TTL("havenchat:context:conv-1"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	got, err := cache.GetContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("GetContext = %s, want %s", got, blob)
	}
	if backing.gets != 0 {
		t.Errorf("expected cache hit without store read, got %d reads", backing.gets)
	}
}

func TestRedisContextCache_MissFallsThroughAndPopulates(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newTestCache(t)
	defer cache.Close()

	if err := backing.InMemoryStore.SaveContext(ctx, "conv-2", []byte(`{"turnCount":1}`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := cache.CachedContext(ctx, "conv-2"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	got, err := cache.GetContext(ctx, "conv-2")
	if err != nil || string(got) != `{"turnCount":1}` {
		t.Fatalf("GetContext = %s, %v", got, err)
	}
	if backing.gets != 1 {
		t.Errorf("expected one store read, got %d", backing.gets)
	}
	if !mr.Exists("havenchat:context:conv-2") {
		t.Error("expected cache to be populated after miss")
	}

	if _, err := cache.GetContext(ctx, "conv-2"); err != nil {
		t.Fatalf("second GetContext failed: %v", err)
	}
	if backing.gets != 1 {
		t.Errorf("expected second read to hit the cache, got %d store reads", backing.gets)
	}
}

func TestRedisContextCache_UnknownContext(t *testing.T) {
	cache, _, mr := newTestCache(t)
	defer cache.Close()
	got, err := cache.GetContext(context.Background(), "none")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil, got %s, %v", got, err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("expected nothing cached, got %v", mr.Keys())
	}
}

func TestRedisContextCache_RedisDownFallsBack(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newTestCache(t)
	defer cache.Close()
	_ = backing.InMemoryStore.SaveContext(ctx, "conv-3", []byte(`{}`))
	mr.SetError("ERR injected failure")

	got, err := cache.GetContext(ctx, "conv-3")
	if err != nil || string(got) != `{}` {
		t.Errorf("expected store fallback, got %s, %v", got, err)
	}
	if err := cache.SaveContext(ctx, "conv-3", []byte(`{"a":1}`)); err != nil {
		t.Errorf("SaveContext must tolerate cache failure, got %v", err)
	}
}

func TestRedisContextCache_FailedSaveEvicts(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newTestCache(t)
	defer cache.Close()

	if err := cache.SaveContext(ctx, "conv-4", []byte(`{"turnCount":1}`)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	backing.failSave = true
	if err := cache.SaveContext(ctx, "conv-4", []byte(`{"turnCount":2}`)); err == nil {
		t.Fatal("expected backing store error")
	}
	if mr.Exists("havenchat:context:conv-4") {
		t.Error("expected cached snapshot evicted after failed save")
	}

	got, err := cache.GetContext(ctx, "conv-4")
	if err != nil || string(got) != `{"turnCount":1}` {
		t.Errorf("expected the stored snapshot, got %s, %v", got, err)
	}
	if backing.gets != 1 {
		t.Errorf("expected read from store after eviction, got %d reads", backing.gets)
	}
}

func TestRedisContextCache_PassesThroughConversations(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t)
	defer cache.Close()
	c, err := cache.CreateConversation(ctx, "user", "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	got, err := cache.GetConversation(ctx, c.ID)
	if err != nil || got == nil {
		t.Errorf("expected pass-through conversation, got %v, %v", got, err)
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	client.Close()

	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid url")
	}
}
