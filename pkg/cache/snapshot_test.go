package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SnapshotRoundTripThroughFile(t *testing.T) {
	clock := newFakeClock()
	source := newTestCache(t, 10, time.Hour, clock)
	source.Set("p/secrets", "secrets-rules", WithChecksum("sha256:1"))
	source.Set("builtin", "builtin-rules", WithTTL(0))

	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "snapshot.json"))
	require.NoError(t, source.SaveTo(context.Background(), store))

	target := newTestCache(t, 10, time.Hour, clock)
	restored, err := target.LoadFrom(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	entry, ok := target.Get("p/secrets")
	require.True(t, ok)
	assert.Equal(t, "secrets-rules", entry.Value)
	assert.Equal(t, "sha256:1", entry.Checksum)
	assert.True(t, entry.WrittenAt.Equal(clock.Now()))
}

func TestCache_LoadSkipsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	source := newTestCache(t, 10, time.Hour, clock)
	source.Set("short", "1", WithTTL(time.Minute))
	source.Set("long", "2")

	store := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, source.SaveTo(context.Background(), store))

	// Simulate a restart ten minutes later.
	clock.Advance(10 * time.Minute)
	target := newTestCache(t, 10, time.Hour, clock)
	restored, err := target.LoadFrom(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 1, restored)
	_, ok := target.Get("short")
	assert.False(t, ok)
	_, ok = target.Get("long")
	assert.True(t, ok)
}

func TestCache_LoadMissingSnapshot(t *testing.T) {
	c := newTestCache(t, 10, 0, newFakeClock())

	restored, err := c.LoadFrom(context.Background(), NewFileStore(filepath.Join(t.TempDir(), "none.json")))
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestCache_LoadCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	c := newTestCache(t, 10, 0, newFakeClock())
	_, err := c.LoadFrom(context.Background(), NewFileStore(path))
	assert.Error(t, err)
}

func TestCache_RestoreKeepsNewestWithinCapacity(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	entries := map[string]Entry[string]{
		"oldest": {Value: "1", WrittenAt: base.Add(-3 * time.Minute)},
		"middle": {Value: "2", WrittenAt: base.Add(-2 * time.Minute)},
		"newest": {Value: "3", WrittenAt: base.Add(-time.Minute)},
	}

	c := newTestCache(t, 2, 0, clock)
	assert.Equal(t, 2, c.Restore(entries))
	assert.Equal(t, []string{"newest", "middle"}, c.Keys())
}

func TestCache_RestoreKeepsNewerLiveEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, 0, clock)
	c.Set("default", "fresh")
	c.Set("python", "live-python")

	restored := c.Restore(map[string]Entry[string]{
		"default": {Value: "stale", WrittenAt: clock.Now().Add(-time.Hour)},
		"python":  {Value: "newer-python", WrittenAt: clock.Now().Add(time.Second)},
		"go":      {Value: "go-rules", WrittenAt: clock.Now().Add(-time.Minute)},
	})

	assert.Equal(t, 2, restored)
	value, _ := c.Value("default")
	assert.Equal(t, "fresh", value)
	value, _ = c.Value("python")
	assert.Equal(t, "newer-python", value)
	value, _ = c.Value("go")
	assert.Equal(t, "go-rules", value)
}

func TestCache_RestoreNeverEvictsLiveEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 2, 0, clock)
	c.Set("default", "live")

	restored := c.Restore(map[string]Entry[string]{
		"a": {Value: "1", WrittenAt: clock.Now().Add(-3 * time.Minute)},
		"b": {Value: "2", WrittenAt: clock.Now().Add(-2 * time.Minute)},
		"c": {Value: "3", WrittenAt: clock.Now().Add(-time.Minute)},
	})

	assert.Equal(t, 1, restored)
	assert.ElementsMatch(t, []string{"default", "c"}, c.Keys())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestSnapshotFormat(t *testing.T) {
	c := newTestCache(t, 10, 0, newFakeClock())
	c.Set("k", "v", WithTTL(time.Second))

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)

	var decoded map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "v", decoded["k"]["value"])
	assert.Equal(t, float64(time.Second), decoded["k"]["ttl"])
	assert.Contains(t, decoded["k"], "written_at")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis snapshot store test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	key := "rulegate:test:snapshot:" + t.Name()
	defer client.Del(ctx, key)

	store := NewRedisStore(client, key, time.Minute)

	data, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	source := newTestCache(t, 10, 0, newFakeClock())
	source.Set("k", "v")
	require.NoError(t, source.SaveTo(ctx, store))

	target := newTestCache(t, 10, 0, newFakeClock())
	restored, err := target.LoadFrom(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
}
