package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists serialized cache snapshots across restarts.
// Load returns nil data and no error when nothing has been saved yet.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// Snapshot returns the live entries keyed by cache key.
func (c *Cache[T]) Snapshot() map[string]Entry[T] {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	entries := make(map[string]Entry[T], c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		it := element.Value.(*item[T])
		if !it.entry.Expired(now) {
			entries[it.key] = it.entry
		}
	}
	return entries
}

// Restore loads entries into the cache, keeping their original write times.
// Expired entries are skipped, and so is any key whose live entry was written
// later. Restored entries only fill free capacity, newest first, and never
// evict what is already cached. They are inserted oldest first so the most
// recently written end up most recently used. It returns the number of
// entries retained.
func (c *Cache[T]) Restore(entries map[string]Entry[T]) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	var replacements []string
	additions := make([]string, 0, len(entries))
	for key, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		if element, ok := c.items[key]; ok {
			live := element.Value.(*item[T]).entry
			if live.Expired(now) || entry.WrittenAt.After(live.WrittenAt) {
				replacements = append(replacements, key)
			}
			continue
		}
		additions = append(additions, key)
	}

	newestFirst := func(keys []string) {
		sort.Slice(keys, func(i, j int) bool {
			a, b := entries[keys[i]].WrittenAt, entries[keys[j]].WrittenAt
			if a.Equal(b) {
				return keys[i] < keys[j]
			}
			return a.After(b)
		})
	}
	newestFirst(additions)
	if free := c.maxSize - c.order.Len(); len(additions) > free {
		additions = additions[:max(free, 0)]
	}

	restore := append(replacements, additions...)
	newestFirst(restore)
	for i := len(restore) - 1; i >= 0; i-- {
		c.put(restore[i], entries[restore[i]])
	}
	return len(restore)
}

// SaveTo serializes the live entries as JSON and writes them to store.
func (c *Cache[T]) SaveTo(ctx context.Context, store SnapshotStore) error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}
	if err := store.Save(ctx, data); err != nil {
		return fmt.Errorf("failed to save cache snapshot: %w", err)
	}
	return nil
}

// LoadFrom reads a snapshot from store and restores it. A missing snapshot
// restores nothing and is not an error.
func (c *Cache[T]) LoadFrom(ctx context.Context, store SnapshotStore) (int, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load cache snapshot: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	var entries map[string]Entry[T]
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to unmarshal cache snapshot: %w", err)
	}

	restored := c.Restore(entries)
	c.logger.Info("Restored cache snapshot",
		"cache", c.name,
		"stored", len(entries),
		"restored", restored,
	)
	return restored, nil
}

// FileStore keeps the snapshot in a local JSON file.
type FileStore struct {
	Path string
}

// NewFileStore creates a file-backed snapshot store
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save writes data to a temporary file and renames it over the snapshot so a
// crash never leaves a truncated file behind.
func (s *FileStore) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	return os.Rename(tmp.Name(), s.Path)
}

// Load reads the snapshot file.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// RedisStore keeps the snapshot under a single Redis key.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed snapshot store. A zero ttl keeps the
// snapshot until it is overwritten.
func NewRedisStore(client redis.Cmdable, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// Save stores data under the snapshot key
func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot key: %w", err)
	}
	return nil
}

// Load reads the snapshot key
func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot key: %w", err)
	}
	return data, nil
}
