package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one redis string per key. Redis SCAN has no ordering
// guarantee, so List drains the match set and sorts before paging; the
// cursor seen by callers is the same last-key cursor the other backends use.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr)})
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}

	matched := make([]string, 0, limit)
	var scanCursor uint64
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := s.client.Scan(ctx, scanCursor, pattern, 512).Result()
		if err != nil {
			return nil, "", fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			if key > cursor {
				matched = append(matched, key)
			}
		}
		if next == 0 {
			break
		}
		scanCursor = next
	}
	sort.Strings(matched)

	if len(matched) <= limit {
		return matched, "", nil
	}
	page := matched[:limit]
	return page, page[len(page)-1], nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return replacer.Replace(s)
}
