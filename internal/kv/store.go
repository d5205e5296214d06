package kv

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("not found")

const (
	// AgentKeyPrefix namespaces persisted agent records.
	AgentKeyPrefix = "agent:"
	// StatsKey holds the most recently computed fleet metrics snapshot.
	StatsKey = "stats:global"
)

// Store is a whole-value key-value store. Values are always read and written
// in full; partial updates are not supported. List returns keys in ascending
// lexical order and pages through them with an opaque cursor, so callers see
// identical behavior whether the backend returns one page or many.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, prefix string, cursor string, limit int) (keys []string, next string, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func AgentKey(agentID string) string {
	return AgentKeyPrefix + agentID
}

func AgentIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, AgentKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, AgentKeyPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// ListAll drains every page for a prefix. Helpers that genuinely need the
// full key set go through here so the paging contract stays the only way to
// enumerate keys.
func ListAll(ctx context.Context, store Store, prefix string, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var (
		all    []string
		cursor string
	)
	for {
		keys, next, err := store.List(ctx, prefix, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
