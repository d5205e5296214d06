package kv

import (
	"fmt"
	"strings"
)

// Open picks a backend by driver name: memory, sqlite, postgres, or redis.
// For redis the dsn is the server address.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewGormStore(driver, dsn)
	case "redis":
		return NewRedisStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported kv driver %q", driver)
	}
}
