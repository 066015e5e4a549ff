// Package persistence implements the opaque key/value port Tether uses to
// keep connections, cached tables, pending changes and health history
// across restarts. The core only relies on get/set/remove/list semantics;
// adapters exist for memory, Redis, PostgreSQL and SQLite.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("persistence: key not found")

// Store is the persistence port. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SaveJSON marshals v and stores it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: marshal %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// LoadJSON reads key into v. It returns ErrNotFound when the key is absent.
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persistence: unmarshal %q: %w", key, err)
	}
	return nil
}
