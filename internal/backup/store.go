package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const handlePrefix = "backup/handles/"

// HandleStore records the snapshots that were taken. Implementations must be
// safe for concurrent use.
type HandleStore interface {
	SaveHandle(ctx context.Context, h *models.BackupHandle) error
	ListHandles(ctx context.Context, connectionID string) ([]*models.BackupHandle, error)
	DeleteHandle(ctx context.Context, connectionID, id string) error
}

// KVHandleStore keeps handles in a persistence.Store, one key per snapshot.
type KVHandleStore struct {
	store persistence.Store
}

// NewKVHandleStore creates a handle store on top of s.
func NewKVHandleStore(s persistence.Store) *KVHandleStore {
	return &KVHandleStore{store: s}
}

func handleKey(connectionID, id string) string {
	return handlePrefix + connectionID + "/" + id
}

// SaveHandle inserts or replaces h.
func (s *KVHandleStore) SaveHandle(ctx context.Context, h *models.BackupHandle) error {
	if err := persistence.SaveJSON(ctx, s.store, handleKey(h.ConnectionID, h.ID), h); err != nil {
		return fmt.Errorf("backup: save handle %s: %w", h.ID, err)
	}
	return nil
}

// ListHandles returns the handles of a connection, oldest first. An empty
// connectionID lists every connection.
func (s *KVHandleStore) ListHandles(ctx context.Context, connectionID string) ([]*models.BackupHandle, error) {
	prefix := handlePrefix
	if connectionID != "" {
		prefix += connectionID + "/"
	}
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("backup: list handles: %w", err)
	}
	out := make([]*models.BackupHandle, 0, len(keys))
	for _, key := range keys {
		var h models.BackupHandle
		if err := persistence.LoadJSON(ctx, s.store, key, &h); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("backup: load handle %s: %w", key, err)
		}
		out = append(out, &h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteHandle removes a handle. Removing a missing handle is not an error.
func (s *KVHandleStore) DeleteHandle(ctx context.Context, connectionID, id string) error {
	err := s.store.Remove(ctx, handleKey(connectionID, id))
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("backup: delete handle %s: %w", id, err)
	}
	return nil
}
