package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
)

// exerciseStore runs the behaviour every adapter must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "connections/a", []byte("one")))
	require.NoError(t, s.Set(ctx, "connections/b", []byte("two")))
	require.NoError(t, s.Set(ctx, "offline/tables/orders", []byte("three")))

	got, err := s.Get(ctx, "connections/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, s.Set(ctx, "connections/a", []byte("uno")))
	got, err = s.Get(ctx, "connections/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	keys, err := s.List(ctx, "connections/")
	require.NoError(t, err)
	assert.Equal(t, []string{"connections/a", "connections/b"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Remove(ctx, "connections/a"))
	require.NoError(t, s.Remove(ctx, "connections/a"))
	_, err = s.Get(ctx, "connections/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStoreBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(20)

	require.NoError(t, s.Set(ctx, "k1", []byte("0123456789")))
	assert.Equal(t, 12, s.Size())

	err := s.Set(ctx, "k2", []byte("0123456789"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindStorageFull))
	_, err = s.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Overwriting a key only counts the difference.
	require.NoError(t, s.Set(ctx, "k1", []byte("012345678901234567")))
	assert.Equal(t, 20, s.Size())

	require.NoError(t, s.Remove(ctx, "k1"))
	assert.Equal(t, 0, s.Size())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SaveJSON(ctx, s, "r", record{Name: "x", Count: 2}))

	var out record
	require.NoError(t, LoadJSON(ctx, s, "r", &out))
	assert.Equal(t, record{Name: "x", Count: 2}, out)

	assert.ErrorIs(t, LoadJSON(ctx, s, "nope", &out), ErrNotFound)
}
