package offline

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

func change(id string, kind models.ChangeKind, table, record string, payload models.Row) *models.PendingChange {
	return &models.PendingChange{ID: id, Kind: kind, Table: table, RecordID: record, Payload: payload, CreatedAt: time.Now()}
}

func TestFoldAppliesChangesInOrder(t *testing.T) {
	base := []models.Row{
		{"id": "1", "name": "ada"},
		{"id": "2", "name": "bob"},
	}
	changes := []*models.PendingChange{
		change("a", models.ChangeCreate, "users", "3", models.Row{"name": "cy"}),
		change("b", models.ChangeUpdate, "users", "1", models.Row{"name": "ada l."}),
		change("c", models.ChangeDelete, "users", "2", nil),
		change("d", models.ChangeUpdate, "users", "3", models.Row{"age": 30}),
	}

	got := fold(base, changes)
	assert.Equal(t, []models.Row{
		{"id": "1", "name": "ada l."},
		{"id": "3", "name": "cy", "age": 30},
	}, got)

	// The base rows are never touched.
	assert.Equal(t, "ada", base[0]["name"])
	assert.Len(t, base, 2)
}

func TestFoldSkipsSyncedChanges(t *testing.T) {
	c := change("a", models.ChangeCreate, "users", "1", models.Row{"name": "ada"})
	c.Synced = true
	assert.Empty(t, fold(nil, []*models.PendingChange{c}))
}

func TestFoldUpdateOfMissingRowIsIgnored(t *testing.T) {
	got := fold([]models.Row{{"id": "1"}}, []*models.PendingChange{
		change("a", models.ChangeUpdate, "users", "9", models.Row{"name": "ghost"}),
	})
	assert.Equal(t, []models.Row{{"id": "1"}}, got)
}

func TestRowIDFormatsNumbers(t *testing.T) {
	assert.Equal(t, "7", rowID(models.Row{"id": float64(7)}))
	assert.Equal(t, "x", rowID(models.Row{"id": "x"}))
	assert.Equal(t, "", rowID(models.Row{}))
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name    string
		changes []*models.PendingChange
		kind    models.ChangeKind
		payload models.Row
		replace bool
	}{
		{
			name: "updates merge last write wins",
			changes: []*models.PendingChange{
				change("a", models.ChangeUpdate, "t", "1", models.Row{"name": "one", "age": 1}),
				change("b", models.ChangeUpdate, "t", "1", models.Row{"name": "two"}),
				change("c", models.ChangeUpdate, "t", "1", models.Row{"name": "three"}),
			},
			kind:    models.ChangeUpdate,
			payload: models.Row{"name": "three", "age": 1},
		},
		{
			name: "create then update stays a create",
			changes: []*models.PendingChange{
				change("a", models.ChangeCreate, "t", "1", models.Row{"name": "one"}),
				change("b", models.ChangeUpdate, "t", "1", models.Row{"age": 2}),
			},
			kind:    models.ChangeCreate,
			payload: models.Row{"name": "one", "age": 2},
		},
		{
			name: "create then delete cancels out",
			changes: []*models.PendingChange{
				change("a", models.ChangeCreate, "t", "1", models.Row{"name": "one"}),
				change("b", models.ChangeDelete, "t", "1", nil),
			},
			kind: "",
		},
		{
			name: "update then delete is a delete",
			changes: []*models.PendingChange{
				change("a", models.ChangeUpdate, "t", "1", models.Row{"name": "one"}),
				change("b", models.ChangeDelete, "t", "1", nil),
			},
			kind: models.ChangeDelete,
		},
		{
			name: "delete then create replaces the record",
			changes: []*models.PendingChange{
				change("a", models.ChangeDelete, "t", "1", nil),
				change("b", models.ChangeCreate, "t", "1", models.Row{"name": "again"}),
			},
			kind:    models.ChangeCreate,
			payload: models.Row{"name": "again"},
			replace: true,
		},
		{
			name: "delete then create then update still replaces",
			changes: []*models.PendingChange{
				change("a", models.ChangeDelete, "t", "1", nil),
				change("b", models.ChangeCreate, "t", "1", models.Row{"name": "again"}),
				change("c", models.ChangeUpdate, "t", "1", models.Row{"age": 3}),
			},
			kind:    models.ChangeCreate,
			payload: models.Row{"name": "again", "age": 3},
			replace: true,
		},
		{
			name: "delete then create then delete is a delete",
			changes: []*models.PendingChange{
				change("a", models.ChangeDelete, "t", "1", nil),
				change("b", models.ChangeCreate, "t", "1", models.Row{"name": "again"}),
				change("c", models.ChangeDelete, "t", "1", nil),
			},
			kind: models.ChangeDelete,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := coalesce(tt.changes)
			require.Len(t, batches, 1)
			assert.Equal(t, tt.kind, batches[0].Kind)
			assert.Equal(t, tt.payload, batches[0].Payload)
			assert.Equal(t, tt.replace, batches[0].Replace)
			assert.Len(t, batches[0].ChangeIDs, len(tt.changes))
		})
	}
}

func TestCoalesceKeepsFirstTouchOrder(t *testing.T) {
	batches := coalesce([]*models.PendingChange{
		change("a", models.ChangeUpdate, "t", "2", models.Row{"v": 1}),
		change("b", models.ChangeUpdate, "t", "1", models.Row{"v": 1}),
		change("c", models.ChangeUpdate, "t", "2", models.Row{"v": 2}),
		change("d", models.ChangeUpdate, "u", "2", models.Row{"v": 1}),
	})
	require.Len(t, batches, 3)
	assert.Equal(t, "t/2", batches[0].key())
	assert.Equal(t, "t/1", batches[1].key())
	assert.Equal(t, "u/2", batches[2].key())
	assert.Equal(t, []string{"a", "c"}, batches[0].ChangeIDs)
}

func TestZstdCodec(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	defer codec.Close()

	rows := make([]models.Row, 200)
	for i := range rows {
		rows[i] = models.Row{"id": i, "status": "active", "region": "eu-west-1"}
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)

	encoded, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Less(t, len(encoded), len(data))
	assert.True(t, bytes.HasPrefix(encoded, zstdMagic))

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestZstdCodecAfterClose(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	codec.Close()
	codec.Close()

	_, err = codec.Encode([]byte("payload"))
	assert.ErrorIs(t, err, ErrCodecClosed)
	_, err = codec.Decode(append(append([]byte(nil), zstdMagic...), 0x00))
	assert.ErrorIs(t, err, ErrCodecClosed)

	plain, err := codec.Decode([]byte(`{"rows":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"rows":[]}`), plain)
}

func TestZstdCodecNeverGrowsInput(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	defer codec.Close()

	small := []byte(`{}`)
	encoded, err := codec.Encode(small)
	require.NoError(t, err)
	assert.Equal(t, small, encoded)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, small, decoded)
}
