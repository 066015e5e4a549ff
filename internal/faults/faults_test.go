package faults

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndHints(t *testing.T) {
	err := New(KindConnectionFailed, "connection", "probe failed", "endpoint returned 503")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConnectionFailed, kind)
	assert.Contains(t, err.Error(), "connection: probe failed")

	hints := Suggestions(err)
	require.NotEmpty(t, hints)
	assert.Equal(t, "endpoint returned 503", hints[0])
	assert.Contains(t, hints, "test the connection before connecting again")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: i/o timeout")
	err := Wrap(cause, KindNetwork, "sync", "apply change")

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindNetwork))
	assert.False(t, Is(err, KindValidation))
	assert.Contains(t, err.Error(), "i/o timeout")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, KindNetwork, "sync", "apply change"))
}

func TestWrappedTwiceStillClassified(t *testing.T) {
	inner := New(KindStorageFull, "offline", "cache full")
	outer := fmt.Errorf("caching orders: %w", inner)

	kind, ok := KindOf(outer)
	require.True(t, ok)
	assert.Equal(t, KindStorageFull, kind)
	assert.NotEmpty(t, Suggestions(outer))
}

func TestUnclassified(t *testing.T) {
	_, ok := KindOf(fmt.Errorf("plain"))
	assert.False(t, ok)
	assert.Empty(t, Suggestions(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindNetwork))
	assert.True(t, Retryable(KindConnectionFailed))
	assert.True(t, Retryable(KindStorageFull))
	assert.False(t, Retryable(KindValidation))
	assert.False(t, Retryable(KindSessionExpired))
	assert.False(t, Retryable(KindSyncConflict))
}
