package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := v.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cret")

	plain, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestVaultRejectsForeignCiphertext(t *testing.T) {
	a, err := NewVault("key-a")
	require.NoError(t, err)
	b, err := NewVault("key-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt("payload")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = a.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVaultEmptyKey(t *testing.T) {
	_, err := NewVault("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVaultSessionClock(t *testing.T) {
	v, err := NewVault("k")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	v.SetClock(func() time.Time { return now })

	assert.Equal(t, 0, v.RemainingSessionSeconds())

	v.StartSession("conn-1", 10*time.Minute)
	assert.Equal(t, 600, v.RemainingSessionSeconds())

	now = now.Add(4 * time.Minute)
	assert.Equal(t, 360, v.RemainingSessionSeconds())

	v.ExtendSession()
	assert.Equal(t, 600, v.RemainingSessionSeconds())

	now = now.Add(11 * time.Minute)
	assert.Equal(t, 0, v.RemainingSessionSeconds())

	v.EndSession()
	assert.Equal(t, 0, v.RemainingSessionSeconds())

	v.StartSession("conn-2", 0)
	assert.Equal(t, -1, v.RemainingSessionSeconds())
}
