package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/security"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport/transporttest"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// mockSnapshotter records snapshot requests.
type mockSnapshotter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *mockSnapshotter) Snapshot(ctx context.Context, connectionID string) (*models.BackupHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, connectionID)
	if s.err != nil {
		return nil, s.err
	}
	return &models.BackupHandle{ID: "bk-" + connectionID, ConnectionID: connectionID}, nil
}

type fixture struct {
	mgr    *Manager
	fake   *transporttest.Fake
	store  *persistence.MemoryStore
	vault  *security.Vault
	backup *mockSnapshotter
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vault, err := security.NewVault("test-master-key")
	require.NoError(t, err)

	f := &fixture{
		fake:   transporttest.NewFake(),
		store:  persistence.NewMemoryStore(0),
		vault:  vault,
		backup: &mockSnapshotter{},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	vault.SetClock(f.clock)
	f.mgr = NewManager(Options{
		Store:     f.store,
		Security:  vault,
		Transport: f.fake,
		Backup:    f.backup,
		Logger:    zaptest.NewLogger(t),
		Now:       f.clock,
	})
	return f
}

func (f *fixture) add(t *testing.T, name string) *models.Connection {
	t.Helper()
	c, err := f.mgr.Save(context.Background(), models.Connection{
		Name:     name,
		Endpoint: "https://" + name + ".example.com",
		Kind:     models.TransportHTTP,
		Timeout:  200 * time.Millisecond,
	}, "secret-"+name)
	require.NoError(t, err)
	return c
}

func countActive(conns []*models.Connection) int {
	n := 0
	for _, c := range conns {
		if c.Active {
			n++
		}
	}
	return n
}

func TestSaveEncryptsCredential(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")

	assert.NotEmpty(t, c.ID)
	assert.NotEqual(t, "secret-primary", c.CredentialRef)
	assert.Equal(t, models.HealthStatusUnknown, c.Health)

	plain, err := f.vault.Decrypt(c.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "secret-primary", plain)

	// Saving again without a secret keeps the stored credential.
	c.Name = "renamed"
	updated, err := f.mgr.Save(context.Background(), *c, "")
	require.NoError(t, err)
	assert.Equal(t, c.CredentialRef, updated.CredentialRef)
	assert.Equal(t, "renamed", updated.Name)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Save(context.Background(), models.Connection{
		Name:     "bad",
		Endpoint: "not a url",
		Kind:     "carrier-pigeon",
	}, "")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
	assert.NotEmpty(t, faults.Suggestions(err))
}

func TestConnectActivatesAndStartsSession(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")

	var seen []*models.Connection
	f.mgr.OnConnectionChange(func(c *models.Connection) { seen = append(seen, c) })

	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	active := f.mgr.GetActive()
	require.NotNil(t, active)
	assert.Equal(t, c.ID, active.ID)
	assert.True(t, active.Active)
	assert.Equal(t, 1, active.ConnectionCount)
	assert.Equal(t, models.HealthStatusHealthy, active.Health)
	assert.NotNil(t, active.LastConnected)
	assert.InDelta(t, 5.0, active.AvgLatencyMs, 0.001)
	assert.Equal(t, StateConnected, f.mgr.State())

	session := f.mgr.Session()
	require.NotNil(t, session)
	assert.Equal(t, c.ID, session.ConnectionID)

	assert.Equal(t, []string{"secret-primary"}, f.fake.Secrets())
	require.Len(t, seen, 1)
	assert.Equal(t, c.ID, seen[0].ID)
}

func TestConnectFailureLeavesPreviousActive(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "primary")
	b := f.add(t, "unreachable")
	f.fake.SetDown(b.Endpoint, true)

	require.NoError(t, f.mgr.Connect(context.Background(), a.ID))

	var notified int
	f.mgr.OnConnectionChange(func(*models.Connection) { notified++ })

	start := time.Now()
	err := f.mgr.Connect(context.Background(), b.ID)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConnectionFailed))
	assert.NotEmpty(t, faults.Suggestions(err))
	assert.Less(t, elapsed, time.Second)

	active := f.mgr.GetActive()
	require.NotNil(t, active)
	assert.Equal(t, a.ID, active.ID)
	assert.Equal(t, StateConnected, f.mgr.State())
	assert.Zero(t, notified)

	failed, err := f.mgr.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, failed.Active)
	assert.Zero(t, failed.ConnectionCount)
}

func TestConnectFailureFromDisconnected(t *testing.T) {
	f := newFixture(t)
	b := f.add(t, "unreachable")
	f.fake.SetDown(b.Endpoint, true)

	err := f.mgr.Connect(context.Background(), b.ID)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, f.mgr.State())
	assert.Nil(t, f.mgr.GetActive())
	assert.Nil(t, f.mgr.Session())
}

func TestConnectUnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Connect(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestSwitchingKeepsSingleActive(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a")
	b := f.add(t, "b")

	require.NoError(t, f.mgr.Connect(context.Background(), a.ID))
	require.NoError(t, f.mgr.Connect(context.Background(), b.ID))

	conns := f.mgr.List()
	assert.Equal(t, 1, countActive(conns))
	assert.Equal(t, b.ID, f.mgr.GetActive().ID)

	prev, err := f.mgr.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, prev.Active)
}

func TestConcurrentConnectsNeverTwoActive(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		c := f.add(t, fmt.Sprintf("conn-%d", i))
		if i%2 == 1 {
			f.fake.SetDown(c.Endpoint, true)
		}
		ids = append(ids, c.ID)
	}

	stop := make(chan struct{})
	violations := make(chan int, 1)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := countActive(f.mgr.List()); n > 1 {
				select {
				case violations <- n:
				default:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = f.mgr.Connect(context.Background(), id)
			}(id)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.Disconnect(context.Background(), DisconnectOptions{})
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	select {
	case n := <-violations:
		t.Fatalf("observed %d active connections at once", n)
	default:
	}
	assert.LessOrEqual(t, countActive(f.mgr.List()), 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	var seen []*models.Connection
	f.mgr.OnConnectionChange(func(c *models.Connection) { seen = append(seen, c) })

	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{}))
	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{}))

	assert.Nil(t, f.mgr.GetActive())
	assert.Nil(t, f.mgr.Session())
	assert.Equal(t, StateDisconnected, f.mgr.State())
	require.Len(t, seen, 1)
	assert.Nil(t, seen[0])
	assert.Empty(t, f.backup.calls)
	assert.Equal(t, 0, f.vault.RemainingSessionSeconds())
}

func TestDisconnectTakesBackupFirst(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{Backup: true}))
	assert.Equal(t, []string{c.ID}, f.backup.calls)
}

func TestDisconnectHonoursAutoBackupAndSurvivesSnapshotFailure(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	c.AutoBackup = true
	_, err := f.mgr.Save(context.Background(), *c, "")
	require.NoError(t, err)
	f.backup.err = errors.New("disk full")

	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))
	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{}))

	assert.Equal(t, []string{c.ID}, f.backup.calls)
	assert.Nil(t, f.mgr.GetActive())
}

func TestTestUpdatesHealthOnly(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a")
	b := f.add(t, "b")
	require.NoError(t, f.mgr.Connect(context.Background(), a.ID))

	f.fake.SetLatency(b.Endpoint, 40*time.Millisecond)
	res, err := f.mgr.Test(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, 40.0, res.LatencyMs, 0.001)

	tested, err := f.mgr.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, tested.Active)
	assert.Equal(t, models.HealthStatusHealthy, tested.Health)
	assert.NotNil(t, tested.LastHealthCheck)
	assert.Zero(t, tested.ConnectionCount)
	assert.Equal(t, a.ID, f.mgr.GetActive().ID)

	f.fake.SetDown(b.Endpoint, true)
	res, err = f.mgr.Test(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	tested, _ = f.mgr.Get(b.ID)
	assert.Equal(t, models.HealthStatusError, tested.Health)
}

func TestRecordHealthRefusedForInactive(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))
	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{}))

	applied := f.mgr.RecordHealth(context.Background(), c.ID, models.HealthStatusError, 0, f.clock())
	assert.False(t, applied)

	got, _ := f.mgr.Get(c.ID)
	assert.Equal(t, models.HealthStatusHealthy, got.Health)
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	c.SessionTimeout = 15 * time.Minute
	c.AutoLogout = true
	_, err := f.mgr.Save(context.Background(), *c, "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	f.advance(10 * time.Minute)
	require.NoError(t, f.mgr.Touch(context.Background()))
	f.advance(10 * time.Minute)
	_, online, err := f.mgr.ActiveTarget(context.Background())
	require.NoError(t, err)
	assert.True(t, online)

	f.advance(16 * time.Minute)
	err = f.mgr.Touch(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindSessionExpired))
	assert.Nil(t, f.mgr.GetActive())
	assert.Equal(t, StateDisconnected, f.mgr.State())

	_, online, err = f.mgr.ActiveTarget(context.Background())
	require.NoError(t, err)
	assert.False(t, online)
}

func TestActiveTargetDecryptsSecret(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	target, online, err := f.mgr.ActiveTarget(context.Background())
	require.NoError(t, err)
	require.True(t, online)
	assert.Equal(t, "secret-primary", target.Secret)
	assert.Equal(t, c.ID, target.Connection.ID)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a")
	b := f.add(t, "b")
	require.NoError(t, f.mgr.Connect(context.Background(), a.ID))

	err := f.mgr.Remove(context.Background(), a.ID)
	assert.True(t, faults.Is(err, faults.KindValidation))

	require.NoError(t, f.mgr.Remove(context.Background(), b.ID))
	_, err = f.mgr.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(context.Background(), keyPrefix+b.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestLoadRestoresInactive(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))

	restarted := NewManager(Options{Store: f.store, Security: f.vault, Transport: f.fake})
	require.NoError(t, restarted.Load(context.Background()))

	got, err := restarted.Get(c.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 1, got.ConnectionCount)
	assert.Nil(t, restarted.GetActive())
}

func TestReconnect(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")

	require.NoError(t, f.mgr.Reconnect(context.Background(), c.ID))
	assert.Equal(t, c.ID, f.mgr.GetActive().ID)

	require.NoError(t, f.mgr.Reconnect(context.Background(), c.ID))
	assert.Equal(t, 1, f.mgr.GetActive().ConnectionCount)

	f.fake.SetDown(c.Endpoint, true)
	err := f.mgr.Reconnect(context.Background(), c.ID)
	assert.True(t, faults.Is(err, faults.KindConnectionFailed))
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, "primary")

	calls := 0
	unsub := f.mgr.OnConnectionChange(func(*models.Connection) { calls++ })
	require.NoError(t, f.mgr.Connect(context.Background(), c.ID))
	unsub()
	require.NoError(t, f.mgr.Disconnect(context.Background(), DisconnectOptions{}))
	assert.Equal(t, 1, calls)
}
