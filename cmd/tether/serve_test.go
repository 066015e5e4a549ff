package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/connection"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/offline"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/security"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport/transporttest"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

type wired struct {
	conns   *connection.Manager
	engine  *offline.Engine
	monitor *health.Monitor
	orch    *recovery.Orchestrator
	fake    *transporttest.Fake
	connID  string
}

func newWired(t *testing.T) *wired {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := persistence.NewMemoryStore(0)
	vault, err := security.NewVault("test-master-key")
	require.NoError(t, err)
	fake := transporttest.NewFake()

	orch := recovery.NewOrchestrator(recovery.DefaultConfig(), logger,
		recovery.WithSleep(func(context.Context, time.Duration) error { return nil }))
	t.Cleanup(orch.Close)

	conns := connection.NewManager(connection.Options{Store: store, Security: vault, Transport: fake, Logger: logger})
	engine := offline.NewEngine(offline.Options{
		Transport: fake, Connectivity: conns, Recoverer: orch, Store: store, MaxBytes: 1 << 20, Logger: logger,
	})
	t.Cleanup(engine.Close)
	monitor := health.NewMonitor(health.Options{Config: health.DefaultConfig(), Connections: conns, Recoverer: orch, Logger: logger})

	wire(logger, conns, engine, monitor, orch)

	saved, err := conns.Save(context.Background(), models.Connection{
		Name: "primary", Endpoint: "https://primary.example.com", Kind: models.TransportHTTP, Timeout: 100 * time.Millisecond,
	}, "s3cret")
	require.NoError(t, err)
	return &wired{conns: conns, engine: engine, monitor: monitor, orch: orch, fake: fake, connID: saved.ID}
}

func TestWireSyncsWhenConnectionReturns(t *testing.T) {
	w := newWired(t)
	ctx := context.Background()
	w.fake.Seed("users", models.Row{"id": "1", "name": "ada"})

	require.NoError(t, w.engine.Cache(ctx, "users", []models.Row{{"id": "1", "name": "ada"}}))
	_, err := w.engine.RecordChange(ctx, models.ChangeUpdate, "users", "1", models.Row{"name": "ada l."})
	require.NoError(t, err)

	require.NoError(t, w.conns.Connect(ctx, w.connID))

	require.Eventually(t, func() bool { return w.engine.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ada l.", w.fake.Rows("users")[0]["name"])
}

func TestWireReconnectRoutine(t *testing.T) {
	w := newWired(t)

	out := w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindNetwork, ConnectionID: w.connID})
	assert.True(t, out.Recovered)
	active := w.conns.GetActive()
	require.NotNil(t, active)
	assert.Equal(t, w.connID, active.ID)

	out = w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindConnectionFailed})
	assert.False(t, out.Recovered)
}

func exhaustReconnects(t *testing.T, w *wired) {
	t.Helper()
	w.fake.SetDown("https://primary.example.com", true)
	for i := 0; i < recovery.DefaultConfig().MaxRetries; i++ {
		out := w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindNetwork, ConnectionID: w.connID})
		require.False(t, out.Recovered)
	}
	out := w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindNetwork, ConnectionID: w.connID})
	require.True(t, out.Exhausted)
	w.fake.SetDown("https://primary.example.com", false)
}

func TestWireConnectRestoresRetryBudget(t *testing.T) {
	w := newWired(t)
	exhaustReconnects(t, w)
	w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindConnectionFailed, ConnectionID: w.connID})

	require.NoError(t, w.conns.Connect(context.Background(), w.connID))
	assert.Zero(t, w.orch.Attempts(faults.KindNetwork, w.connID))
	assert.Zero(t, w.orch.Attempts(faults.KindConnectionFailed, w.connID))

	out := w.orch.Attempt(context.Background(), recovery.Failure{Kind: faults.KindNetwork, ConnectionID: w.connID})
	assert.True(t, out.Recovered)
	assert.False(t, out.Exhausted)
}

func TestWireHealthyCheckRestoresRetryBudget(t *testing.T) {
	w := newWired(t)
	require.NoError(t, w.conns.Connect(context.Background(), w.connID))
	exhaustReconnects(t, w)
	require.Equal(t, recovery.DefaultConfig().MaxRetries, w.orch.Attempts(faults.KindNetwork, w.connID))

	rec, err := w.monitor.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.HealthStatusHealthy, rec.Status)
	assert.Zero(t, w.orch.Attempts(faults.KindNetwork, w.connID))
}

func TestWireStorageFullRoutine(t *testing.T) {
	w := newWired(t)
	ctx := context.Background()

	out := w.orch.Attempt(ctx, recovery.Failure{Kind: faults.KindStorageFull})
	assert.False(t, out.Recovered, "an empty cache has nothing to release")

	big := make([]models.Row, 0, 8000)
	for i := 0; i < 8000; i++ {
		big = append(big, models.Row{"id": i, "payload": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"})
	}
	require.NoError(t, w.engine.Cache(ctx, "events", big))

	out = w.orch.Attempt(ctx, recovery.Failure{Kind: faults.KindStorageFull})
	assert.True(t, out.Recovered)
	assert.Empty(t, w.engine.Tables())
}

func TestOpenStoreMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), &config.Config{Store: config.StoreMemory}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeStore()
	_, ok := store.(*persistence.MemoryStore)
	assert.True(t, ok)
}

func TestOpenStoreSQLite(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), &config.Config{Store: config.StoreSQLite, DataDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeStore()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v")))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
