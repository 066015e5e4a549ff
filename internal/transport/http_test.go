package transport

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// backend is a minimal JSON records server.
type backend struct {
	mu       sync.Mutex
	rows     map[string]models.Row
	forced   []bool
	auth     []string
	status   int
	slowness time.Duration
}

func newBackend() *backend {
	return &backend{rows: map[string]models.Row{
		"1": {"id": "1", "name": "alpha", "version": float64(1)},
	}}
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))

	if b.slowness > 0 {
		time.Sleep(b.slowness)
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Path == "/tables/items/records":
		rows := make([]models.Row, 0, len(b.rows))
		for _, row := range b.rows {
			rows = append(rows, row)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows})
	case r.Method == http.MethodPost && r.URL.Path == "/tables/items/records":
		var row models.Row
		_ = json.NewDecoder(r.Body).Decode(&row)
		id, _ := row["id"].(string)
		if _, exists := b.rows[id]; exists {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"remote": b.rows[id]})
			return
		}
		b.rows[id] = row
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPatch && r.URL.Path == "/tables/items/records/1":
		body, _ := io.ReadAll(r.Body)
		var patch models.Row
		_ = json.Unmarshal(body, &patch)
		force := r.Header.Get(ForceHeader) == "true"
		b.forced = append(b.forced, force)
		if !force && patch["version"] != b.rows["1"]["version"] {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"reason": "version mismatch", "remote": b.rows["1"]})
			return
		}
		for k, v := range patch {
			b.rows["1"][k] = v
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && r.URL.Path == "/tables/items/records/1":
		var row models.Row
		_ = json.NewDecoder(r.Body).Decode(&row)
		row["id"] = "1"
		b.rows["1"] = row
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func target(url string) Target {
	return Target{
		Connection: models.Connection{ID: "c1", Endpoint: url, Kind: models.TransportHTTP, Timeout: time.Second},
		Secret:     "token-123",
	}
}

func TestHTTPProbe(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	h := NewHTTP(HTTPOptions{}, zaptest.NewLogger(t))
	res := h.Probe(context.Background(), target(srv.URL))
	assert.True(t, res.OK, res.Detail)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Equal(t, "Bearer token-123", b.auth[0])

	b.status = http.StatusServiceUnavailable
	res = h.Probe(context.Background(), target(srv.URL))
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "503")
}

func TestHTTPProbeTimeout(t *testing.T) {
	b := newBackend()
	b.slowness = 300 * time.Millisecond
	srv := httptest.NewServer(b)
	defer srv.Close()

	tg := target(srv.URL)
	tg.Connection.Timeout = 50 * time.Millisecond

	h := NewHTTP(HTTPOptions{}, zaptest.NewLogger(t))
	start := time.Now()
	res := h.Probe(context.Background(), tg)
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "timed out")
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestHTTPApplyAndRejections(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	h := NewHTTP(HTTPOptions{}, zaptest.NewLogger(t))
	ctx := context.Background()
	tg := target(srv.URL)

	err := h.ApplyChange(ctx, tg, Operation{Table: "items", RecordID: "2", Kind: models.ChangeCreate,
		Payload: models.Row{"id": "2", "name": "beta"}})
	require.NoError(t, err)

	err = h.ApplyChange(ctx, tg, Operation{Table: "items", RecordID: "1", Kind: models.ChangeCreate,
		Payload: models.Row{"id": "1"}})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, models.ConflictDuplicate, rej.Kind)
	assert.Equal(t, "alpha", rej.Remote["name"])

	err = h.ApplyChange(ctx, tg, Operation{Table: "items", RecordID: "1", Kind: models.ChangeUpdate,
		Payload: models.Row{"name": "stale", "version": float64(0)}})
	rej, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, models.ConflictStale, rej.Kind)
	assert.Equal(t, "version mismatch", rej.Reason)

	err = h.ApplyChange(ctx, tg, Operation{Table: "items", RecordID: "1", Kind: models.ChangeUpdate,
		Payload: models.Row{"name": "forced", "version": float64(0)}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, b.forced)

	// Deleting an already removed record is not a conflict.
	require.NoError(t, h.ApplyChange(ctx, tg, Operation{Table: "items", RecordID: "9", Kind: models.ChangeDelete}))
}

func TestHTTPReplaceOverwritesRecord(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	h := NewHTTP(HTTPOptions{}, zaptest.NewLogger(t))
	err := h.ApplyChange(context.Background(), target(srv.URL), Operation{Table: "items", RecordID: "1",
		Kind: models.ChangeCreate, Payload: models.Row{"label": "fresh"}, Replace: true})
	require.NoError(t, err)
	assert.Equal(t, models.Row{"id": "1", "label": "fresh"}, b.rows["1"])
}

func TestHTTPFetchSnapshot(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	h := NewHTTP(HTTPOptions{}, zaptest.NewLogger(t))
	rows, err := h.FetchSnapshot(context.Background(), target(srv.URL), "items")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha", rows[0]["name"])
}

func TestHTTPBreakerOpens(t *testing.T) {
	b := newBackend()
	b.status = http.StatusInternalServerError
	srv := httptest.NewServer(b)
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BreakerFailures: 2, BreakerCooldown: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.FetchSnapshot(ctx, target(srv.URL), "items")
		require.Error(t, err)
	}
	calls := len(b.auth)

	_, err := h.FetchSnapshot(ctx, target(srv.URL), "items")
	require.Error(t, err)
	assert.Equal(t, calls, len(b.auth), "open circuit must not reach the backend")

	// Probes bypass the breaker.
	h.Probe(ctx, target(srv.URL))
	assert.Equal(t, calls+1, len(b.auth))
}

func TestHTTPOverTLSUsesHTTP2(t *testing.T) {
	var proto string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto = r.Proto
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	h := NewHTTP(HTTPOptions{RootCAs: pool}, zaptest.NewLogger(t))
	tg := target(srv.URL)
	tg.Connection.TLS = true

	res := h.Probe(context.Background(), tg)
	require.True(t, res.OK, res.Detail)
	assert.Equal(t, "HTTP/2.0", proto)
}

func TestRouterDispatchesByKind(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	r := NewRouter()
	r.Register(models.TransportHTTP, NewHTTP(HTTPOptions{}, nil))

	assert.True(t, r.Probe(context.Background(), target(srv.URL)).OK)

	tg := target(srv.URL)
	tg.Connection.Kind = models.TransportPostgres
	res := r.Probe(context.Background(), tg)
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "no transport registered")
}
