// Package connection owns the lifecycle of Tether's single active backend
// link.
//
// The manager keeps the configured connections, runs the
// Disconnected/Connecting/Connected/Error state machine, binds a session to
// the active connection and notifies observers after every successful
// connect or disconnect. Lifecycle operations are serialized by one mutex;
// connection state lives behind a second, short-held mutex so a slow probe
// never blocks readers, and health observations for a connection that has
// since been deactivated are refused.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/security"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const (
	keyPrefix      = "connections/"
	defaultTimeout = 10 * time.Second
	// latencyWindow bounds how many samples the rolling average weighs.
	latencyWindow = 50
)

// ErrNotFound is wrapped by errors for unknown connection IDs.
var ErrNotFound = errors.New("connection: not found")

// Snapshotter is the backup port used before a disconnect.
type Snapshotter interface {
	Snapshot(ctx context.Context, connectionID string) (*models.BackupHandle, error)
}

// Options wires a Manager's collaborators. Backup and Logger are optional.
type Options struct {
	Store     persistence.Store
	Security  security.Provider
	Transport transport.Transport
	Backup    Snapshotter
	Logger    *zap.Logger
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// DisconnectOptions controls a disconnect.
type DisconnectOptions struct {
	// Backup requests a snapshot before the link is dropped. The
	// connection's AutoBackup policy requests one as well.
	Backup bool
}

// Manager coordinates the active connection.
type Manager struct {
	store    persistence.Store
	sec      security.Provider
	tr       transport.Transport
	backup   Snapshotter
	logger   *zap.Logger
	now      func() time.Time
	validate *validator.Validate

	// lifecycle serializes connect, disconnect, remove and session expiry.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	conns    map[string]*models.Connection
	activeID string
	state    State
	session  *models.Session

	changes *events.Bus[*models.Connection]
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.OrNop(opts.Logger).Named("connection")
	return &Manager{
		store:    opts.Store,
		sec:      opts.Security,
		tr:       opts.Transport,
		backup:   opts.Backup,
		logger:   log,
		now:      now,
		validate: validator.New(),
		conns:    make(map[string]*models.Connection),
		changes:  events.NewBus[*models.Connection](log),
	}
}

// Load restores persisted connections. No session survives a restart, so
// every connection comes back inactive.
func (m *Manager) Load(ctx context.Context) error {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("connection: list persisted connections: %w", err)
	}

	loaded := make(map[string]*models.Connection, len(keys))
	for _, key := range keys {
		var c models.Connection
		if err := persistence.LoadJSON(ctx, m.store, key, &c); err != nil {
			m.logger.Warn("skipping unreadable connection", zap.String("key", key), zap.Error(err))
			continue
		}
		c.Active = false
		loaded[c.ID] = &c
	}

	m.mu.Lock()
	for id, c := range loaded {
		m.conns[id] = c
	}
	m.mu.Unlock()

	m.logger.Info("connections loaded", zap.Int("count", len(loaded)))
	return nil
}

// Save validates and stores a connection. A non-empty secret is encrypted
// through the security port; an empty secret keeps the stored credential.
// Runtime status fields of an existing connection are preserved.
func (m *Manager) Save(ctx context.Context, conn models.Connection, secret string) (*models.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Timeout == 0 {
		conn.Timeout = defaultTimeout
	}
	if err := m.validate.Struct(conn); err != nil {
		return nil, faults.Wrap(err, faults.KindValidation, "connection", "invalid connection config")
	}

	if secret != "" {
		ref, err := m.sec.Encrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("connection: encrypt credential: %w", err)
		}
		conn.CredentialRef = ref
	}

	m.mu.Lock()
	if existing, ok := m.conns[conn.ID]; ok {
		if secret == "" {
			conn.CredentialRef = existing.CredentialRef
		}
		conn.Active = existing.Active
		conn.Health = existing.Health
		conn.LastConnected = existing.LastConnected
		conn.LastHealthCheck = existing.LastHealthCheck
		conn.ConnectionCount = existing.ConnectionCount
		conn.AvgLatencyMs = existing.AvgLatencyMs
		conn.LatencySamples = existing.LatencySamples
	} else {
		conn.Active = false
		conn.Health = models.HealthStatusUnknown
	}
	stored := conn
	m.conns[conn.ID] = &stored
	out := stored
	m.mu.Unlock()

	if err := m.persist(ctx, &out); err != nil {
		return nil, err
	}
	m.logger.Info("connection saved", zap.String("connection_id", out.ID), zap.String("name", out.Name))
	return &out, nil
}

// Get returns a copy of the connection with the given ID.
func (m *Manager) Get(id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, notFound(id)
	}
	out := *c
	return &out, nil
}

// List returns copies of all connections ordered by name.
func (m *Manager) List() []*models.Connection {
	m.mu.RLock()
	out := make([]*models.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		cp := *c
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Remove deletes an inactive connection.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	if c.Active {
		m.mu.Unlock()
		return faults.New(faults.KindValidation, "connection",
			"cannot remove the active connection", "disconnect before removing it")
	}
	delete(m.conns, id)
	m.mu.Unlock()

	if err := m.store.Remove(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("connection: remove %s: %w", id, err)
	}
	m.logger.Info("connection removed", zap.String("connection_id", id))
	return nil
}

// Connect probes the target and, only when the probe succeeds, switches the
// active connection to it in one step and starts a session. On failure
// nothing changes and any previously active connection stays active.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	target := *c
	m.state = StateConnecting
	m.mu.Unlock()

	res, err := m.probe(ctx, target)
	if err != nil || !res.OK {
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()

		detail := res.Detail
		if err != nil {
			detail = err.Error()
		}
		m.logger.Warn("connect failed",
			zap.String("connection_id", id),
			zap.String("endpoint", target.Endpoint),
			zap.String("detail", detail))

		m.mu.Lock()
		if m.activeID != "" {
			m.state = StateConnected
		} else {
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		return faults.Wrap(
			fmt.Errorf("probe of %s failed: %s", target.Endpoint, detail),
			faults.KindConnectionFailed, "connection", fmt.Sprintf("cannot connect to %q", target.Name),
		)
	}

	now := m.now()
	m.mu.Lock()
	var previous *models.Connection
	if m.activeID != "" && m.activeID != id {
		if p, ok := m.conns[m.activeID]; ok {
			p.Active = false
			cp := *p
			previous = &cp
		}
	}
	c.Active = true
	c.LastConnected = &now
	c.LastHealthCheck = &now
	c.ConnectionCount++
	c.Health = models.HealthStatusHealthy
	recordLatency(c, res.Latency)
	m.activeID = id
	m.state = StateConnected
	m.session = &models.Session{
		ConnectionID: id,
		StartedAt:    now,
		LastActivity: now,
		Timeout:      c.SessionTimeout,
		AutoLogout:   c.AutoLogout,
	}
	active := *c
	m.mu.Unlock()

	if previous != nil {
		m.sec.EndSession()
		m.logPersist(ctx, previous)
	}
	m.sec.StartSession(id, active.SessionTimeout)
	m.logPersist(ctx, &active)

	m.logger.Info("connected",
		zap.String("connection_id", id),
		zap.Duration("latency", res.Latency),
		zap.Int("connection_count", active.ConnectionCount))
	m.changes.Publish(&active)
	return nil
}

// Disconnect drops the active connection and ends its session. It is a
// no-op when nothing is active.
func (m *Manager) Disconnect(ctx context.Context, opts DisconnectOptions) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.disconnectLocked(ctx, opts.Backup, "requested")
	return nil
}

// disconnectLocked must be called with the lifecycle lock held.
func (m *Manager) disconnectLocked(ctx context.Context, backup bool, reason string) {
	m.mu.RLock()
	id := m.activeID
	var autoBackup bool
	if c, ok := m.conns[id]; ok {
		autoBackup = c.AutoBackup
	}
	m.mu.RUnlock()
	if id == "" {
		return
	}

	if (backup || autoBackup) && m.backup != nil {
		handle, err := m.backup.Snapshot(ctx, id)
		if err != nil {
			m.logger.Warn("pre-disconnect snapshot failed", zap.String("connection_id", id), zap.Error(err))
		} else {
			m.logger.Info("pre-disconnect snapshot taken",
				zap.String("connection_id", id), zap.String("backup_id", handle.ID))
		}
	}

	m.mu.Lock()
	var dropped *models.Connection
	if m.activeID == id {
		if c, ok := m.conns[id]; ok {
			c.Active = false
			cp := *c
			dropped = &cp
		}
		m.activeID = ""
		m.session = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	if dropped == nil {
		return
	}

	m.sec.EndSession()
	m.logPersist(ctx, dropped)
	m.logger.Info("disconnected", zap.String("connection_id", id), zap.String("reason", reason))
	m.changes.Publish(nil)
}

// Test probes a connection without touching the active connection or the
// session. Only the connection's health and latency fields are updated.
func (m *Manager) Test(ctx context.Context, id string) (*models.TestResult, error) {
	c, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	res, err := m.probe(ctx, *c)
	if err != nil {
		return &models.TestResult{Message: err.Error()}, nil
	}

	now := m.now()
	m.mu.Lock()
	var updated models.Connection
	if live, ok := m.conns[id]; ok {
		live.LastHealthCheck = &now
		if res.OK {
			live.Health = models.HealthStatusHealthy
			recordLatency(live, res.Latency)
		} else {
			live.Health = models.HealthStatusError
		}
		updated = *live
	}
	m.mu.Unlock()
	if updated.ID != "" {
		m.logPersist(ctx, &updated)
	}

	result := &models.TestResult{
		Success:   res.OK,
		LatencyMs: float64(res.Latency) / float64(time.Millisecond),
		Message:   res.Detail,
	}
	if res.OK {
		result.Message = "connection successful"
	}
	return result, nil
}

// Probe runs the reachability check for a connection without mutating it.
func (m *Manager) Probe(ctx context.Context, id string) (models.ProbeResult, error) {
	c, err := m.Get(id)
	if err != nil {
		return models.ProbeResult{}, err
	}
	return m.probe(ctx, *c)
}

func (m *Manager) probe(ctx context.Context, c models.Connection) (models.ProbeResult, error) {
	secret, err := m.sec.Decrypt(c.CredentialRef)
	if err != nil {
		return models.ProbeResult{}, faults.Wrap(err, faults.KindConnectionFailed, "connection",
			"stored credential cannot be decrypted", "save the connection again with its credential")
	}
	return m.tr.Probe(ctx, transport.Target{Connection: c, Secret: secret}), nil
}

// RecordHealth writes a health observation back to a connection. It is only
// applied while id is still the active connection; otherwise it returns
// false and the observation is dropped.
func (m *Manager) RecordHealth(ctx context.Context, id string, status models.HealthStatus, latency time.Duration, at time.Time) bool {
	m.mu.Lock()
	if m.activeID != id {
		m.mu.Unlock()
		return false
	}
	c := m.conns[id]
	c.Health = status
	c.LastHealthCheck = &at
	if status != models.HealthStatusError {
		recordLatency(c, latency)
	}
	cp := *c
	m.mu.Unlock()

	m.logPersist(ctx, &cp)
	return true
}

// GetActive returns a copy of the active connection, or nil.
func (m *Manager) GetActive() *models.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil
	}
	cp := *m.conns[m.activeID]
	return &cp
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	return &cp
}

// Touch records caller activity on the session. An idle session past its
// timeout is ended and SessionExpired is returned.
func (m *Manager) Touch(ctx context.Context) error {
	if m.expireIdle(ctx) {
		return faults.New(faults.KindSessionExpired, "connection", "session expired after inactivity")
	}
	m.mu.Lock()
	if m.session != nil {
		m.session.LastActivity = m.now()
	}
	hasSession := m.session != nil
	m.mu.Unlock()
	if hasSession {
		m.sec.ExtendSession()
	}
	return nil
}

// ActiveTarget returns the active connection with its decrypted credential.
// The boolean is false while offline. An idle session is expired first.
func (m *Manager) ActiveTarget(ctx context.Context) (transport.Target, bool, error) {
	m.expireIdle(ctx)

	active := m.GetActive()
	if active == nil {
		return transport.Target{}, false, nil
	}
	secret, err := m.sec.Decrypt(active.CredentialRef)
	if err != nil {
		return transport.Target{}, false, faults.Wrap(err, faults.KindConnectionFailed, "connection",
			"stored credential cannot be decrypted")
	}
	return transport.Target{Connection: *active, Secret: secret}, true, nil
}

// Reconnect is the network recovery routine: it tests the connection when it
// is already active and connects to it otherwise.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	if active := m.GetActive(); active != nil && active.ID == id {
		res, err := m.Test(ctx, id)
		if err != nil {
			return err
		}
		if !res.Success {
			return faults.New(faults.KindConnectionFailed, "connection", res.Message)
		}
		return nil
	}
	return m.Connect(ctx, id)
}

// OnConnectionChange registers fn to receive the new active connection (nil
// after a disconnect).
func (m *Manager) OnConnectionChange(fn func(*models.Connection)) events.Unsubscribe {
	return m.changes.Subscribe(fn)
}

// expireIdle ends an auto-logout session that has been idle past its
// timeout. It reports whether a session was expired.
func (m *Manager) expireIdle(ctx context.Context) bool {
	m.mu.RLock()
	expired := m.session.Expired(m.now())
	m.mu.RUnlock()
	if !expired {
		return false
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.mu.RLock()
	expired = m.session.Expired(m.now())
	m.mu.RUnlock()
	if !expired {
		return false
	}
	m.disconnectLocked(ctx, false, "session expired")
	return true
}

func (m *Manager) persist(ctx context.Context, c *models.Connection) error {
	if err := persistence.SaveJSON(ctx, m.store, keyPrefix+c.ID, c); err != nil {
		return fmt.Errorf("connection: persist %s: %w", c.ID, err)
	}
	return nil
}

// logPersist keeps in-memory state authoritative when the store lags; the
// next successful write catches it up.
func (m *Manager) logPersist(ctx context.Context, c *models.Connection) {
	if err := m.persist(ctx, c); err != nil {
		m.logger.Warn("store write failed", zap.String("connection_id", c.ID), zap.Error(err))
	}
}

func recordLatency(c *models.Connection, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	n := c.LatencySamples
	if n > latencyWindow-1 {
		n = latencyWindow - 1
	}
	c.AvgLatencyMs = (c.AvgLatencyMs*float64(n) + ms) / float64(n+1)
	c.LatencySamples++
}

func notFound(id string) error {
	return faults.Wrap(ErrNotFound, faults.KindValidation, "connection", fmt.Sprintf("unknown connection %q", id))
}
