// Package offline implements the offline cache and sync engine.
//
// The engine keeps a local replica of backend tables together with a queue
// of local changes. Reads fold unsynced changes over the last snapshot
// received from the backend, so the replica stays usable while the link is
// down. Sync coalesces the queue per record, applies it through the
// transport, turns backend refusals into conflicts instead of dropping
// them, and then refreshes every cached table from the backend. Tables and
// conflicts are persisted through the persistence port.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/schedule"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const (
	tableKeyPrefix = "offline/tables/"
	conflictsKey   = "offline/conflicts"

	// resolvedLimit bounds how many resolved conflicts are kept for history.
	resolvedLimit = 100
)

// Connectivity reports whether a connection is active and how to reach it.
type Connectivity interface {
	ActiveTarget(ctx context.Context) (transport.Target, bool, error)
}

// Recoverer accepts detached recovery attempts.
type Recoverer interface {
	AttemptAsync(f recovery.Failure)
}

// Options configures an Engine. Store, Codec and Recoverer are optional.
type Options struct {
	Transport    transport.Transport
	Connectivity Connectivity
	Recoverer    Recoverer
	Store        persistence.Store
	Codec        Codec
	// MaxBytes bounds the total size of cached base rows. Zero means
	// unbounded.
	MaxBytes int
	Logger   *zap.Logger
	Now      func() time.Time
}

// TableInfo summarizes a cached table.
type TableInfo struct {
	Name         string    `json:"name"`
	Version      int64     `json:"version"`
	Rows         int       `json:"rows"`
	Pending      int       `json:"pending"`
	SizeBytes    int       `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Progress is a sync progress notification. Percent is in [0, 100].
type Progress struct {
	Percent float64
	Message string
}

// Engine is the offline cache and sync engine.
type Engine struct {
	tr        transport.Transport
	conns     Connectivity
	recoverer Recoverer
	store     persistence.Store
	codec     Codec
	maxBytes  int
	logger    *zap.Logger
	now       func() time.Time

	// syncMu allows a single sync or conflict resolution at a time.
	syncMu sync.Mutex

	mu            sync.Mutex
	enabled       bool
	generation    uint64
	tables        map[string]*models.CachedTable
	sizes         map[string]int
	conflicts     map[string]*models.SyncConflict
	conflictOrder []string

	autoSync schedule.Periodic
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	progress   *events.Bus[Progress]
	conflicted *events.Bus[[]models.SyncConflict]
}

// NewEngine creates an enabled Engine.
func NewEngine(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	codec := opts.Codec
	if codec == nil {
		codec = plainCodec{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.OrNop(opts.Logger).Named("offline")
	return &Engine{
		tr:         opts.Transport,
		conns:      opts.Connectivity,
		recoverer:  opts.Recoverer,
		store:      opts.Store,
		codec:      codec,
		maxBytes:   opts.MaxBytes,
		logger:     log,
		now:        now,
		enabled:    true,
		tables:     make(map[string]*models.CachedTable),
		sizes:      make(map[string]int),
		conflicts:  make(map[string]*models.SyncConflict),
		bgCtx:      ctx,
		bgCancel:   cancel,
		progress:   events.NewBus[Progress](log),
		conflicted: events.NewBus[[]models.SyncConflict](log),
	}
}

// Enable turns offline mode on.
func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		e.enabled = true
		e.logger.Info("offline mode enabled")
	}
}

// Enabled reports whether offline mode is on.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Disable turns offline mode off, stops auto-sync and discards every cached
// table, pending change and conflict, including their persisted copies. The
// result of a sync still in flight is discarded.
func (e *Engine) Disable(ctx context.Context) error {
	e.autoSync.Stop()

	e.mu.Lock()
	e.enabled = false
	e.generation++
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	e.tables = make(map[string]*models.CachedTable)
	e.sizes = make(map[string]int)
	e.conflicts = make(map[string]*models.SyncConflict)
	e.conflictOrder = nil
	e.mu.Unlock()

	e.logger.Info("offline mode disabled, cache cleared", zap.Int("tables", len(names)))

	if e.store == nil {
		return nil
	}
	keys, err := e.store.List(ctx, tableKeyPrefix)
	if err != nil {
		return fmt.Errorf("offline: listing persisted tables: %w", err)
	}
	keys = append(keys, conflictsKey)

	var result *multierror.Error
	for _, key := range keys {
		if err := e.store.Remove(ctx, key); err != nil {
			result = multierror.Append(result, fmt.Errorf("removing %s: %w", key, err))
		}
	}
	return result.ErrorOrNil()
}

// Close stops auto-sync and waits for background syncs to finish.
func (e *Engine) Close() {
	e.autoSync.Stop()
	e.bgCancel()
	e.bg.Wait()
}

// Cache stores rows as the base snapshot of table. Local changes already
// queued for the table are kept. When the size ceiling would be exceeded,
// least-recently-modified tables without unsynced changes are evicted; if
// that is not enough the call fails with a storage-full error and nothing
// is changed.
func (e *Engine) Cache(ctx context.Context, table string, rows []models.Row) error {
	if strings.TrimSpace(table) == "" {
		return faults.New(faults.KindValidation, "offline", "table name is required")
	}
	size, err := sizeOf(rows)
	if err != nil {
		return faults.Wrap(err, faults.KindValidation, "offline", "rows cannot be encoded")
	}

	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return errDisabled()
	}

	evict, ok := e.planEvictionLocked(table, size)
	if !ok {
		total := e.totalLocked()
		e.mu.Unlock()
		return faults.Newf(faults.KindStorageFull, "offline",
			"caching %s needs %d bytes, cache holds %d of %d bytes", table, size, total, e.maxBytes)
	}
	for _, name := range evict {
		delete(e.tables, name)
		delete(e.sizes, name)
	}

	t, exists := e.tables[table]
	if !exists {
		t = &models.CachedTable{Name: table}
		e.tables[table] = t
	}
	t.Rows = cloneRows(rows)
	t.Version++
	t.LastModified = e.now()
	e.sizes[table] = size
	snapshot := cloneTable(t)
	e.mu.Unlock()

	if len(evict) > 0 {
		e.logger.Info("evicted cached tables", zap.Strings("tables", evict), zap.String("for", table))
		e.removePersisted(ctx, evict)
	}
	e.logger.Debug("table cached", zap.String("table", table), zap.Int("rows", len(rows)), zap.Int("bytes", size))
	e.persistTable(ctx, snapshot)
	return nil
}

// Read returns the rows of table with unsynced changes folded in, in the
// order they were recorded. A disabled engine or unknown table yields an
// empty result.
func (e *Engine) Read(table string) []models.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !e.enabled || !ok {
		return []models.Row{}
	}
	return fold(t.Rows, t.Changes)
}

// RecordChange queues a local change. It is accepted whether or not a
// connection is active. A create without a record id gets a generated one.
func (e *Engine) RecordChange(ctx context.Context, kind models.ChangeKind, table, recordID string, payload models.Row) (*models.PendingChange, error) {
	if !kind.Valid() {
		return nil, faults.Newf(faults.KindValidation, "offline", "unknown change kind %q", kind)
	}
	if strings.TrimSpace(table) == "" {
		return nil, faults.New(faults.KindValidation, "offline", "table name is required")
	}
	if recordID == "" {
		if kind != models.ChangeCreate {
			return nil, faults.Newf(faults.KindValidation, "offline", "%s requires a record id", kind)
		}
		recordID = uuid.NewString()
	}

	change := &models.PendingChange{
		ID:        uuid.NewString(),
		Kind:      kind,
		Table:     table,
		RecordID:  recordID,
		Payload:   payload.Clone(),
		CreatedAt: e.now(),
	}
	if kind == models.ChangeDelete {
		change.Payload = nil
	}

	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return nil, errDisabled()
	}
	t, ok := e.tables[table]
	if !ok {
		t = &models.CachedTable{Name: table}
		e.tables[table] = t
	}
	t.Changes = append(t.Changes, change)
	t.LastModified = change.CreatedAt
	snapshot := cloneTable(t)
	out := *change
	e.mu.Unlock()

	e.logger.Debug("change recorded",
		zap.String("table", table), zap.String("record_id", recordID), zap.String("kind", string(kind)))
	e.persistTable(ctx, snapshot)
	return &out, nil
}

// GetPendingChanges returns unsynced changes in creation order. An empty
// table returns changes for every table.
func (e *Engine) GetPendingChanges(table string) []models.PendingChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.PendingChange
	for _, c := range e.pendingLocked(table) {
		out = append(out, *c)
	}
	return out
}

// PendingCount returns the number of unsynced changes.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingLocked(""))
}

// Tables summarizes the cached tables, sorted by name.
func (e *Engine) Tables() []TableInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TableInfo, 0, len(e.tables))
	for name, t := range e.tables {
		out = append(out, TableInfo{
			Name:         name,
			Version:      t.Version,
			Rows:         len(t.Rows),
			Pending:      countUnsynced(t.Changes),
			SizeBytes:    e.sizes[name],
			LastModified: t.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Export returns deep copies of every cached table, sorted by name.
func (e *Engine) Export() []models.CachedTable {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.CachedTable, 0, len(e.tables))
	for _, t := range e.tables {
		out = append(out, *cloneTable(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReleaseSpace frees cache space: it drops resolved conflicts and evicts
// least-recently-modified tables without unsynced changes until the cache
// is at most half of its ceiling. It returns the number of bytes freed.
func (e *Engine) ReleaseSpace(ctx context.Context) (int, error) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return 0, nil
	}
	var kept []string
	for _, id := range e.conflictOrder {
		if e.conflicts[id].Resolved {
			delete(e.conflicts, id)
			continue
		}
		kept = append(kept, id)
	}
	e.conflictOrder = kept

	target := e.maxBytes / 2
	freed := 0
	var evicted []string
	if e.maxBytes > 0 {
		for _, name := range e.evictionCandidatesLocked("") {
			if e.totalLocked() <= target {
				break
			}
			freed += e.sizes[name]
			evicted = append(evicted, name)
			delete(e.tables, name)
			delete(e.sizes, name)
		}
	}
	conflicts := e.conflictsLocked(false)
	e.mu.Unlock()

	e.removePersisted(ctx, evicted)
	e.persistConflicts(ctx, conflicts)
	e.logger.Info("released cache space", zap.Int("bytes", freed), zap.Strings("evicted", evicted))
	return freed, nil
}

// OnSyncProgress registers fn for sync progress updates.
func (e *Engine) OnSyncProgress(fn func(progress float64, message string)) events.Unsubscribe {
	return e.progress.Subscribe(func(p Progress) { fn(p.Percent, p.Message) })
}

// OnSyncConflict registers fn for conflicts produced by a sync.
func (e *Engine) OnSyncConflict(fn func([]models.SyncConflict)) events.Unsubscribe {
	return e.conflicted.Subscribe(fn)
}

// Load restores persisted tables and conflicts.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	keys, err := e.store.List(ctx, tableKeyPrefix)
	if err != nil {
		return fmt.Errorf("offline: listing persisted tables: %w", err)
	}

	tables := make(map[string]*models.CachedTable, len(keys))
	sizes := make(map[string]int, len(keys))
	for _, key := range keys {
		var t models.CachedTable
		if err := e.loadValue(ctx, key, &t); err != nil {
			e.logger.Warn("skipping unreadable cached table", zap.String("key", key), zap.Error(err))
			continue
		}
		size, _ := sizeOf(t.Rows)
		tables[t.Name] = &t
		sizes[t.Name] = size
	}

	var conflicts []*models.SyncConflict
	if err := e.loadValue(ctx, conflictsKey, &conflicts); err != nil && !isNotFound(err) {
		return fmt.Errorf("offline: loading conflicts: %w", err)
	}

	e.mu.Lock()
	e.tables = tables
	e.sizes = sizes
	e.conflicts = make(map[string]*models.SyncConflict, len(conflicts))
	e.conflictOrder = e.conflictOrder[:0]
	for _, c := range conflicts {
		e.conflicts[c.ID] = c
		e.conflictOrder = append(e.conflictOrder, c.ID)
	}
	e.mu.Unlock()

	e.logger.Info("offline cache loaded", zap.Int("tables", len(tables)), zap.Int("conflicts", len(conflicts)))
	return nil
}

// pendingLocked returns unsynced changes for table (all tables when empty)
// in creation order. Callers hold e.mu.
func (e *Engine) pendingLocked(table string) []*models.PendingChange {
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		if table == "" || name == table {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []*models.PendingChange
	for _, name := range names {
		for _, c := range e.tables[name].Changes {
			if !c.Synced {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) totalLocked() int {
	total := 0
	for _, n := range e.sizes {
		total += n
	}
	return total
}

// evictionCandidatesLocked lists tables other than except that have no
// unsynced changes, least recently modified first.
func (e *Engine) evictionCandidatesLocked(except string) []string {
	var names []string
	for name, t := range e.tables {
		if name == except || countUnsynced(t.Changes) > 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := e.tables[names[i]], e.tables[names[j]]
		if a.LastModified.Equal(b.LastModified) {
			return names[i] < names[j]
		}
		return a.LastModified.Before(b.LastModified)
	})
	return names
}

// planEvictionLocked returns the tables to evict so that table can hold
// size bytes, or false when no eviction plan fits.
func (e *Engine) planEvictionLocked(table string, size int) ([]string, bool) {
	if e.maxBytes <= 0 {
		return nil, true
	}
	total := e.totalLocked() - e.sizes[table] + size
	if total <= e.maxBytes {
		return nil, true
	}
	var evict []string
	for _, name := range e.evictionCandidatesLocked(table) {
		evict = append(evict, name)
		total -= e.sizes[name]
		if total <= e.maxBytes {
			return evict, true
		}
	}
	return nil, false
}

func (e *Engine) persistTable(ctx context.Context, t *models.CachedTable) {
	if e.store == nil {
		return
	}
	if err := e.saveValue(ctx, tableKeyPrefix+t.Name, t); err != nil {
		e.logger.Warn("failed to persist cached table", zap.String("table", t.Name), zap.Error(err))
		e.reportStorage(err)
	}
}

func (e *Engine) persistConflicts(ctx context.Context, conflicts []models.SyncConflict) {
	if e.store == nil {
		return
	}
	if err := e.saveValue(ctx, conflictsKey, conflicts); err != nil {
		e.logger.Warn("failed to persist conflicts", zap.Error(err))
		e.reportStorage(err)
	}
}

func (e *Engine) removePersisted(ctx context.Context, tables []string) {
	if e.store == nil {
		return
	}
	for _, name := range tables {
		if err := e.store.Remove(ctx, tableKeyPrefix+name); err != nil {
			e.logger.Warn("failed to remove persisted table", zap.String("table", name), zap.Error(err))
		}
	}
}

// reportStorage hands a storage-full persistence failure to recovery.
func (e *Engine) reportStorage(err error) {
	if e.recoverer != nil && faults.Is(err, faults.KindStorageFull) {
		e.recoverer.AttemptAsync(recovery.Failure{Kind: faults.KindStorageFull, Err: err, At: e.now()})
	}
}

func (e *Engine) saveValue(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("offline: marshal %s: %w", key, err)
	}
	encoded, err := e.codec.Encode(data)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, key, encoded)
}

func (e *Engine) loadValue(ctx context.Context, key string, v any) error {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	data, err := e.codec.Decode(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("offline: unmarshal %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}

func errDisabled() error {
	return faults.New(faults.KindValidation, "offline", "offline mode is disabled", "enable offline mode first")
}

func sizeOf(rows []models.Row) (int, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func countUnsynced(changes []*models.PendingChange) int {
	n := 0
	for _, c := range changes {
		if !c.Synced {
			n++
		}
	}
	return n
}

func cloneRows(rows []models.Row) []models.Row {
	if rows == nil {
		return nil
	}
	out := make([]models.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func cloneTable(t *models.CachedTable) *models.CachedTable {
	cp := *t
	cp.Rows = cloneRows(t.Rows)
	cp.Changes = make([]*models.PendingChange, len(t.Changes))
	for i, c := range t.Changes {
		cc := *c
		cc.Payload = c.Payload.Clone()
		cp.Changes[i] = &cc
	}
	return &cp
}
