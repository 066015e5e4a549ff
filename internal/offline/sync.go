package offline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// defaultCallTimeout bounds backend calls for connections without a timeout.
const defaultCallTimeout = 10 * time.Second

// syncPlan is the stable snapshot a sync works on.
type syncPlan struct {
	generation uint64
	changes    []*models.PendingChange
	blocked    map[string]bool
	tables     []string
}

// Sync pushes unsynced local changes to the backend and refreshes every
// cached table. Only the changes queued when the sync starts are considered;
// changes recorded meanwhile wait for the next sync. Backend refusals become
// conflicts and leave their changes unsynced. Without an active connection,
// or when a backend call fails outright, the result reports failure with zero
// statistics.
func (e *Engine) Sync(ctx context.Context) *models.SyncResult {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	start := e.now()
	finish := func(res *models.SyncResult) *models.SyncResult {
		res.Duration = e.now().Sub(start)
		res.DurationMs = res.Duration.Milliseconds()
		if res.SyncedTables == nil {
			res.SyncedTables = []string{}
		}
		if res.Conflicts == nil {
			res.Conflicts = []*models.SyncConflict{}
		}
		return res
	}
	fail := func(err error) *models.SyncResult {
		return finish(&models.SyncResult{Success: false, Error: err.Error()})
	}

	plan, ok := e.plan()
	if !ok {
		return fail(errDisabled())
	}

	target, online, err := e.conns.ActiveTarget(ctx)
	if err != nil {
		return fail(err)
	}
	if !online {
		return fail(faults.New(faults.KindNetwork, "offline", "no active connection"))
	}
	connID := target.Connection.ID
	timeout := target.Connection.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	batches := coalesce(plan.changes)
	e.emitProgress(0, fmt.Sprintf("syncing %d changes across %d records", len(plan.changes), len(batches)))
	e.logger.Info("sync started",
		zap.String("connection_id", connID),
		zap.Int("changes", len(plan.changes)),
		zap.Int("records", len(batches)))

	var (
		stats     models.SyncStatistics
		applied   []batch
		conflicts []*models.SyncConflict
		touched   = make(map[string]bool)
	)
	for i, b := range batches {
		if plan.blocked[b.key()] {
			stats.Skipped += len(b.ChangeIDs)
			continue
		}
		if b.Kind == "" {
			applied = append(applied, b)
			stats.ChangesSynced += len(b.ChangeIDs)
			continue
		}

		err := e.apply(ctx, target, timeout, transport.Operation{
			Table: b.Table, RecordID: b.RecordID, Kind: b.Kind, Payload: b.Payload, Replace: b.Replace,
		})
		if rej, ok := transport.AsRejection(err); ok {
			conflicts = append(conflicts, &models.SyncConflict{
				ID:            uuid.NewString(),
				Table:         b.Table,
				RecordID:      b.RecordID,
				ChangeIDs:     append([]string(nil), b.ChangeIDs...),
				ChangeKind:    b.Kind,
				LocalPayload:  b.Payload.Clone(),
				RemotePayload: rej.Remote.Clone(),
				Kind:          rej.Kind,
				Reason:        rej.Reason,
				DetectedAt:    e.now(),
			})
			continue
		}
		if err != nil {
			// Changes the backend already accepted must not be sent twice.
			e.commit(ctx, plan.generation, applied, conflicts, nil)
			return fail(e.backendFailure(err, connID))
		}
		applied = append(applied, b)
		touched[b.Table] = true
		stats.RecordsApplied++
		stats.ChangesSynced += len(b.ChangeIDs)
		e.emitProgress(80*float64(i+1)/float64(len(batches)), fmt.Sprintf("applied %s/%s", b.Table, b.RecordID))
	}
	stats.Conflicts = len(conflicts)

	refreshed := make(map[string][]models.Row, len(plan.tables))
	for _, table := range plan.tables {
		rows, err := e.fetch(ctx, target, timeout, table)
		if err != nil {
			e.commit(ctx, plan.generation, applied, conflicts, nil)
			return fail(e.backendFailure(err, connID))
		}
		refreshed[table] = rows
		touched[table] = true
	}
	stats.TablesRefreshed = len(refreshed)

	if !e.commit(ctx, plan.generation, applied, conflicts, refreshed) {
		e.logger.Info("discarding sync result, offline mode was disabled", zap.String("connection_id", connID))
		return fail(faults.New(faults.KindValidation, "offline", "offline mode was disabled during sync"))
	}

	synced := make([]string, 0, len(touched))
	for table := range touched {
		synced = append(synced, table)
	}
	sort.Strings(synced)

	e.emitProgress(100, "sync complete")
	if len(conflicts) > 0 {
		out := make([]models.SyncConflict, len(conflicts))
		for i, c := range conflicts {
			out[i] = *c
		}
		e.conflicted.Publish(out)
	}
	e.logger.Info("sync finished",
		zap.String("connection_id", connID),
		zap.Int("changes_synced", stats.ChangesSynced),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("skipped", stats.Skipped),
		zap.Int("tables_refreshed", stats.TablesRefreshed))

	return finish(&models.SyncResult{
		Success:      true,
		SyncedTables: synced,
		Conflicts:    conflicts,
		Statistics:   stats,
	})
}

// plan snapshots the unsynced changes, the records blocked by unresolved
// conflicts and the cached table names.
func (e *Engine) plan() (syncPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return syncPlan{}, false
	}
	p := syncPlan{generation: e.generation, blocked: make(map[string]bool)}
	for _, c := range e.pendingLocked("") {
		cc := *c
		cc.Payload = c.Payload.Clone()
		p.changes = append(p.changes, &cc)
	}
	for _, c := range e.conflicts {
		if !c.Resolved {
			p.blocked[recordKey(c.Table, c.RecordID)] = true
		}
	}
	for name := range e.tables {
		p.tables = append(p.tables, name)
	}
	sort.Strings(p.tables)
	return p, true
}

// commit records the outcome of a sync. Applied changes are folded into the
// base rows and dropped from the queue, new conflicts are stored and
// refreshed tables get the backend's rows. It returns false without touching
// anything when the engine was disabled since the plan was taken.
func (e *Engine) commit(ctx context.Context, generation uint64, applied []batch, conflicts []*models.SyncConflict, refreshed map[string][]models.Row) bool {
	done := make(map[string]bool)
	for _, b := range applied {
		for _, id := range b.ChangeIDs {
			done[id] = true
		}
	}

	e.mu.Lock()
	if e.generation != generation || !e.enabled {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	dirty := make(map[string]bool)

	for _, b := range applied {
		t, ok := e.tables[b.Table]
		if !ok {
			continue
		}
		rows := cloneRows(t.Rows)
		if b.Kind != "" {
			rows = applyChange(rows, b.Kind, b.RecordID, b.Payload)
		}
		t.Rows = rows
		dirty[b.Table] = true
	}
	for name, t := range e.tables {
		kept := t.Changes[:0]
		for _, c := range t.Changes {
			if done[c.ID] {
				c.Synced = true
				dirty[name] = true
				continue
			}
			kept = append(kept, c)
		}
		t.Changes = kept
	}
	for name, rows := range refreshed {
		t, ok := e.tables[name]
		if !ok {
			continue
		}
		t.Rows = rows
		t.Version++
		t.LastModified = now
		dirty[name] = true
	}

	var persist []*models.CachedTable
	for name := range dirty {
		t := e.tables[name]
		if size, err := sizeOf(t.Rows); err == nil {
			e.sizes[name] = size
		}
		persist = append(persist, cloneTable(t))
	}

	for _, c := range conflicts {
		e.conflicts[c.ID] = c
		e.conflictOrder = append(e.conflictOrder, c.ID)
	}
	var allConflicts []models.SyncConflict
	if len(conflicts) > 0 {
		e.pruneResolvedLocked()
		allConflicts = e.conflictsLocked(false)
	}
	e.mu.Unlock()

	for _, t := range persist {
		e.persistTable(ctx, t)
	}
	if allConflicts != nil {
		e.persistConflicts(ctx, allConflicts)
	}
	return true
}

func (e *Engine) apply(ctx context.Context, target transport.Target, timeout time.Duration, op transport.Operation) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.tr.ApplyChange(callCtx, target, op)
}

func (e *Engine) fetch(ctx context.Context, target transport.Target, timeout time.Duration, table string) ([]models.Row, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.tr.FetchSnapshot(callCtx, target, table)
}

// backendFailure classifies an outright backend error and hands it to
// recovery.
func (e *Engine) backendFailure(err error, connID string) error {
	ferr := err
	if _, ok := faults.KindOf(err); !ok {
		ferr = faults.Wrap(err, faults.KindNetwork, "offline", "backend call failed during sync")
	}
	e.logger.Warn("sync failed", zap.String("connection_id", connID), zap.Error(err))
	if e.recoverer != nil {
		f := recovery.FailureFrom(ferr, connID)
		f.At = e.now()
		e.recoverer.AttemptAsync(f)
	}
	return ferr
}

func (e *Engine) emitProgress(percent float64, message string) {
	e.progress.Publish(Progress{Percent: percent, Message: message})
}
