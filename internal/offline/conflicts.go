package offline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// Conflicts returns conflicts in detection order, optionally only the
// unresolved ones.
func (e *Engine) Conflicts(unresolvedOnly bool) []models.SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflictsLocked(unresolvedOnly)
}

// ResolveConflicts applies strategy to the conflicts with the given ids and
// returns their updated state.
//
// Server-wins drops the local changes and adopts the remote record.
// Client-wins re-applies the local change with the version check skipped.
// Merge re-applies the remote record overlaid with the local fields. A
// re-apply the backend still refuses leaves the conflict unresolved and is
// reported in the returned error. Manual leaves every conflict unresolved.
func (e *Engine) ResolveConflicts(ctx context.Context, ids []string, strategy models.ResolutionStrategy) ([]models.SyncConflict, error) {
	switch strategy {
	case models.StrategyServerWins, models.StrategyClientWins, models.StrategyManual, models.StrategyMerge:
	default:
		return nil, faults.Newf(faults.KindValidation, "offline", "unknown resolution strategy %q", strategy)
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return nil, errDisabled()
	}
	generation := e.generation
	selected := make([]models.SyncConflict, 0, len(ids))
	for _, id := range ids {
		c, ok := e.conflicts[id]
		if !ok {
			e.mu.Unlock()
			return nil, faults.Newf(faults.KindValidation, "offline", "conflict %s does not exist", id)
		}
		selected = append(selected, *c)
	}
	e.mu.Unlock()

	var pending []models.SyncConflict
	for _, c := range selected {
		if !c.Resolved {
			pending = append(pending, c)
		}
	}
	if strategy == models.StrategyManual || len(pending) == 0 {
		return e.lookupConflicts(ids), nil
	}

	if strategy == models.StrategyServerWins {
		for _, c := range pending {
			e.settle(ctx, generation, c, models.ResolutionRemote, remoteOperation(c))
		}
		e.logger.Info("conflicts resolved", zap.String("strategy", string(strategy)), zap.Int("count", len(pending)))
		return e.lookupConflicts(ids), nil
	}

	target, online, err := e.conns.ActiveTarget(ctx)
	if err != nil {
		return e.lookupConflicts(ids), err
	}
	if !online {
		return e.lookupConflicts(ids), faults.New(faults.KindNetwork, "offline",
			"re-applying local changes needs an active connection")
	}
	timeout := target.Connection.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	var result *multierror.Error
	resolved := 0
	for _, c := range pending {
		op := localOperation(c, strategy)
		if err := e.apply(ctx, target, timeout, op); err != nil {
			e.logger.Warn("conflict re-apply failed",
				zap.String("conflict_id", c.ID), zap.String("table", c.Table),
				zap.String("record_id", c.RecordID), zap.Error(err))
			result = multierror.Append(result, faults.Wrap(err, faults.KindSyncConflict, "offline",
				fmt.Sprintf("conflict %s on %s/%s is still unresolved", c.ID, c.Table, c.RecordID)))
			continue
		}
		resolution := models.ResolutionLocal
		if strategy == models.StrategyMerge {
			resolution = models.ResolutionMerge
		}
		e.settle(ctx, generation, c, resolution, &op)
		resolved++
	}
	e.logger.Info("conflicts resolved",
		zap.String("strategy", string(strategy)),
		zap.Int("resolved", resolved),
		zap.Int("unresolved", len(pending)-resolved))
	return e.lookupConflicts(ids), result.ErrorOrNil()
}

// settle marks a conflict resolved, drops its local changes and applies op
// (when non-nil) to the base rows.
func (e *Engine) settle(ctx context.Context, generation uint64, c models.SyncConflict, resolution models.Resolution, op *transport.Operation) {
	drop := make(map[string]bool, len(c.ChangeIDs))
	for _, id := range c.ChangeIDs {
		drop[id] = true
	}

	e.mu.Lock()
	if e.generation != generation {
		e.mu.Unlock()
		return
	}
	live, ok := e.conflicts[c.ID]
	if !ok || live.Resolved {
		e.mu.Unlock()
		return
	}
	now := e.now()
	live.Resolved = true
	live.Resolution = resolution
	live.ResolvedAt = &now

	var snapshot *models.CachedTable
	if t, ok := e.tables[c.Table]; ok {
		kept := t.Changes[:0]
		for _, ch := range t.Changes {
			if drop[ch.ID] {
				continue
			}
			kept = append(kept, ch)
		}
		t.Changes = kept
		if op != nil {
			t.Rows = applyChange(cloneRows(t.Rows), op.Kind, op.RecordID, op.Payload)
			if size, err := sizeOf(t.Rows); err == nil {
				e.sizes[c.Table] = size
			}
		}
		t.LastModified = now
		snapshot = cloneTable(t)
	}
	e.pruneResolvedLocked()
	conflicts := e.conflictsLocked(false)
	e.mu.Unlock()

	if snapshot != nil {
		e.persistTable(ctx, snapshot)
	}
	e.persistConflicts(ctx, conflicts)
}

// remoteOperation returns the base-row change that adopts the remote side
// of a conflict, or nil when the remote side is unknown.
func remoteOperation(c models.SyncConflict) *transport.Operation {
	switch {
	case c.RemotePayload != nil:
		return &transport.Operation{Table: c.Table, RecordID: c.RecordID, Kind: models.ChangeCreate, Payload: c.RemotePayload}
	case c.Kind == models.ConflictMissing:
		return &transport.Operation{Table: c.Table, RecordID: c.RecordID, Kind: models.ChangeDelete}
	default:
		return nil
	}
}

// localOperation builds the forced operation for client-wins and merge.
func localOperation(c models.SyncConflict, strategy models.ResolutionStrategy) transport.Operation {
	op := transport.Operation{
		Table:    c.Table,
		RecordID: c.RecordID,
		Kind:     c.ChangeKind,
		Payload:  c.LocalPayload.Clone(),
		Force:    true,
		Replace:  c.ChangeKind == models.ChangeCreate,
	}
	if strategy == models.StrategyMerge && c.ChangeKind != models.ChangeDelete {
		op.Payload = merge(c.RemotePayload, c.LocalPayload)
	}
	return op
}

func (e *Engine) lookupConflicts(ids []string) []models.SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.SyncConflict, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.conflicts[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// conflictsLocked returns copies of the stored conflicts. Callers hold e.mu.
func (e *Engine) conflictsLocked(unresolvedOnly bool) []models.SyncConflict {
	out := make([]models.SyncConflict, 0, len(e.conflictOrder))
	for _, id := range e.conflictOrder {
		c := e.conflicts[id]
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// pruneResolvedLocked keeps only the most recent resolved conflicts.
// Callers hold e.mu.
func (e *Engine) pruneResolvedLocked() {
	resolved := 0
	for _, id := range e.conflictOrder {
		if e.conflicts[id].Resolved {
			resolved++
		}
	}
	excess := resolved - resolvedLimit
	if excess <= 0 {
		return
	}
	kept := e.conflictOrder[:0]
	for _, id := range e.conflictOrder {
		if excess > 0 && e.conflicts[id].Resolved {
			delete(e.conflicts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.conflictOrder = kept
}
