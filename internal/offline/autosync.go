package offline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// StartAutoSync syncs every interval while a connection is active and
// unsynced changes exist. Calling it again restarts the timer.
func (e *Engine) StartAutoSync(ctx context.Context, interval time.Duration) {
	e.autoSync.Start(ctx, interval, e.autoSyncTick)
	e.logger.Info("auto-sync started", zap.Duration("interval", interval))
}

// StopAutoSync cancels the auto-sync timer and waits for a running tick.
func (e *Engine) StopAutoSync() {
	e.autoSync.Stop()
}

// AutoSyncRunning reports whether the auto-sync timer is active.
func (e *Engine) AutoSyncRunning() bool {
	return e.autoSync.Running()
}

// NotifyConnectivity is wired to connection changes. When a connection
// becomes active and changes are waiting, a sync starts in the background.
func (e *Engine) NotifyConnectivity(conn *models.Connection) {
	if conn == nil || !e.hasSyncableChanges() {
		return
	}
	if e.bgCtx.Err() != nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		res := e.Sync(e.bgCtx)
		if !res.Success {
			e.logger.Warn("sync after reconnect failed", zap.String("connection_id", conn.ID), zap.String("error", res.Error))
		}
	}()
}

func (e *Engine) autoSyncTick(ctx context.Context) {
	if !e.hasSyncableChanges() {
		return
	}
	if _, online, err := e.conns.ActiveTarget(ctx); err != nil || !online {
		return
	}
	res := e.Sync(ctx)
	if !res.Success {
		e.logger.Warn("auto-sync failed", zap.String("error", res.Error))
	}
}

// hasSyncableChanges reports whether the engine is enabled and holds an
// unsynced change not blocked by an unresolved conflict.
func (e *Engine) hasSyncableChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return false
	}
	blocked := make(map[string]bool)
	for _, c := range e.conflicts {
		if !c.Resolved {
			blocked[recordKey(c.Table, c.RecordID)] = true
		}
	}
	for _, c := range e.pendingLocked("") {
		if !blocked[recordKey(c.Table, c.RecordID)] {
			return true
		}
	}
	return false
}
