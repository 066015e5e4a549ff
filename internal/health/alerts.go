package health

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const (
	alertSlowResponse        = "response time above threshold"
	alertHighFailureRate     = "high failure rate"
	alertConsecutiveFailures = "repeated consecutive failures"
)

// ErrAlertNotFound is returned when resolving an unknown alert.
var ErrAlertNotFound = errors.New("health: alert not found")

// GetActiveAlerts returns unresolved alerts, oldest first. An empty
// connectionID returns alerts for every connection.
func (m *Monitor) GetActiveAlerts(connectionID string) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Alert
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if a.Resolved {
			continue
		}
		if connectionID != "" && a.ConnectionID != connectionID {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolveAlert marks an alert resolved. Resolving an already resolved alert
// is a no-op.
func (m *Monitor) ResolveAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return faults.Wrap(ErrAlertNotFound, faults.KindValidation, "health", "alert "+id+" does not exist")
	}
	if a.Resolved {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now
	connectionID := a.ConnectionID
	m.pruneResolvedLocked()
	m.mu.Unlock()

	m.logger.Info("alert resolved", zap.String("alert_id", id), zap.String("connection_id", connectionID))
	m.persistAlerts(ctx)
	return nil
}

// OnAlert registers fn for newly raised alerts.
func (m *Monitor) OnAlert(fn func(models.Alert)) events.Unsubscribe {
	return m.alertRaised.Subscribe(fn)
}

// raiseLocked creates an alert unless an unresolved one with the same
// connection, category and message already exists. Callers hold m.mu.
func (m *Monitor) raiseLocked(connectionID string, category models.IssueCategory, severity models.Severity, message string, at time.Time) *models.Alert {
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if !a.Resolved && a.ConnectionID == connectionID && a.Category == category && a.Message == message {
			return nil
		}
	}

	a := &models.Alert{
		ID:           uuid.NewString(),
		Severity:     severity,
		Category:     category,
		Message:      message,
		ConnectionID: connectionID,
		CreatedAt:    at,
	}
	m.alerts[a.ID] = a
	m.alertOrder = append(m.alertOrder, a.ID)
	m.logger.Warn("alert raised",
		zap.String("alert_id", a.ID),
		zap.String("connection_id", connectionID),
		zap.String("severity", string(severity)),
		zap.String("message", message))
	return a
}

// resolveCategoryLocked resolves every unresolved alert of category for a
// connection and returns how many were resolved. Callers hold m.mu.
func (m *Monitor) resolveCategoryLocked(connectionID string, category models.IssueCategory, at time.Time) int {
	n := 0
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if a.Resolved || a.ConnectionID != connectionID || a.Category != category {
			continue
		}
		resolvedAt := at
		a.Resolved = true
		a.ResolvedAt = &resolvedAt
		n++
	}
	return n
}

// pruneResolvedLocked drops the oldest resolved alerts beyond
// resolvedAlertLimit. Callers hold m.mu.
func (m *Monitor) pruneResolvedLocked() {
	resolved := 0
	for _, id := range m.alertOrder {
		if m.alerts[id].Resolved {
			resolved++
		}
	}
	excess := resolved - resolvedAlertLimit
	if excess <= 0 {
		return
	}
	kept := m.alertOrder[:0]
	for _, id := range m.alertOrder {
		if excess > 0 && m.alerts[id].Resolved {
			delete(m.alerts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.alertOrder = kept
}

func (m *Monitor) persistAlerts(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	alerts := make([]models.Alert, 0, len(m.alertOrder))
	for _, id := range m.alertOrder {
		alerts = append(alerts, *m.alerts[id])
	}
	m.mu.RUnlock()

	if err := persistence.SaveJSON(ctx, m.store, alertsKey, alerts); err != nil {
		m.logger.Warn("failed to persist alerts", zap.Error(err))
	}
}
