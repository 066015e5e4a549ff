// Package health implements periodic health monitoring of the active link.
//
// The monitor probes whichever connection is currently active on a fixed
// interval, grades the result into a HealthRecord with issues and
// recommendations, and keeps a bounded per-connection history that drives the
// rolling failure rate. It tracks consecutive failures, raises de-duplicated
// alerts, auto-resolves connectivity alerts once the link is healthy again and
// hands background probe failures to the recovery orchestrator.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/persistence"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/schedule"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const (
	// historyLimit bounds the per-connection history.
	historyLimit = 100
	// rateWindow is the number of most recent records the failure rate is
	// computed over.
	rateWindow = 20
	// minRateSamples is the minimum history needed before a failure rate is
	// reported.
	minRateSamples = 5
	// resolvedAlertLimit bounds how many resolved alerts are kept for history.
	resolvedAlertLimit = 100

	historyKeyPrefix = "health/history/"
	alertsKey        = "health/alerts"
)

// Connections is the view of the connection manager the monitor needs.
type Connections interface {
	GetActive() *models.Connection
	Probe(ctx context.Context, id string) (models.ProbeResult, error)
	RecordHealth(ctx context.Context, id string, status models.HealthStatus, latency time.Duration, at time.Time) bool
}

// Recoverer accepts detached recovery attempts.
type Recoverer interface {
	AttemptAsync(f recovery.Failure)
}

// Config holds the grading thresholds.
type Config struct {
	// ResponseTimeThreshold is the latency above which a performance issue
	// is recorded.
	ResponseTimeThreshold time.Duration
	// FailureRateThreshold is a percentage in [0, 100].
	FailureRateThreshold float64
	// ConsecutiveFailureThreshold is the streak that raises a critical alert.
	ConsecutiveFailureThreshold int
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		ResponseTimeThreshold:       2 * time.Second,
		FailureRateThreshold:        20,
		ConsecutiveFailureThreshold: 3,
	}
}

// Options configures a Monitor. Store and Recoverer are optional.
type Options struct {
	Config      Config
	Connections Connections
	Recoverer   Recoverer
	Store       persistence.Store
	Logger      *zap.Logger
	Now         func() time.Time
}

// Monitor probes the active connection and keeps health history and alerts.
type Monitor struct {
	cfg       Config
	conns     Connections
	recoverer Recoverer
	store     persistence.Store
	logger    *zap.Logger
	now       func() time.Time

	tickMu   sync.Mutex
	periodic schedule.Periodic

	mu          sync.RWMutex
	history     map[string][]models.HealthRecord
	consecutive map[string]int
	alerts      map[string]*models.Alert
	alertOrder  []string

	healthChanges *events.Bus[models.HealthRecord]
	alertRaised   *events.Bus[models.Alert]
}

// NewMonitor creates a Monitor.
func NewMonitor(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.OrNop(opts.Logger).Named("health")
	return &Monitor{
		cfg:           opts.Config,
		conns:         opts.Connections,
		recoverer:     opts.Recoverer,
		store:         opts.Store,
		logger:        log,
		now:           now,
		history:       make(map[string][]models.HealthRecord),
		consecutive:   make(map[string]int),
		alerts:        make(map[string]*models.Alert),
		healthChanges: events.NewBus[models.HealthRecord](log),
		alertRaised:   events.NewBus[models.Alert](log),
	}
}

// Start begins probing every interval. A running monitor is restarted with
// the new interval.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.periodic.Start(ctx, interval, func(ctx context.Context) {
		if _, err := m.Tick(ctx); err != nil {
			m.logger.Warn("health tick failed", zap.Error(err))
		}
	})
	m.logger.Info("health monitor started", zap.Duration("interval", interval))
}

// Stop cancels the probe timer and waits for an in-flight tick.
func (m *Monitor) Stop() {
	m.periodic.Stop()
}

// Running reports whether the probe timer is active.
func (m *Monitor) Running() bool {
	return m.periodic.Running()
}

// Tick runs one health check against the active connection. It returns nil
// when there is no active connection or when the connection was deactivated
// while the probe was in flight.
func (m *Monitor) Tick(ctx context.Context) (*models.HealthRecord, error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	active := m.conns.GetActive()
	if active == nil {
		return nil, nil
	}
	id := active.ID

	res, probeErr := m.conns.Probe(ctx, id)
	if probeErr != nil {
		res = models.ProbeResult{OK: false, Detail: probeErr.Error()}
	}
	now := m.now()

	rec := models.HealthRecord{
		ConnectionID: id,
		Timestamp:    now,
		Latency:      res.Latency,
	}
	slow := res.OK && m.cfg.ResponseTimeThreshold > 0 && res.Latency > m.cfg.ResponseTimeThreshold
	if slow {
		rec.Issues = append(rec.Issues, models.Issue{
			Category: models.CategoryPerformance,
			Severity: latencySeverity(res.Latency, m.cfg.ResponseTimeThreshold),
			Message: fmt.Sprintf("response time %s exceeds threshold %s",
				res.Latency.Round(time.Millisecond), m.cfg.ResponseTimeThreshold),
		})
		rec.Recommendations = append(rec.Recommendations,
			"check network latency between this host and the backend",
			"consider raising the response time threshold if the backend is known to be slow")
	}
	if !res.OK {
		msg := "backend probe failed"
		if res.Detail != "" {
			msg = fmt.Sprintf("backend probe failed: %s", res.Detail)
		}
		rec.Issues = append(rec.Issues, models.Issue{
			Category: models.CategoryConnectivity,
			Severity: models.SeverityCritical,
			Message:  msg,
		})
		rec.Recommendations = append(rec.Recommendations,
			"verify the backend endpoint is reachable",
			"check the stored credential and TLS settings")
	}

	m.mu.RLock()
	window := append([]models.HealthRecord(nil), m.recent(id)...)
	m.mu.RUnlock()
	rate := failureRate(append(window, recordFor(res.OK)))
	highRate := rate >= 0 && rate > m.cfg.FailureRateThreshold
	if highRate {
		rec.Issues = append(rec.Issues, models.Issue{
			Category: models.CategoryConnectivity,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("failure rate %.0f%% exceeds %.0f%%", rate, m.cfg.FailureRateThreshold),
		})
		rec.Recommendations = append(rec.Recommendations, "investigate intermittent network failures")
	}

	switch {
	case !res.OK:
		rec.Status = models.HealthStatusError
	case len(rec.Issues) > 0:
		rec.Status = models.HealthStatusWarning
	default:
		rec.Status = models.HealthStatusHealthy
	}

	if !m.conns.RecordHealth(ctx, id, rec.Status, rec.Latency, now) {
		m.logger.Debug("discarding health check for deactivated connection", zap.String("connection_id", id))
		return nil, nil
	}

	var raised []models.Alert
	m.mu.Lock()
	hist := append(m.history[id], rec)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	m.history[id] = hist

	if res.OK {
		m.consecutive[id] = 0
	} else {
		m.consecutive[id]++
	}
	streak := m.consecutive[id]

	if slow {
		if a := m.raiseLocked(id, models.CategoryPerformance, models.SeverityMedium, alertSlowResponse, now); a != nil {
			raised = append(raised, *a)
		}
	}
	if highRate {
		if a := m.raiseLocked(id, models.CategoryConnectivity, models.SeverityHigh, alertHighFailureRate, now); a != nil {
			raised = append(raised, *a)
		}
	}
	if threshold := m.cfg.ConsecutiveFailureThreshold; threshold > 0 && streak >= threshold {
		if a := m.raiseLocked(id, models.CategoryConnectivity, models.SeverityCritical, alertConsecutiveFailures, now); a != nil {
			raised = append(raised, *a)
		}
	}
	resolved := 0
	if rec.Status == models.HealthStatusHealthy {
		resolved = m.resolveCategoryLocked(id, models.CategoryConnectivity, now)
		if resolved > 0 {
			m.pruneResolvedLocked()
		}
	}
	histCopy := append([]models.HealthRecord(nil), hist...)
	m.mu.Unlock()

	m.logger.Debug("health checked",
		zap.String("connection_id", id),
		zap.String("status", string(rec.Status)),
		zap.Duration("latency", rec.Latency),
		zap.Int("consecutive_failures", streak))
	if resolved > 0 {
		m.logger.Info("connectivity restored, alerts resolved",
			zap.String("connection_id", id), zap.Int("resolved", resolved))
	}

	m.persistHistory(ctx, id, histCopy)
	if len(raised) > 0 || resolved > 0 {
		m.persistAlerts(ctx)
	}

	m.healthChanges.Publish(rec)
	for _, a := range raised {
		m.alertRaised.Publish(a)
	}

	if !res.OK && m.recoverer != nil {
		f := recovery.Failure{Kind: faults.KindNetwork, ConnectionID: id, At: now}
		if probeErr != nil {
			f = recovery.FailureFrom(probeErr, id)
			f.At = now
		} else {
			f.Err = faults.New(faults.KindNetwork, "health", res.Detail)
		}
		m.recoverer.AttemptAsync(f)
	}

	return &rec, nil
}

// GetHealthHistory returns the recorded history for a connection, oldest first.
func (m *Monitor) GetHealthHistory(id string) []models.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.HealthRecord(nil), m.history[id]...)
}

// ConsecutiveFailures returns the current failure streak for a connection.
func (m *Monitor) ConsecutiveFailures(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutive[id]
}

// FailureRate returns the percentage of failed checks among the most recent
// records, or 0 when there are fewer than five samples.
func (m *Monitor) FailureRate(id string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate := failureRate(m.history[id])
	if rate < 0 {
		return 0
	}
	return rate
}

// OnHealthChange registers fn for every recorded health check.
func (m *Monitor) OnHealthChange(fn func(models.HealthRecord)) events.Unsubscribe {
	return m.healthChanges.Subscribe(fn)
}

// Load restores persisted history and alerts.
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.List(ctx, historyKeyPrefix)
	if err != nil {
		return fmt.Errorf("health: listing history: %w", err)
	}

	history := make(map[string][]models.HealthRecord, len(keys))
	for _, key := range keys {
		var recs []models.HealthRecord
		if err := persistence.LoadJSON(ctx, m.store, key, &recs); err != nil {
			m.logger.Warn("skipping unreadable health history", zap.String("key", key), zap.Error(err))
			continue
		}
		if len(recs) > historyLimit {
			recs = recs[len(recs)-historyLimit:]
		}
		history[key[len(historyKeyPrefix):]] = recs
	}

	var alerts []*models.Alert
	if err := persistence.LoadJSON(ctx, m.store, alertsKey, &alerts); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("health: loading alerts: %w", err)
	}

	m.mu.Lock()
	m.history = history
	m.alerts = make(map[string]*models.Alert, len(alerts))
	m.alertOrder = m.alertOrder[:0]
	for _, a := range alerts {
		m.alerts[a.ID] = a
		m.alertOrder = append(m.alertOrder, a.ID)
	}
	m.mu.Unlock()

	m.logger.Info("health state loaded", zap.Int("connections", len(history)), zap.Int("alerts", len(alerts)))
	return nil
}

// recent returns the failure-rate window for id. Callers hold m.mu.
func (m *Monitor) recent(id string) []models.HealthRecord {
	hist := m.history[id]
	if len(hist) > rateWindow-1 {
		return hist[len(hist)-(rateWindow-1):]
	}
	return hist
}

func (m *Monitor) persistHistory(ctx context.Context, id string, hist []models.HealthRecord) {
	if m.store == nil {
		return
	}
	if err := persistence.SaveJSON(ctx, m.store, historyKeyPrefix+id, hist); err != nil {
		m.logger.Warn("failed to persist health history", zap.String("connection_id", id), zap.Error(err))
	}
}

// failureRate returns the error percentage over the last rateWindow records,
// or -1 when there are too few samples.
func failureRate(recs []models.HealthRecord) float64 {
	if len(recs) > rateWindow {
		recs = recs[len(recs)-rateWindow:]
	}
	if len(recs) < minRateSamples {
		return -1
	}
	failed := 0
	for _, r := range recs {
		if r.Status == models.HealthStatusError {
			failed++
		}
	}
	return float64(failed) / float64(len(recs)) * 100
}

// recordFor is a placeholder record standing in for the check in progress.
func recordFor(ok bool) models.HealthRecord {
	if ok {
		return models.HealthRecord{Status: models.HealthStatusHealthy}
	}
	return models.HealthRecord{Status: models.HealthStatusError}
}

// latencySeverity grades how far latency is over threshold. It never
// returns critical.
func latencySeverity(latency, threshold time.Duration) models.Severity {
	ratio := float64(latency) / float64(threshold)
	switch {
	case ratio < 1.5:
		return models.SeverityLow
	case ratio < 2:
		return models.SeverityMedium
	default:
		return models.SeverityHigh
	}
}
