// Package models defines the core data structures used across Tether.
//
// Tether is the link resilience engine for Open Cloud Ops. It keeps a single
// active link to a remote data backend, watches its health, lets callers keep
// working against a local replica while the link is down and reconciles the
// replica once connectivity returns. These models represent connections,
// sessions, health observations, alerts, cached tables, queued local changes
// and sync conflicts that flow through the system.
package models

import "time"

// TransportKind selects the wire protocol used to reach a backend.
type TransportKind string

const (
	TransportHTTP     TransportKind = "http"
	TransportPostgres TransportKind = "postgres"
)

// HealthStatus represents the last known health of a connection.
type HealthStatus string

const (
	HealthStatusHealthy HealthStatus = "healthy"
	HealthStatusWarning HealthStatus = "warning"
	HealthStatusError   HealthStatus = "error"
	HealthStatusUnknown HealthStatus = "unknown"
)

// Severity grades issues and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IssueCategory groups health issues and the alerts raised from them.
type IssueCategory string

const (
	CategoryConnectivity IssueCategory = "connectivity"
	CategoryPerformance  IssueCategory = "performance"
)

// ChangeKind is the kind of a locally recorded mutation.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is one of the known change kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// ConflictKind describes why the backend refused a change.
type ConflictKind string

const (
	ConflictStale     ConflictKind = "stale"
	ConflictMissing   ConflictKind = "missing"
	ConflictDuplicate ConflictKind = "duplicate"
	ConflictRejected  ConflictKind = "rejected"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// ResolutionStrategy is the caller's choice when settling conflicts.
type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyClientWins ResolutionStrategy = "client_wins"
	StrategyManual     ResolutionStrategy = "manual"
	StrategyMerge      ResolutionStrategy = "merge"
)

// Row is a single record as exchanged with the backend.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Connection is a configured backend link. At most one connection is active
// at any instant; the connection manager enforces this.
type Connection struct {
	ID            string        `json:"id"`
	Name          string        `json:"name" validate:"required,max=128"`
	Endpoint      string        `json:"endpoint" validate:"required,url"`
	CredentialRef string        `json:"credential_ref,omitempty"`
	Kind          TransportKind `json:"kind" validate:"required,oneof=http postgres"`
	TLS           bool          `json:"tls"`
	Timeout       time.Duration `json:"timeout" validate:"min=100ms,max=5m"`

	Active          bool         `json:"active"`
	Health          HealthStatus `json:"health"`
	LastConnected   *time.Time   `json:"last_connected,omitempty"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	ConnectionCount int          `json:"connection_count"`
	AvgLatencyMs    float64      `json:"avg_latency_ms"`
	LatencySamples  int          `json:"latency_samples"`

	SessionTimeout time.Duration `json:"session_timeout" validate:"gte=0"`
	AutoLogout     bool          `json:"auto_logout"`

	RetentionDays int  `json:"retention_days" validate:"gte=0"`
	AutoBackup    bool `json:"auto_backup"`
}

// Session is bound to the active connection while connected.
type Session struct {
	ConnectionID string        `json:"connection_id"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	Timeout      time.Duration `json:"timeout"`
	AutoLogout   bool          `json:"auto_logout"`
}

// Expired reports whether the session has been idle past its timeout.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || !s.AutoLogout || s.Timeout <= 0 {
		return false
	}
	return now.After(s.LastActivity.Add(s.Timeout))
}

// ProbeResult is the outcome of one bounded reachability check.
type ProbeResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// TestResult is returned to callers of an explicit connection test.
type TestResult struct {
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`
	Message   string  `json:"message"`
}

// Issue is one problem found by a health probe.
type Issue struct {
	Category IssueCategory `json:"category"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
}

// HealthRecord is the snapshot produced by a single health probe.
type HealthRecord struct {
	ConnectionID    string        `json:"connection_id"`
	Status          HealthStatus  `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	Latency         time.Duration `json:"latency"`
	Issues          []Issue       `json:"issues,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Alert is raised by the health monitor and stays active until resolved.
type Alert struct {
	ID           string        `json:"id"`
	Severity     Severity      `json:"severity"`
	Category     IssueCategory `json:"category"`
	Message      string        `json:"message"`
	ConnectionID string        `json:"connection_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Resolved     bool          `json:"resolved"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// PendingChange is a locally recorded mutation the backend has not yet confirmed.
type PendingChange struct {
	ID        string     `json:"id"`
	Kind      ChangeKind `json:"kind"`
	Table     string     `json:"table"`
	RecordID  string     `json:"record_id"`
	Payload   Row        `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Synced    bool       `json:"synced"`
}

// CachedTable is a local replica of one backend table. Rows holds the last
// snapshot received from the backend; local edits live in Changes.
type CachedTable struct {
	Name         string           `json:"name"`
	Rows         []Row            `json:"rows"`
	Version      int64            `json:"version"`
	LastModified time.Time        `json:"last_modified"`
	Changes      []*PendingChange `json:"changes,omitempty"`
}

// SyncConflict is produced when the backend refuses a queued change.
type SyncConflict struct {
	ID            string       `json:"id"`
	Table         string       `json:"table"`
	RecordID      string       `json:"record_id"`
	ChangeIDs     []string     `json:"change_ids"`
	ChangeKind    ChangeKind   `json:"change_kind"`
	LocalPayload  Row          `json:"local_payload,omitempty"`
	RemotePayload Row          `json:"remote_payload,omitempty"`
	Kind          ConflictKind `json:"kind"`
	Reason        string       `json:"reason,omitempty"`
	DetectedAt    time.Time    `json:"detected_at"`
	Resolved      bool         `json:"resolved"`
	Resolution    Resolution   `json:"resolution,omitempty"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

// SyncStatistics summarizes one sync run.
type SyncStatistics struct {
	ChangesSynced   int `json:"changes_synced"`
	RecordsApplied  int `json:"records_applied"`
	Conflicts       int `json:"conflicts"`
	Skipped         int `json:"skipped"`
	TablesRefreshed int `json:"tables_refreshed"`
}

// SyncResult is returned by a sync run. Conflicts are data, not errors: a run
// that applied some changes and conflicted on others still reports success.
type SyncResult struct {
	Success      bool            `json:"success"`
	SyncedTables []string        `json:"synced_tables"`
	Conflicts    []*SyncConflict `json:"conflicts"`
	Statistics   SyncStatistics  `json:"statistics"`
	Duration     time.Duration   `json:"duration"`
	DurationMs   int64           `json:"duration_ms"`
	Error        string          `json:"error,omitempty"`
}

// BackupHandle identifies a snapshot taken through the backup port.
type BackupHandle struct {
	ID             string    `json:"id"`
	ConnectionID   string    `json:"connection_id"`
	StoragePath    string    `json:"storage_path"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	Tables         int       `json:"tables"`
	PendingChanges int       `json:"pending_changes"`
	CreatedAt      time.Time `json:"created_at"`
}
