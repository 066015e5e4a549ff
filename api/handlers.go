// Package api implements the HTTP API handlers for Tether.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the connection manager, the health monitor, the
// offline engine, the recovery orchestrator and the backup manager, and
// return JSON responses with appropriate HTTP status codes.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/connection"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/offline"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/recovery"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// Version is reported by the service health endpoint.
const Version = "1.0.0"

// Deps are the components the handlers delegate to. Backups is optional.
type Deps struct {
	Connections *connection.Manager
	Monitor     *health.Monitor
	Offline     *offline.Engine
	Recovery    *recovery.Orchestrator
	Backups     *backup.Manager
	Logger      *zap.Logger
}

// Handler holds references to all components and provides HTTP handler methods.
type Handler struct {
	connections *connection.Manager
	monitor     *health.Monitor
	offline     *offline.Engine
	recovery    *recovery.Orchestrator
	backups     *backup.Manager
	logger      *zap.Logger
	startTime   time.Time
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		connections: d.Connections,
		monitor:     d.Monitor,
		offline:     d.Offline,
		recovery:    d.Recovery,
		backups:     d.Backups,
		logger:      logging.OrNop(d.Logger).Named("api"),
		startTime:   time.Now().UTC(),
	}
}

// RegisterRoutes sets up all API routes on the given Gin engine. apiKey
// guards /api/v1.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	// Service health endpoint (unauthenticated)
	r.GET("/health", h.ServiceHealth)

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth(apiKey))
	{
		conns := v1.Group("/connections")
		{
			conns.GET("", h.ListConnections)
			conns.POST("", h.SaveConnection)
			conns.GET("/active", h.GetActiveConnection)
			conns.POST("/disconnect", h.Disconnect)
			conns.GET("/:id", h.GetConnection)
			conns.PUT("/:id", h.SaveConnection)
			conns.DELETE("/:id", h.RemoveConnection)
			conns.POST("/:id/connect", h.Connect)
			conns.POST("/:id/test", h.TestConnection)
			conns.GET("/:id/health", h.GetHealthHistory)
			conns.GET("/:id/backups", h.ListBackups)
			conns.POST("/:id/backups", h.CreateBackup)
		}

		v1.GET("/session", h.GetSession)
		v1.POST("/session/touch", h.TouchSession)

		v1.POST("/health/check", h.CheckHealth)
		v1.GET("/alerts", h.ListAlerts)
		v1.POST("/alerts/:id/resolve", h.ResolveAlert)

		off := v1.Group("/offline")
		{
			off.GET("/status", h.OfflineStatus)
			off.POST("/enable", h.EnableOffline)
			off.POST("/disable", h.DisableOffline)
			off.GET("/tables", h.ListTables)
			off.PUT("/tables/:table", h.CacheTable)
			off.GET("/tables/:table/rows", h.ReadTable)
			off.GET("/changes", h.ListPendingChanges)
			off.POST("/changes", h.RecordChange)
			off.POST("/sync", h.Sync)
			off.GET("/conflicts", h.ListConflicts)
			off.POST("/conflicts/resolve", h.ResolveConflicts)
			off.POST("/release", h.ReleaseSpace)
		}

		rec := v1.Group("/recovery")
		{
			rec.GET("/history", h.RecoveryHistory)
			rec.GET("/persistent", h.PersistentFailures)
		}
	}
}

// ServiceHealth returns the overall health of the Tether service.
func (h *Handler) ServiceHealth(c *gin.Context) {
	status := gin.H{
		"status":  "healthy",
		"service": "tether",
		"version": Version,
		"uptime":  time.Since(h.startTime).String(),
		"offline": h.offline.Enabled(),
	}
	if active := h.connections.GetActive(); active != nil {
		status["active_connection"] = active.ID
	}
	c.JSON(http.StatusOK, status)
}

// respondError maps an error to its HTTP status and writes it with the
// suggested next actions.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	kind, ok := faults.KindOf(err)
	if !ok {
		kind = "internal_error"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	body := gin.H{"error": string(kind), "message": err.Error()}
	if hints := faults.Suggestions(err); len(hints) > 0 {
		body["suggestions"] = hints
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	if errors.Is(err, connection.ErrNotFound) || errors.Is(err, health.ErrAlertNotFound) {
		return http.StatusNotFound
	}
	kind, ok := faults.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindSessionExpired:
		return http.StatusUnauthorized
	case faults.KindSyncConflict:
		return http.StatusConflict
	case faults.KindStorageFull:
		return http.StatusInsufficientStorage
	case faults.KindConnectionFailed:
		return http.StatusBadGateway
	case faults.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(faults.KindValidation), "message": message})
}

// --- Connection Handlers ---

// connectionRequest is a connection config plus its plaintext credential.
type connectionRequest struct {
	models.Connection
	Secret string `json:"secret"`
}

// ListConnections returns all configured connections.
func (h *Handler) ListConnections(c *gin.Context) {
	conns := h.connections.List()
	c.JSON(http.StatusOK, gin.H{"count": len(conns), "data": conns})
}

// SaveConnection creates a connection, or updates the one named in the path.
func (h *Handler) SaveConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		if _, err := h.connections.Get(id); err != nil {
			h.respondError(c, err)
			return
		}
		req.ID = id
		status = http.StatusOK
	}
	saved, err := h.connections.Save(c.Request.Context(), req.Connection, req.Secret)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, saved)
}

// GetConnection returns one connection.
func (h *Handler) GetConnection(c *gin.Context) {
	conn, err := h.connections.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// RemoveConnection deletes an inactive connection.
func (h *Handler) RemoveConnection(c *gin.Context) {
	if err := h.connections.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetActiveConnection returns the active connection and the lifecycle state.
func (h *Handler) GetActiveConnection(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      h.connections.State(),
		"connection": h.connections.GetActive(),
	})
}

// Connect makes a connection the active one.
func (h *Handler) Connect(c *gin.Context) {
	id := c.Param("id")
	if err := h.connections.Connect(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":      h.connections.State(),
		"connection": h.connections.GetActive(),
	})
}

// Disconnect drops the active connection, optionally taking a snapshot
// first.
func (h *Handler) Disconnect(c *gin.Context) {
	var req struct {
		Backup bool `json:"backup"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := h.connections.Disconnect(c.Request.Context(), connection.DisconnectOptions{Backup: req.Backup}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.connections.State()})
}

// TestConnection probes a connection without activating it.
func (h *Handler) TestConnection(c *gin.Context) {
	res, err := h.connections.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSession returns the session bound to the active connection.
func (h *Handler) GetSession(c *gin.Context) {
	session := h.connections.Session()
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// TouchSession records activity on the session.
func (h *Handler) TouchSession(c *gin.Context) {
	if err := h.connections.Touch(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.connections.Session()})
}

// --- Backup Handlers ---

// ListBackups returns the snapshots taken for a connection.
func (h *Handler) ListBackups(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backups unavailable"})
		return
	}
	handles, err := h.backups.ListSnapshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(handles), "data": handles})
}

// CreateBackup takes a snapshot of a connection now.
func (h *Handler) CreateBackup(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backups unavailable"})
		return
	}
	handle, err := h.backups.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handle)
}

// --- Health Handlers ---

// GetHealthHistory returns the recorded health checks of a connection.
func (h *Handler) GetHealthHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.connections.Get(id); err != nil {
		h.respondError(c, err)
		return
	}
	history := h.monitor.GetHealthHistory(id)
	c.JSON(http.StatusOK, gin.H{
		"count":                len(history),
		"data":                 history,
		"consecutive_failures": h.monitor.ConsecutiveFailures(id),
		"failure_rate":         h.monitor.FailureRate(id),
	})
}

// CheckHealth runs one health check against the active connection now.
func (h *Handler) CheckHealth(c *gin.Context) {
	rec, err := h.monitor.Tick(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"checked": false, "message": "no active connection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": true, "record": rec})
}

// ListAlerts returns active alerts, optionally for one connection.
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts := h.monitor.GetActiveAlerts(c.Query("connection_id"))
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "data": alerts})
}

// ResolveAlert marks an alert resolved.
func (h *Handler) ResolveAlert(c *gin.Context) {
	if err := h.monitor.ResolveAlert(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// --- Offline Handlers ---

// OfflineStatus summarizes the offline engine.
func (h *Handler) OfflineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":             h.offline.Enabled(),
		"pending_changes":     h.offline.PendingCount(),
		"unresolved_conflicts": len(h.offline.Conflicts(true)),
		"auto_sync":           h.offline.AutoSyncRunning(),
	})
}

// EnableOffline turns offline mode on.
func (h *Handler) EnableOffline(c *gin.Context) {
	h.offline.Enable()
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

// DisableOffline turns offline mode off and discards all offline data.
func (h *Handler) DisableOffline(c *gin.Context) {
	if err := h.offline.Disable(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

// ListTables returns the cached tables.
func (h *Handler) ListTables(c *gin.Context) {
	tables := h.offline.Tables()
	c.JSON(http.StatusOK, gin.H{"count": len(tables), "data": tables})
}

// CacheTable replaces a table's cached rows.
func (h *Handler) CacheTable(c *gin.Context) {
	var req struct {
		Rows []models.Row `json:"rows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.offline.Cache(c.Request.Context(), c.Param("table"), req.Rows); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"table": c.Param("table"), "rows": len(req.Rows)})
}

// ReadTable returns a table's rows with pending changes applied.
func (h *Handler) ReadTable(c *gin.Context) {
	rows := h.offline.Read(c.Param("table"))
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "data": rows})
}

// recordChangeRequest queues one local change.
type recordChangeRequest struct {
	Kind     models.ChangeKind `json:"kind" binding:"required"`
	Table    string            `json:"table" binding:"required"`
	RecordID string            `json:"record_id"`
	Payload  models.Row        `json:"payload"`
}

// RecordChange queues a local change.
func (h *Handler) RecordChange(c *gin.Context) {
	var req recordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	change, err := h.offline.RecordChange(c.Request.Context(), req.Kind, req.Table, req.RecordID, req.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, change)
}

// ListPendingChanges returns unsynced changes, optionally for one table.
func (h *Handler) ListPendingChanges(c *gin.Context) {
	changes := h.offline.GetPendingChanges(c.Query("table"))
	c.JSON(http.StatusOK, gin.H{"count": len(changes), "data": changes})
}

// Sync pushes pending changes and refreshes cached tables.
func (h *Handler) Sync(c *gin.Context) {
	res := h.offline.Sync(c.Request.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// ListConflicts returns sync conflicts. ?unresolved=true filters resolved ones.
func (h *Handler) ListConflicts(c *gin.Context) {
	unresolved, _ := strconv.ParseBool(c.DefaultQuery("unresolved", "false"))
	conflicts := h.offline.Conflicts(unresolved)
	c.JSON(http.StatusOK, gin.H{"count": len(conflicts), "data": conflicts})
}

// resolveConflictsRequest names the conflicts to settle and how.
type resolveConflictsRequest struct {
	IDs      []string                  `json:"ids" binding:"required,min=1"`
	Strategy models.ResolutionStrategy `json:"strategy" binding:"required"`
}

// ResolveConflicts settles conflicts with a strategy. Conflicts the backend
// still refuses come back unresolved alongside the error.
func (h *Handler) ResolveConflicts(c *gin.Context) {
	var req resolveConflictsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	conflicts, err := h.offline.ResolveConflicts(c.Request.Context(), req.IDs, req.Strategy)
	if err != nil && conflicts == nil {
		h.respondError(c, err)
		return
	}
	body := gin.H{"data": conflicts}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		body["error"] = err.Error()
		if hints := faults.Suggestions(err); len(hints) > 0 {
			body["suggestions"] = hints
		}
	}
	c.JSON(status, body)
}

// ReleaseSpace drops resolved conflicts and evicts clean tables.
func (h *Handler) ReleaseSpace(c *gin.Context) {
	freed, err := h.offline.ReleaseSpace(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"freed_bytes": freed})
}

// --- Recovery Handlers ---

// RecoveryHistory returns recent recovery outcomes, newest first.
func (h *Handler) RecoveryHistory(c *gin.Context) {
	history := h.recovery.History()
	c.JSON(http.StatusOK, gin.H{"count": len(history), "data": history})
}

// PersistentFailures returns the failure kinds currently flagged persistent.
func (h *Handler) PersistentFailures(c *gin.Context) {
	kinds := h.recovery.PersistentKinds()
	c.JSON(http.StatusOK, gin.H{"count": len(kinds), "data": kinds})
}
