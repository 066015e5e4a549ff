package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

const manifestName = "manifest.json"

// ConnectionLookup resolves a configured connection.
type ConnectionLookup interface {
	Get(id string) (*models.Connection, error)
}

// CacheExporter exposes the offline cache for a snapshot.
type CacheExporter interface {
	Export() []models.CachedTable
}

// TableSummary describes one table inside a snapshot.
type TableSummary struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Version int64  `json:"version"`
	File    string `json:"file"`
}

// Manifest is stored as manifest.json inside every archive.
type Manifest struct {
	BackupID       string         `json:"backup_id"`
	ConnectionID   string         `json:"connection_id"`
	ConnectionName string         `json:"connection_name"`
	CreatedAt      time.Time      `json:"created_at"`
	Tables         []TableSummary `json:"tables"`
	PendingChanges int            `json:"pending_changes"`
}

// Options wires a Manager. Connections and Cache may be bound later with
// Bind; Logger and Now are optional.
type Options struct {
	Storage     StorageBackend
	Handles     HandleStore
	Connections ConnectionLookup
	Cache       CacheExporter
	Logger      *zap.Logger
	Now         func() time.Time
}

// Manager takes and tracks snapshots.
type Manager struct {
	storage StorageBackend
	handles HandleStore
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	conns ConnectionLookup
	cache CacheExporter
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		storage: opts.Storage,
		handles: opts.Handles,
		logger:  logging.OrNop(opts.Logger).Named("backup"),
		now:     now,
		conns:   opts.Connections,
		cache:   opts.Cache,
	}
}

// Bind sets the snapshot sources. The connection manager takes the backup
// manager as a dependency, so the sources are usually bound after both
// exist.
func (m *Manager) Bind(conns ConnectionLookup, cache CacheExporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = conns
	m.cache = cache
}

func (m *Manager) sources() (ConnectionLookup, CacheExporter) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns, m.cache
}

// Snapshot archives the connection record, the cached tables and the
// pending changes, then applies the connection's retention policy.
func (m *Manager) Snapshot(ctx context.Context, connectionID string) (*models.BackupHandle, error) {
	conns, cache := m.sources()
	if conns == nil {
		return nil, errors.New("backup: no connection source bound")
	}
	conn, err := conns.Get(connectionID)
	if err != nil {
		return nil, faults.Wrap(err, faults.KindValidation, "backup", "cannot snapshot unknown connection")
	}

	var tables []models.CachedTable
	if cache != nil {
		tables = cache.Export()
	}

	manifest := Manifest{
		BackupID:       uuid.NewString(),
		ConnectionID:   conn.ID,
		ConnectionName: conn.Name,
		CreatedAt:      m.now(),
	}
	var pending []*models.PendingChange
	for _, t := range tables {
		manifest.Tables = append(manifest.Tables, TableSummary{
			Name:    t.Name,
			Rows:    len(t.Rows),
			Version: t.Version,
			File:    "tables/" + url.PathEscape(t.Name) + ".json",
		})
		for _, c := range t.Changes {
			if !c.Synced {
				pending = append(pending, c)
			}
		}
	}
	manifest.PendingChanges = len(pending)

	data, checksum, err := createArchive(manifest, conn, tables, pending)
	if err != nil {
		return nil, fmt.Errorf("backup: build archive for %s: %w", connectionID, err)
	}

	path := fmt.Sprintf("%s/%s.tar.gz", conn.ID, manifest.BackupID)
	if err := m.storage.Write(ctx, path, data); err != nil {
		return nil, fmt.Errorf("backup: write archive for %s: %w", connectionID, err)
	}

	handle := &models.BackupHandle{
		ID:             manifest.BackupID,
		ConnectionID:   conn.ID,
		StoragePath:    path,
		SizeBytes:      int64(len(data)),
		Checksum:       checksum,
		Tables:         len(manifest.Tables),
		PendingChanges: manifest.PendingChanges,
		CreatedAt:      manifest.CreatedAt,
	}
	if m.handles != nil {
		if err := m.handles.SaveHandle(ctx, handle); err != nil {
			_ = m.storage.Delete(ctx, path)
			return nil, err
		}
	}

	m.logger.Info("snapshot taken",
		zap.String("connection_id", conn.ID),
		zap.String("backup_id", handle.ID),
		zap.Int64("size_bytes", handle.SizeBytes),
		zap.Int("tables", handle.Tables),
		zap.Int("pending_changes", handle.PendingChanges))

	if conn.RetentionDays > 0 {
		if _, err := m.EnforceRetention(ctx, conn.ID, conn.RetentionDays); err != nil {
			m.logger.Warn("retention enforcement failed", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}
	return handle, nil
}

// ListSnapshots returns the snapshots of a connection, oldest first. An
// empty connectionID lists every snapshot.
func (m *Manager) ListSnapshots(ctx context.Context, connectionID string) ([]*models.BackupHandle, error) {
	if m.handles == nil {
		return []*models.BackupHandle{}, nil
	}
	return m.handles.ListHandles(ctx, connectionID)
}

// EnforceRetention deletes the snapshots of a connection older than
// retentionDays and returns how many were removed. A non-positive
// retention keeps everything.
func (m *Manager) EnforceRetention(ctx context.Context, connectionID string, retentionDays int) (int, error) {
	if retentionDays <= 0 || m.handles == nil {
		return 0, nil
	}
	handles, err := m.handles.ListHandles(ctx, connectionID)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().AddDate(0, 0, -retentionDays)
	var expired []*models.BackupHandle
	for _, h := range handles {
		if h.CreatedAt.Before(cutoff) {
			expired = append(expired, h)
		}
	}

	deleted := 0
	for _, h := range expired {
		if err := m.storage.Delete(ctx, h.StoragePath); err != nil {
			m.logger.Warn("retention: delete archive failed", zap.String("backup_id", h.ID), zap.Error(err))
			continue
		}
		if err := m.handles.DeleteHandle(ctx, h.ConnectionID, h.ID); err != nil {
			m.logger.Warn("retention: delete handle failed", zap.String("backup_id", h.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if len(expired) > 0 {
		m.logger.Info("retention enforced",
			zap.String("connection_id", connectionID),
			zap.Int("deleted", deleted),
			zap.Int("expired", len(expired)))
	}
	return deleted, nil
}

// LoadManifest reads a snapshot back, verifies its checksum and returns
// its manifest.
func (m *Manager) LoadManifest(ctx context.Context, h *models.BackupHandle) (*Manifest, error) {
	data, err := m.storage.Read(ctx, h.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("backup: read archive %s: %w", h.ID, err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != h.Checksum {
		return nil, fmt.Errorf("backup: archive %s checksum mismatch: got %s, want %s", h.ID, got, h.Checksum)
	}

	raw, err := readArchiveFile(data, manifestName)
	if err != nil {
		return nil, fmt.Errorf("backup: archive %s: %w", h.ID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("backup: parse manifest for %s: %w", h.ID, err)
	}
	return &manifest, nil
}

// createArchive builds a tar.gz archive holding the connection record, one
// file per cached table, the pending changes and the manifest. It returns
// the archive bytes and their SHA-256 checksum.
func createArchive(manifest Manifest, conn *models.Connection, tables []models.CachedTable, pending []*models.PendingChange) ([]byte, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Comment = "Tether snapshot " + manifest.BackupID
	gz.ModTime = manifest.CreatedAt
	tw := tar.NewWriter(gz)

	add := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		header := &tar.Header{
			Name:    name,
			Size:    int64(len(data)),
			Mode:    0o644,
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write tar data for %s: %w", name, err)
		}
		return nil
	}

	if err := add("connection.json", conn); err != nil {
		return nil, "", err
	}
	for i, t := range tables {
		if err := add(manifest.Tables[i].File, t.Rows); err != nil {
			return nil, "", err
		}
	}
	if pending == nil {
		pending = []*models.PendingChange{}
	}
	if err := add("pending.json", pending); err != nil {
		return nil, "", err
	}
	if err := add(manifestName, manifest); err != nil {
		return nil, "", err
	}

	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("close gzip writer: %w", err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// readArchiveFile returns the contents of one file in a tar.gz archive.
func readArchiveFile(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if header.Name == name {
			return io.ReadAll(tr)
		}
	}
}
