package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// versionColumn carries the optimistic concurrency counter on every table.
const versionColumn = "version"

// Postgres talks to a PostgreSQL backend directly. Every table is expected to
// have a text "id" primary key and an integer "version" column; updates and
// deletes that carry a version only succeed when it still matches.
type Postgres struct {
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]*pooled
}

type pooled struct {
	pool     *pgxpool.Pool
	endpoint string
	secret   string
}

// NewPostgres creates a Postgres transport.
func NewPostgres(logger *zap.Logger) *Postgres {
	return &Postgres{logger: logging.OrNop(logger), pools: make(map[string]*pooled)}
}

// Close releases every pool.
func (p *Postgres) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pl := range p.pools {
		pl.pool.Close()
		delete(p.pools, id)
	}
}

func (p *Postgres) pool(ctx context.Context, t Target) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := t.Connection
	if pl, ok := p.pools[c.ID]; ok {
		if pl.endpoint == c.Endpoint && pl.secret == t.Secret {
			return pl.pool, nil
		}
		pl.pool.Close()
		delete(p.pools, c.ID)
	}

	cfg, err := pgxpool.ParseConfig(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse postgres endpoint: %w", err)
	}
	if t.Secret != "" {
		cfg.ConnConfig.Password = t.Secret
	}
	if c.Timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = c.Timeout
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: create postgres pool: %w", err)
	}
	p.pools[c.ID] = &pooled{pool: pool, endpoint: c.Endpoint, secret: t.Secret}
	p.logger.Debug("transport: postgres pool created", zap.String("connection_id", c.ID))
	return pool, nil
}

// Probe pings the backend.
func (p *Postgres) Probe(ctx context.Context, t Target) models.ProbeResult {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	start := time.Now()
	pool, err := p.pool(ctx, t)
	if err != nil {
		return models.ProbeResult{Latency: time.Since(start), Detail: err.Error()}
	}
	if err := pool.Ping(ctx); err != nil {
		latency := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ProbeResult{Latency: latency, Detail: fmt.Sprintf("probe timed out after %s", t.Connection.Timeout)}
		}
		return models.ProbeResult{Latency: latency, Detail: err.Error()}
	}
	return models.ProbeResult{OK: true, Latency: time.Since(start), Detail: "ping ok"}
}

// ApplyChange executes one operation inside the backend.
func (p *Postgres) ApplyChange(ctx context.Context, t Target, op Operation) error {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	pool, err := p.pool(ctx, t)
	if err != nil {
		return err
	}

	table := pgx.Identifier{op.Table}.Sanitize()
	expected, hasVersion := expectedVersion(op.Payload)
	checkVersion := hasVersion && !op.Force

	switch op.Kind {
	case models.ChangeCreate:
		if op.Replace {
			return p.replace(ctx, pool, table, op)
		}
		cols, args := columns(op.Payload)
		cols = append([]string{"id"}, cols...)
		args = append([]any{op.RecordID}, args...)
		sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s)", table, joinIdents(cols), placeholders(1, len(cols)))
		if op.Force {
			sql += " ON CONFLICT (id) DO UPDATE SET " + assignments(cols[1:], "EXCLUDED")
		} else {
			sql += " ON CONFLICT (id) DO NOTHING"
		}
		tag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("transport: insert into %s: %w", op.Table, err)
		}
		if tag.RowsAffected() == 0 {
			remote, _ := p.fetchRow(ctx, pool, table, op.RecordID)
			return &Rejection{Kind: models.ConflictDuplicate, Reason: "record already exists", Remote: remote}
		}
		return nil

	case models.ChangeUpdate:
		cols, args := columns(op.Payload)
		sets := make([]string, 0, len(cols)+1)
		for i, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1))
		}
		sets = append(sets, fmt.Sprintf("%s = %s + 1", versionColumn, versionColumn))
		args = append(args, op.RecordID)
		sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
		if checkVersion {
			args = append(args, expected)
			sql += fmt.Sprintf(" AND %s = $%d", versionColumn, len(args))
		}
		tag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("transport: update %s: %w", op.Table, err)
		}
		if tag.RowsAffected() == 0 {
			remote, err := p.fetchRow(ctx, pool, table, op.RecordID)
			if err != nil {
				return err
			}
			if remote == nil {
				return &Rejection{Kind: models.ConflictMissing, Reason: "record not found"}
			}
			return &Rejection{Kind: models.ConflictStale, Reason: "remote record changed", Remote: remote}
		}
		return nil

	case models.ChangeDelete:
		args := []any{op.RecordID}
		sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
		if checkVersion {
			args = append(args, expected)
			sql += fmt.Sprintf(" AND %s = $2", versionColumn)
		}
		tag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("transport: delete from %s: %w", op.Table, err)
		}
		if tag.RowsAffected() == 0 {
			remote, err := p.fetchRow(ctx, pool, table, op.RecordID)
			if err != nil {
				return err
			}
			if remote != nil {
				return &Rejection{Kind: models.ConflictStale, Reason: "remote record changed", Remote: remote}
			}
		}
		return nil
	}
	return fmt.Errorf("transport: unknown change kind %q", op.Kind)
}

// FetchSnapshot returns every row of a table as JSON objects.
func (p *Postgres) FetchSnapshot(ctx context.Context, t Target, table string) ([]models.Row, error) {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	pool, err := p.pool(ctx, t)
	if err != nil {
		return nil, err
	}
	ident := pgx.Identifier{table}.Sanitize()
	rows, err := pool.Query(ctx, fmt.Sprintf("SELECT row_to_json(t) FROM %s t ORDER BY t.id", ident))
	if err != nil {
		return nil, fmt.Errorf("transport: fetch %s: %w", table, err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.Row, error) {
		var m map[string]any
		err := r.Scan(&m)
		return models.Row(m), err
	})
	if err != nil {
		return nil, fmt.Errorf("transport: scan %s: %w", table, err)
	}
	if out == nil {
		out = []models.Row{}
	}
	return out, nil
}

func (p *Postgres) fetchRow(ctx context.Context, pool *pgxpool.Pool, table, id string) (models.Row, error) {
	var m map[string]any
	err := pool.QueryRow(ctx, fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE t.id = $1", table), id).Scan(&m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transport: read remote row: %w", err)
	}
	return models.Row(m), nil
}

// columns returns the payload's writable columns in a stable order together
// with their values. "id" and "version" are managed separately.
// replace swaps the stored row for the payload in one transaction. The
// version column keeps counting up from the row it replaces.
func (p *Postgres) replace(ctx context.Context, pool *pgxpool.Pool, table string, op Operation) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transport: begin replace on %s: %w", op.Table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING %s", table, versionColumn),
		op.RecordID).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transport: replace in %s: %w", op.Table, err)
	}

	cols, args := columns(op.Payload)
	cols = append([]string{"id", versionColumn}, cols...)
	args = append([]any{op.RecordID, version + 1}, args...)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinIdents(cols), placeholders(1, len(cols)))
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("transport: replace in %s: %w", op.Table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transport: commit replace on %s: %w", op.Table, err)
	}
	return nil
}

func columns(payload models.Row) ([]string, []any) {
	cols := make([]string, 0, len(payload))
	for k := range payload {
		if k == "id" || k == versionColumn {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = payload[c]
	}
	return cols, args
}

func expectedVersion(payload models.Row) (int64, bool) {
	switch v := payload[versionColumn].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}

func placeholders(start, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(out, ", ")
}

func assignments(cols []string, source string) string {
	parts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		id := pgx.Identifier{c}.Sanitize()
		parts = append(parts, fmt.Sprintf("%s = %s.%s", id, source, id))
	}
	parts = append(parts, fmt.Sprintf("%s = %s.%s + 1", versionColumn, pgx.Identifier{"t"}.Sanitize(), versionColumn))
	return strings.Join(parts, ", ")
}
