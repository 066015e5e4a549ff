// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// ErrUnreachable is returned by a Fake whose endpoint is marked down.
var ErrUnreachable = errors.New("transporttest: endpoint unreachable")

// Fake is a scriptable backend keyed by endpoint.
type Fake struct {
	mu         sync.Mutex
	down       map[string]bool
	latency    map[string]time.Duration
	tables     map[string]map[string]models.Row // table -> id -> row
	rejectNext map[string]*transport.Rejection  // table/id -> rejection
	rejectAll  map[string]*transport.Rejection  // table/id -> persistent rejection
	applyErr   error
	fetchErr   error
	applied    []transport.Operation
	probes     int
	secrets    []string
	onApply    func(op transport.Operation)
}

// NewFake returns an empty backend.
func NewFake() *Fake {
	return &Fake{
		down:       make(map[string]bool),
		latency:    make(map[string]time.Duration),
		tables:     make(map[string]map[string]models.Row),
		rejectNext: make(map[string]*transport.Rejection),
		rejectAll:  make(map[string]*transport.Rejection),
	}
}

// SetDown marks an endpoint unreachable (or reachable again).
func (f *Fake) SetDown(endpoint string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[endpoint] = down
}

// SetLatency fixes the latency reported by probes of endpoint.
func (f *Fake) SetLatency(endpoint string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency[endpoint] = d
}

// Seed sets the remote rows of a table.
func (f *Fake) Seed(table string, rows ...models.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := make(map[string]models.Row, len(rows))
	for _, r := range rows {
		t[idOf(r)] = r.Clone()
	}
	f.tables[table] = t
}

// RejectNext makes the next apply for table/id fail with rej.
func (f *Fake) RejectNext(table, id string, rej *transport.Rejection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext[table+"/"+id] = rej
}

// RejectAlways makes every apply for table/id fail with rej, even forced ones.
func (f *Fake) RejectAlways(table, id string, rej *transport.Rejection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAll[table+"/"+id] = rej
}

// FailApply makes every apply return err until reset with nil.
func (f *Fake) FailApply(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

// FailFetch makes every fetch return err until reset with nil.
func (f *Fake) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// OnApply registers a hook run (without the lock) before every apply.
func (f *Fake) OnApply(fn func(op transport.Operation)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onApply = fn
}

// Applied returns the operations the backend accepted or refused, in order.
func (f *Fake) Applied() []transport.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Operation(nil), f.applied...)
}

// Probes returns how many probes were served.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Secrets returns the credentials seen by probes, in order.
func (f *Fake) Secrets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.secrets...)
}

// Rows returns the remote rows of table sorted by id.
func (f *Fake) Rows(table string) []models.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedRows(f.tables[table])
}

func (f *Fake) Probe(ctx context.Context, t transport.Target) models.ProbeResult {
	f.mu.Lock()
	f.probes++
	f.secrets = append(f.secrets, t.Secret)
	down := f.down[t.Connection.Endpoint]
	latency := f.latency[t.Connection.Endpoint]
	f.mu.Unlock()

	if down {
		// An unreachable endpoint hangs until the probe deadline.
		timeout := t.Connection.Timeout
		if timeout <= 0 {
			timeout = time.Second
		}
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return models.ProbeResult{Latency: timeout, Detail: "probe timed out"}
	}
	if latency == 0 {
		latency = 5 * time.Millisecond
	}
	return models.ProbeResult{OK: true, Latency: latency, Detail: "ok"}
}

func (f *Fake) ApplyChange(ctx context.Context, t transport.Target, op transport.Operation) error {
	f.mu.Lock()
	hook := f.onApply
	f.mu.Unlock()
	if hook != nil {
		hook(op)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[t.Connection.Endpoint] {
		return ErrUnreachable
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, op)

	key := op.Table + "/" + op.RecordID
	if rej, ok := f.rejectAll[key]; ok {
		return rej
	}
	if rej, ok := f.rejectNext[key]; ok {
		delete(f.rejectNext, key)
		return rej
	}

	table := f.tables[op.Table]
	if table == nil {
		table = make(map[string]models.Row)
		f.tables[op.Table] = table
	}
	switch op.Kind {
	case models.ChangeCreate:
		row := op.Payload.Clone()
		if row == nil {
			row = models.Row{}
		}
		row["id"] = op.RecordID
		table[op.RecordID] = row
	case models.ChangeUpdate:
		row, ok := table[op.RecordID]
		if !ok {
			if !op.Force {
				return &transport.Rejection{Kind: models.ConflictMissing, Reason: "record not found"}
			}
			row = models.Row{"id": op.RecordID}
		}
		for k, v := range op.Payload {
			row[k] = v
		}
		table[op.RecordID] = row
	case models.ChangeDelete:
		delete(table, op.RecordID)
	}
	return nil
}

func (f *Fake) FetchSnapshot(ctx context.Context, t transport.Target, table string) ([]models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[t.Connection.Endpoint] {
		return nil, ErrUnreachable
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return sortedRows(f.tables[table]), nil
}

func sortedRows(t map[string]models.Row) []models.Row {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, t[id].Clone())
	}
	return out
}

func idOf(r models.Row) string {
	if s, ok := r["id"].(string); ok {
		return s
	}
	return ""
}
