// Package transport is the only place Tether talks to a remote backend.
//
// A Transport probes reachability, applies a single queued change and
// fetches a table snapshot. Backend-side refusals (stale version, missing
// record, duplicate create) are returned as *Rejection so the sync engine can
// turn them into conflicts; every other error means the call itself failed.
// Adapters exist for an HTTP/JSON backend and a PostgreSQL backend, and the
// Router dispatches by connection kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// Target is a connection together with its decrypted credential.
type Target struct {
	Connection models.Connection
	Secret     string
}

// Operation is one coalesced change to apply to the backend.
type Operation struct {
	Table    string
	RecordID string
	Kind     models.ChangeKind
	Payload  models.Row
	// Force asks the backend to skip its optimistic version check.
	Force bool
	// Replace makes a create overwrite the whole remote record, dropping
	// fields the payload does not carry. The record is created if absent.
	Replace bool
}

// Transport is the transport port.
type Transport interface {
	Probe(ctx context.Context, t Target) models.ProbeResult
	ApplyChange(ctx context.Context, t Target, op Operation) error
	FetchSnapshot(ctx context.Context, t Target, table string) ([]models.Row, error)
}

// Rejection is returned when the backend refuses a change as submitted.
type Rejection struct {
	Kind   models.ConflictKind
	Reason string
	Remote models.Row
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("transport: change rejected (%s): %s", r.Kind, r.Reason)
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Router dispatches to a Transport registered per connection kind.
type Router struct {
	mu     sync.RWMutex
	byKind map[models.TransportKind]Transport
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{byKind: make(map[models.TransportKind]Transport)}
}

// Register installs the transport for kind.
func (r *Router) Register(kind models.TransportKind, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = t
}

func (r *Router) lookup(kind models.TransportKind) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("transport: no transport registered for kind %q", kind)
	}
	return t, nil
}

func (r *Router) Probe(ctx context.Context, t Target) models.ProbeResult {
	tr, err := r.lookup(t.Connection.Kind)
	if err != nil {
		return models.ProbeResult{Detail: err.Error()}
	}
	return tr.Probe(ctx, t)
}

func (r *Router) ApplyChange(ctx context.Context, t Target, op Operation) error {
	tr, err := r.lookup(t.Connection.Kind)
	if err != nil {
		return err
	}
	return tr.ApplyChange(ctx, t, op)
}

func (r *Router) FetchSnapshot(ctx context.Context, t Target, table string) ([]models.Row, error) {
	tr, err := r.lookup(t.Connection.Kind)
	if err != nil {
		return nil, err
	}
	return tr.FetchSnapshot(ctx, t, table)
}
