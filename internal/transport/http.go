package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

// ForceHeader tells an HTTP backend to skip its optimistic version check.
const ForceHeader = "X-Tether-Force"

// maxBodyBytes caps how much of a backend response is read.
const maxBodyBytes = 32 << 20

// HTTPOptions tunes the HTTP transport.
type HTTPOptions struct {
	// RootCAs overrides the system pool for TLS connections.
	RootCAs *x509.CertPool
	// BreakerFailures is the number of consecutive failures that opens an
	// endpoint's circuit. Zero means 5.
	BreakerFailures uint32
	// BreakerCooldown is how long an open circuit rejects calls. Zero means 30s.
	BreakerCooldown time.Duration
}

// HTTP talks to a JSON backend exposing:
//
//	GET    /health
//	GET    /tables/{table}/records
//	POST   /tables/{table}/records
//	PATCH  /tables/{table}/records/{id}
//	DELETE /tables/{table}/records/{id}
//
// TLS connections use an HTTP/2 client. Apply and fetch calls run through a
// per-endpoint circuit breaker; probes always reach the network so health
// checks observe the real link.
type HTTP struct {
	opts   HTTPOptions
	logger *zap.Logger
	plain  *http.Client
	secure *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts HTTPOptions, logger *zap.Logger) *HTTP {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	tlsConfig := &tls.Config{
		RootCAs:    opts.RootCAs,
		MinVersion: tls.VersionTLS12,
	}
	return &HTTP{
		opts:     opts,
		logger:   logging.OrNop(logger),
		plain:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		secure:   &http.Client{Transport: &http2.Transport{TLSClientConfig: tlsConfig}},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTP) client(c models.Connection) *http.Client {
	if c.TLS {
		return h.secure
	}
	return h.plain
}

func (h *HTTP) breaker(endpoint string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[endpoint]; ok {
		return cb
	}
	threshold := h.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     h.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("transport: circuit state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	h.breakers[endpoint] = cb
	return cb
}

func withTimeout(ctx context.Context, c models.Connection) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

func (h *HTTP) newRequest(ctx context.Context, t Target, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.Connection.Endpoint, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+t.Secret)
	}
	return req, nil
}

// Probe issues GET /health bounded by the connection timeout.
func (h *HTTP) Probe(ctx context.Context, t Target) models.ProbeResult {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	req, err := h.newRequest(ctx, t, http.MethodGet, "/health", nil)
	if err != nil {
		return models.ProbeResult{Detail: err.Error()}
	}

	start := time.Now()
	resp, err := h.client(t.Connection).Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ProbeResult{Latency: latency, Detail: fmt.Sprintf("probe timed out after %s", t.Connection.Timeout)}
		}
		return models.ProbeResult{Latency: latency, Detail: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.ProbeResult{Latency: latency, Detail: fmt.Sprintf("health endpoint returned %d", resp.StatusCode)}
	}
	return models.ProbeResult{OK: true, Latency: latency, Detail: resp.Status}
}

// rejectionBody is the optional JSON body of a 409/412/422 response.
type rejectionBody struct {
	Reason string     `json:"reason"`
	Remote models.Row `json:"remote"`
}

// ApplyChange sends one operation. Refusals come back as *Rejection.
func (h *HTTP) ApplyChange(ctx context.Context, t Target, op Operation) error {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	base := "/tables/" + url.PathEscape(op.Table) + "/records"
	var method, path string
	var body any
	switch op.Kind {
	case models.ChangeCreate:
		method, path, body = http.MethodPost, base, op.Payload
		if op.Replace {
			method, path = http.MethodPut, base+"/"+url.PathEscape(op.RecordID)
		}
	case models.ChangeUpdate:
		method, path, body = http.MethodPatch, base+"/"+url.PathEscape(op.RecordID), op.Payload
	case models.ChangeDelete:
		method, path = http.MethodDelete, base+"/"+url.PathEscape(op.RecordID)
	default:
		return fmt.Errorf("transport: unknown change kind %q", op.Kind)
	}

	result, err := h.breaker(t.Connection.Endpoint).Execute(func() (interface{}, error) {
		req, err := h.newRequest(ctx, t, method, path, body)
		if err != nil {
			return nil, err
		}
		if op.Force {
			req.Header.Set(ForceHeader, "true")
		}
		resp, err := h.client(t.Connection).Do(req)
		if err != nil {
			return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil, nil
		case resp.StatusCode == http.StatusNotFound && op.Kind == models.ChangeDelete:
			return nil, nil
		case resp.StatusCode == http.StatusNotFound:
			return rejectionFrom(models.ConflictMissing, "record not found", data), nil
		case resp.StatusCode == http.StatusConflict && op.Kind == models.ChangeCreate:
			return rejectionFrom(models.ConflictDuplicate, "record already exists", data), nil
		case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusPreconditionFailed:
			return rejectionFrom(models.ConflictStale, "remote record changed", data), nil
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return rejectionFrom(models.ConflictRejected, "backend rejected the change", data), nil
		default:
			return nil, fmt.Errorf("transport: %s %s returned %d", method, path, resp.StatusCode)
		}
	})
	if err != nil {
		return err
	}
	if rej, ok := result.(*Rejection); ok && rej != nil {
		return rej
	}
	return nil
}

func rejectionFrom(kind models.ConflictKind, fallback string, data []byte) *Rejection {
	rej := &Rejection{Kind: kind, Reason: fallback}
	var body rejectionBody
	if len(data) > 0 && json.Unmarshal(data, &body) == nil {
		if body.Reason != "" {
			rej.Reason = body.Reason
		}
		rej.Remote = body.Remote
	}
	return rej
}

// FetchSnapshot reads every record of a table. The backend may answer with a
// bare array or with {"rows": [...]}.
func (h *HTTP) FetchSnapshot(ctx context.Context, t Target, table string) ([]models.Row, error) {
	ctx, cancel := withTimeout(ctx, t.Connection)
	defer cancel()

	path := "/tables/" + url.PathEscape(table) + "/records"
	result, err := h.breaker(t.Connection.Endpoint).Execute(func() (interface{}, error) {
		req, err := h.newRequest(ctx, t, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := h.client(t.Connection).Do(req)
		if err != nil {
			return nil, fmt.Errorf("transport: fetch %s: %w", table, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("transport: fetch %s returned %d", table, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("transport: read %s: %w", table, err)
		}
		return decodeRows(data)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := result.([]models.Row)
	return rows, nil
}

func decodeRows(data []byte) ([]models.Row, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []models.Row{}, nil
	}
	if trimmed[0] == '[' {
		var rows []models.Row
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("transport: decode rows: %w", err)
		}
		return rows, nil
	}
	var wrapped struct {
		Rows []models.Row `json:"rows"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("transport: decode rows: %w", err)
	}
	if wrapped.Rows == nil {
		wrapped.Rows = []models.Row{}
	}
	return wrapped.Rows, nil
}
