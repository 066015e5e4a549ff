// Package recovery decides whether and how to retry a reported failure.
//
// The orchestrator owns no domain logic. It counts retries per (failure
// kind, connection), waits out an exponential or linear backoff, and then
// dispatches to the recovery routine registered for the failure kind (for
// example a reachability probe or a storage cleanup). A kind that keeps
// recurring inside a trailing window is flagged as persistent so callers can
// surface it instead of retrying silently. Background failures are recovered
// as detached, rate-limited attempts; user-initiated ones are awaited.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/events"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/faults"
	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/logging"
)

// BackoffStrategy selects the delay schedule between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// historyLimit bounds the attempt log.
const historyLimit = 200

// Failure is a reported failure to recover from.
type Failure struct {
	Kind         faults.Kind `json:"kind"`
	ConnectionID string      `json:"connection_id"`
	Err          error       `json:"-"`
	At           time.Time   `json:"at"`
}

// FailureFrom classifies err for connectionID. Unclassified errors are
// treated as network errors.
func FailureFrom(err error, connectionID string) Failure {
	kind, ok := faults.KindOf(err)
	if !ok {
		kind = faults.KindNetwork
	}
	return Failure{Kind: kind, ConnectionID: connectionID, Err: err}
}

// Routine performs the kind-specific recovery. A nil error means recovered.
type Routine func(ctx context.Context, f Failure) error

// Config tunes the orchestrator.
type Config struct {
	// MaxRetries is the retry ceiling per (kind, connection).
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
	Strategy BackoffStrategy
	// PersistentThreshold is the number of occurrences of a kind inside
	// PersistentWindow that, once exceeded, marks it persistent.
	PersistentThreshold int
	PersistentWindow    time.Duration
	// DetachedPerSecond limits how often detached attempts start.
	DetachedPerSecond float64
	DetachedBurst     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		Strategy:            BackoffExponential,
		PersistentThreshold: 5,
		PersistentWindow:    10 * time.Minute,
		DetachedPerSecond:   2,
		DetachedBurst:       4,
	}
}

// Outcome describes one call to Attempt.
type Outcome struct {
	Kind         faults.Kind   `json:"kind"`
	ConnectionID string        `json:"connection_id"`
	Recovered    bool          `json:"recovered"`
	Attempt      int           `json:"attempt"`
	Delay        time.Duration `json:"delay"`
	Exhausted    bool          `json:"exhausted"`
	Skipped      bool          `json:"skipped"`
	Persistent   bool          `json:"persistent"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// PersistentFailure is published when a kind crosses the persistence threshold.
type PersistentFailure struct {
	Kind         faults.Kind   `json:"kind"`
	ConnectionID string        `json:"connection_id"`
	Occurrences  int           `json:"occurrences"`
	Window       time.Duration `json:"window"`
	DetectedAt   time.Time     `json:"detected_at"`
}

type retryKey struct {
	kind         faults.Kind
	connectionID string
}

// Orchestrator is the recovery policy engine.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	limiter *rate.Limiter

	mu          sync.Mutex
	routines    map[faults.Kind]Routine
	counts      map[retryKey]int
	occurrences map[faults.Kind][]time.Time
	flagged     map[faults.Kind]bool
	history     []Outcome

	persistent *events.Bus[PersistentFailure]

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the occurrence clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how backoff delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.Strategy == "" {
		cfg.Strategy = BackoffExponential
	}
	if cfg.DetachedPerSecond <= 0 {
		cfg.DetachedPerSecond = 2
	}
	if cfg.DetachedBurst <= 0 {
		cfg.DetachedBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	named := logging.OrNop(logger).Named("recovery")
	o := &Orchestrator{
		cfg:         cfg,
		logger:      named,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepCtx,
		limiter:     rate.NewLimiter(rate.Limit(cfg.DetachedPerSecond), cfg.DetachedBurst),
		routines:    make(map[faults.Kind]Routine),
		counts:      make(map[retryKey]int),
		occurrences: make(map[faults.Kind][]time.Time),
		flagged:     make(map[faults.Kind]bool),
		persistent:  events.NewBus[PersistentFailure](named),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register installs the recovery routine for kind.
func (o *Orchestrator) Register(kind faults.Kind, routine Routine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routines[kind] = routine
}

// Delay returns the wait before the given zero-based attempt.
func (o *Orchestrator) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch o.cfg.Strategy {
	case BackoffLinear:
		d = o.cfg.BaseDelay * time.Duration(attempt+1)
	default:
		if attempt > 30 {
			attempt = 30
		}
		d = o.cfg.BaseDelay * time.Duration(int64(1)<<uint(attempt))
	}
	if o.cfg.MaxDelay > 0 && d > o.cfg.MaxDelay {
		d = o.cfg.MaxDelay
	}
	return d
}

// AttemptRecovery runs one awaited recovery attempt and reports whether the
// failure was recovered.
func (o *Orchestrator) AttemptRecovery(ctx context.Context, f Failure) bool {
	return o.Attempt(ctx, f).Recovered
}

// Attempt runs one recovery attempt for f.
func (o *Orchestrator) Attempt(ctx context.Context, f Failure) Outcome {
	if f.At.IsZero() {
		f.At = o.now()
	}
	out := Outcome{Kind: f.Kind, ConnectionID: f.ConnectionID, StartedAt: o.now()}
	out.Persistent = o.recordOccurrence(f)

	if !faults.Retryable(f.Kind) {
		out.Skipped = true
		return o.complete(out, nil)
	}

	key := retryKey{kind: f.Kind, connectionID: f.ConnectionID}
	o.mu.Lock()
	routine, ok := o.routines[f.Kind]
	if !ok {
		o.mu.Unlock()
		out.Skipped = true
		return o.complete(out, fmt.Errorf("recovery: no routine registered for %s", f.Kind))
	}
	spent := o.counts[key]
	if spent >= o.cfg.MaxRetries {
		o.mu.Unlock()
		out.Exhausted = true
		out.Attempt = spent
		return o.complete(out, nil)
	}
	o.counts[key] = spent + 1
	o.mu.Unlock()

	out.Attempt = spent + 1
	out.Delay = o.Delay(spent)
	if err := o.sleep(ctx, out.Delay); err != nil {
		return o.complete(out, err)
	}

	if err := routine(ctx, f); err != nil {
		return o.complete(out, err)
	}

	o.mu.Lock()
	delete(o.counts, key)
	o.mu.Unlock()
	out.Recovered = true
	return o.complete(out, nil)
}

// AttemptAsync recovers f in the background. Detached attempts are rate
// limited and cancelled by Close.
func (o *Orchestrator) AttemptAsync(f Failure) {
	if o.baseCtx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.limiter.Wait(o.baseCtx); err != nil {
			return
		}
		o.Attempt(o.baseCtx, f)
	}()
}

// Close cancels detached attempts and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Attempts returns the retries spent for (kind, connectionID).
func (o *Orchestrator) Attempts(kind faults.Kind, connectionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[retryKey{kind: kind, connectionID: connectionID}]
}

// Reset clears the retry counter for (kind, connectionID).
func (o *Orchestrator) Reset(kind faults.Kind, connectionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.counts, retryKey{kind: kind, connectionID: connectionID})
}

// History returns the most recent outcomes, newest first.
func (o *Orchestrator) History() []Outcome {
	o.mu.Lock()
	out := append([]Outcome(nil), o.history...)
	o.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out
}

// PersistentKinds lists the kinds currently flagged as persistent.
func (o *Orchestrator) PersistentKinds() []faults.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var kinds []faults.Kind
	for k, on := range o.flagged {
		if on {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// OnPersistentFailure registers fn for persistent-failure notices.
func (o *Orchestrator) OnPersistentFailure(fn func(PersistentFailure)) events.Unsubscribe {
	return o.persistent.Subscribe(fn)
}

// recordOccurrence logs f against its kind's trailing window and reports
// whether the kind is persistent. The notice is published once per crossing.
func (o *Orchestrator) recordOccurrence(f Failure) bool {
	if o.cfg.PersistentThreshold <= 0 || o.cfg.PersistentWindow <= 0 {
		return false
	}
	now := o.now()
	cutoff := now.Add(-o.cfg.PersistentWindow)

	o.mu.Lock()
	kept := o.occurrences[f.Kind][:0]
	for _, at := range o.occurrences[f.Kind] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	o.occurrences[f.Kind] = kept

	persistent := len(kept) > o.cfg.PersistentThreshold
	newly := persistent && !o.flagged[f.Kind]
	o.flagged[f.Kind] = persistent
	count := len(kept)
	o.mu.Unlock()

	if newly {
		o.logger.Warn("persistent failure detected",
			zap.String("kind", string(f.Kind)),
			zap.Int("occurrences", count),
			zap.Duration("window", o.cfg.PersistentWindow))
		o.persistent.Publish(PersistentFailure{
			Kind:         f.Kind,
			ConnectionID: f.ConnectionID,
			Occurrences:  count,
			Window:       o.cfg.PersistentWindow,
			DetectedAt:   now,
		})
	}
	return persistent
}

// complete finalizes an outcome and appends it to the bounded history.
func (o *Orchestrator) complete(out Outcome, err error) Outcome {
	out.CompletedAt = o.now()
	if err != nil {
		out.Error = err.Error()
	}

	o.mu.Lock()
	o.history = append(o.history, out)
	if len(o.history) > historyLimit {
		o.history = o.history[len(o.history)-historyLimit:]
	}
	o.mu.Unlock()

	fields := []zap.Field{
		zap.String("kind", string(out.Kind)),
		zap.String("connection_id", out.ConnectionID),
		zap.Int("attempt", out.Attempt),
		zap.Duration("delay", out.Delay),
	}
	switch {
	case out.Recovered:
		o.logger.Info("recovered", fields...)
	case out.Exhausted:
		o.logger.Warn("retry ceiling reached", fields...)
	case out.Skipped:
		o.logger.Debug("recovery skipped", append(fields, zap.String("reason", out.Error))...)
	default:
		o.logger.Warn("recovery attempt failed", append(fields, zap.String("error", out.Error))...)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
