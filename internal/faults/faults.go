// Package faults defines the error taxonomy shared by every Tether component.
//
// Each failure carries a Kind used for routing (retry, HTTP status, recovery
// routine selection) and a list of suggested next actions attached as
// cockroachdb/errors hints. Callers read the suggestions with Suggestions.
package faults

import (
	"fmt"

	cerr "github.com/cockroachdb/errors"
)

// Kind classifies a failure.
type Kind string

const (
	KindConnectionFailed Kind = "connection_failed"
	KindNetwork          Kind = "network_error"
	KindValidation       Kind = "validation_error"
	KindStorageFull      Kind = "storage_full"
	KindSyncConflict     Kind = "sync_conflict"
	KindSessionExpired   Kind = "session_expired"
)

// defaultHints are attached to every error of a kind, after any
// caller-supplied hints.
var defaultHints = map[Kind][]string{
	KindConnectionFailed: {
		"verify the endpoint URL and that the backend is running",
		"check the stored credential for this connection",
		"test the connection before connecting again",
	},
	KindNetwork: {
		"check network connectivity to the backend",
		"local changes are kept and will sync once the link returns",
	},
	KindValidation: {
		"correct the request and try again",
	},
	KindStorageFull: {
		"sync pending changes so cached tables can be evicted",
		"raise the offline cache size limit",
	},
	KindSyncConflict: {
		"review the conflict and resolve it with server-wins, client-wins or merge",
	},
	KindSessionExpired: {
		"connect again to start a new session",
	},
}

// Error is a classified Tether failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error. Extra hints are listed before the defaults
// for the kind.
func New(kind Kind, op, message string, hints ...string) error {
	return decorate(&Error{Kind: kind, Op: op, Message: message}, hints)
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, op, message string, hints ...string) error {
	if err == nil {
		return nil
	}
	return decorate(&Error{Kind: kind, Op: op, Message: message, Err: err}, hints)
}

func decorate(e *Error, hints []string) error {
	var err error = e
	for _, h := range hints {
		err = cerr.WithHint(err, h)
	}
	for _, h := range defaultHints[e.Kind] {
		err = cerr.WithHint(err, h)
	}
	return cerr.WithStack(err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if cerr.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Suggestions returns the de-duplicated suggested next actions for err.
func Suggestions(err error) []string {
	if err == nil {
		return nil
	}
	return cerr.GetAllHints(err)
}

// Retryable reports whether the recovery orchestrator may retry a failure of
// this kind. Validation and session failures need the caller to act first.
func Retryable(kind Kind) bool {
	switch kind {
	case KindValidation, KindSessionExpired, KindSyncConflict:
		return false
	}
	return true
}
