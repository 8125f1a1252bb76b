package meta

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned across connector and pipe operations.
var (
	// ErrNotFound is returned when a pipe or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotRegistered is returned when a pipe has no registration row on
	// its instance.
	ErrNotRegistered = errors.New("pipe is not registered")

	// ErrAlreadyRegistered is returned when registering a pipe whose keys
	// are already present on the instance.
	ErrAlreadyRegistered = errors.New("pipe is already registered")

	// ErrClosed is returned when an operation is attempted on a closed
	// connector.
	ErrClosed = errors.New("connector is closed")
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindConfig    Kind = "config"
	KindConnector Kind = "connector"
	KindSchema    Kind = "schema"
	KindIntegrity Kind = "integrity"
	KindTransient Kind = "transient"
	KindTimeout   Kind = "timeout"
	KindCancelled Kind = "cancelled"
	KindPlugin    Kind = "plugin"
	KindInternal  Kind = "internal"
)

// IsValid checks if the kind is one of the defined values.
func (k Kind) IsValid() bool {
	switch k {
	case KindConfig, KindConnector, KindSchema, KindIntegrity,
		KindTransient, KindTimeout, KindCancelled, KindPlugin, KindInternal:
		return true
	}
	return false
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err returns nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf wraps a formatted message as a classified error.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Context errors map to
// KindCancelled and KindTimeout. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// retryableFragments match driver messages for conditions that clear up on
// their own: lock contention, dropped connections, pool exhaustion.
var retryableFragments = []string{
	"database is locked",
	"database table is locked",
	"busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"too many connections",
	"deadlock",
	"try restarting transaction",
	"server closed the connection",
	"bad connection",
	"EOF",
}

// IsTransient reports whether err represents a condition worth retrying.
// Cancellation and deadline expiry are never transient; the caller already
// decided to stop waiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindCancelled, KindTimeout, KindConfig, KindSchema, KindIntegrity:
		return false
	}
	msg := err.Error()
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
