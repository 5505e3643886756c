package storage

import (
	"errors"
	"fmt"
)

// Kind classifies storage engine failures so transports can map them to
// typed, retry-aware responses.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindIO
	KindSerialization
	KindNotFound
	KindLock
	KindInvalidArgument
	KindSync
	KindWatch
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	case KindNotFound:
		return "not_found"
	case KindLock:
		return "lock"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindSync:
		return "sync"
	case KindWatch:
		return "watch"
	default:
		return "internal"
	}
}

var (
	// ErrNotFound indicates the requested session, checkpoint or index is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrTenantRequired is returned by every operation invoked without a tenant.
	ErrTenantRequired = Errorf(KindInvalidArgument, "", "tenant_id is required")
	// ErrLockContended reports that a lock is held by another holder.
	ErrLockContended = Errorf(KindLock, "", "lock held by another holder")
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of kind k for op.
func Errorf(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with kind k and op. Nil stays nil and ErrNotFound keeps
// its NotFound kind.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		k = KindNotFound
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf reports the kind of err. Errors without a Kind are Io failures
// unless they match ErrNotFound.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindIO
}

// IsKind reports whether err has kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }

func (e transientError) Unwrap() error { return e.err }

// NewTransientError marks err as transient so retry layers may try again.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked transient.
func IsTransient(err error) bool {
	var target transientError
	return errors.As(err, &target)
}
