// Package errs implements the core's error-kind taxonomy. The core
// never retries; every returned error carries a Kind the wire layer
// can map to a protocol-level response (e.g. TransactionConflict maps
// to a MongoDB-style WriteConflict).
package errs

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from the storage core's error design.
// It is not a Go error type hierarchy on its own; Error carries one.
type Kind int

const (
	Unknown Kind = iota
	DocumentValidation
	Storage
	IO
	Protocol
	TransactionConflict
	TransactionAlreadyActive
	NoActiveTransaction
	CheckpointBusy
)

func (k Kind) String() string {
	switch k {
	case DocumentValidation:
		return "DocumentValidation"
	case Storage:
		return "Storage"
	case IO:
		return "Io"
	case Protocol:
		return "Protocol"
	case TransactionConflict:
		return "TransactionConflict"
	case TransactionAlreadyActive:
		return "TransactionAlreadyActive"
	case NoActiveTransaction:
		return "NoActiveTransaction"
	case CheckpointBusy:
		return "CheckpointBusy"
	default:
		return "Unknown"
	}
}

// Error is the core's error type: a kind tag, the operation that
// failed, and the message/wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinels for conditions callers are expected to compare against
// directly.
var (
	ErrKeyEmpty       = New(DocumentValidation, "validate", errors.New("key cannot be empty"))
	ErrClosed         = New(Storage, "op", errors.New("connection is closed"))
	ErrCacheFull      = New(Storage, "pagecache", errors.New("cache full: no clean unpinned page to evict"))
	ErrCheckpointBusy = New(CheckpointBusy, "checkpoint", errors.New("dirty pages did not drain before deadline"))

	ErrTransactionConflict      = New(TransactionConflict, "commit", errors.New("write-write conflict"))
	ErrTransactionAlreadyActive = New(TransactionAlreadyActive, "begin", errors.New("session already has an active transaction"))
	ErrNoActiveTransaction      = New(NoActiveTransaction, "txn", errors.New("no active transaction on session"))

	ErrTruncatedPage  = New(Storage, "block", errors.New("truncated page"))
	ErrPageCorruption = New(Storage, "block", errors.New("page corruption"))
)
