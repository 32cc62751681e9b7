package txn

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gabrielelanaro/wrongo/storage/errs"
)

// globalTxnSeq hands out transaction ids to every Connection in the
// process; there is no per-Connection txn-id counter.
var globalTxnSeq atomic.Uint64

// Session is a single-threaded handle on a Connection. A process may
// hold many sessions concurrently; each session carries at most one
// active transaction at a time.
type Session struct {
	conn *Connection
	id   uuid.UUID

	current *Txn
}

// ID reports the session's correlation id. Nothing in the core logs
// or stores it.
func (s *Session) ID() uuid.UUID { return s.id }

// Begin starts a new explicit transaction on this session. It fails
// with TransactionAlreadyActive if one is already open.
func (s *Session) Begin() (*Txn, error) {
	if s.current != nil {
		return nil, errs.ErrTransactionAlreadyActive
	}
	t := newTxn(s)
	s.current = t
	return t, nil
}

// withAutoCommit runs fn inside whatever transaction is already
// active on the session, or wraps it in a fresh single-statement
// transaction that commits (or aborts, on error) before returning.
func (s *Session) withAutoCommit(fn func(*Txn) error) error {
	if s.current != nil {
		return fn(s.current)
	}
	t := newTxn(s)
	if err := fn(t); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

// Get reads key from table, auto-committing a single-statement
// transaction if no explicit one is active.
func (s *Session) Get(table string, key []byte) (value []byte, found bool, err error) {
	err = s.withAutoCommit(func(t *Txn) error {
		c, cerr := t.Cursor(table)
		if cerr != nil {
			return cerr
		}
		value, found, cerr = c.Get(key)
		return cerr
	})
	return value, found, err
}

// Insert writes key/value into table, auto-committing if needed.
func (s *Session) Insert(table string, key, value []byte) error {
	return s.withAutoCommit(func(t *Txn) error {
		c, err := t.Cursor(table)
		if err != nil {
			return err
		}
		return c.Insert(key, value)
	})
}

// Update overwrites key's value in table, auto-committing if needed.
func (s *Session) Update(table string, key, value []byte) error {
	return s.withAutoCommit(func(t *Txn) error {
		c, err := t.Cursor(table)
		if err != nil {
			return err
		}
		return c.Update(key, value)
	})
}

// Delete removes key from table, auto-committing if needed.
func (s *Session) Delete(table string, key []byte) error {
	return s.withAutoCommit(func(t *Txn) error {
		c, err := t.Cursor(table)
		if err != nil {
			return err
		}
		return c.Delete(key)
	})
}

// endTxn clears the session's active transaction once it reaches a
// terminal state. Called by Txn.Commit/Abort.
func (s *Session) endTxn(t *Txn) {
	if s.current == t {
		s.current = nil
	}
}
