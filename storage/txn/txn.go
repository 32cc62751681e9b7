package txn

import (
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

// State is the transaction lifecycle: Active -> Committed | Aborted.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "active"
	}
}

// Txn is one transaction: a globally-unique txn-id, the set of tables
// it has touched (each lazily adopted into that table's MVCC index on
// first access), and its terminal state.
//
// Go has no destructors, so dropping an Active transaction does not
// abort it automatically: a caller that abandons a Txn without
// calling Commit or Abort leaves it Active until the process exits,
// at which point recovery treats its writes as uncommitted anyway (no
// COMMIT record ever reached the WAL). Callers are expected to defer
// Abort after Begin.
type Txn struct {
	id      uint64
	session *Session
	conn    *Connection
	state   State

	touched map[string]*table
	// writes is the per-table write set, latest value per key (nil =
	// tombstone). Commit stamps each entry's on-page footer in place
	// (Tree.StampVersion) with the commit timestamp so every committed
	// cell carries a nonzero BeginTS; Abort uses it to restore whatever
	// committed cell the tentative write had overwritten.
	writes map[string]map[string][]byte

	// loggedBegin flips when the first write logs this transaction's
	// BEGIN record. Read-only transactions never touch the WAL.
	loggedBegin bool
}

func newTxn(s *Session) *Txn {
	return &Txn{
		id:      globalTxnSeq.Add(1),
		session: s,
		conn:    s.conn,
		state:   Active,
		touched: make(map[string]*table),
		writes:  make(map[string]map[string][]byte),
	}
}

// ID reports the transaction's id.
func (t *Txn) ID() uint64 { return t.id }

// State reports the transaction's current lifecycle state.
func (t *Txn) State() State { return t.state }

// Cursor opens a cursor over table within this transaction. The first
// call for a given table adopts this transaction's id into that
// table's MVCC index, establishing the snapshot timestamp every
// subsequent read on that table within this txn uses.
func (t *Txn) Cursor(tableName string) (*Cursor, error) {
	if t.state != Active {
		return nil, errs.New(errs.NoActiveTransaction, "txn.Cursor", nil)
	}
	tb, ok := t.conn.tableByName(tableName)
	if !ok {
		return nil, errs.New(errs.DocumentValidation, "txn.Cursor", errTableNotFound(tableName))
	}
	if _, seen := t.touched[tableName]; !seen {
		tb.index.Adopt(t.id)
		t.touched[tableName] = tb
	}
	return &Cursor{txn: t, table: tb}, nil
}

// Commit appends a COMMIT record to the WAL, forces it durable
// (subject to group-commit policy), then stamps MVCC commit
// timestamps on every table this transaction wrote. If the WAL force
// fails, the transaction is left uncommitted: the caller must still
// call Abort to release its write sets.
func (t *Txn) Commit() error {
	if t.state != Active {
		return errs.New(errs.NoActiveTransaction, "txn.Commit", nil)
	}

	// A read-only transaction never logged a BEGIN and has nothing to
	// make durable; it commits without touching the WAL.
	if t.conn.cfg.WALEnabled && t.loggedBegin {
		if err := t.conn.enforceWALCeiling(); err != nil {
			return err
		}
		if _, err := t.conn.wal.LogCommit(t.id); err != nil {
			return err
		}
	}

	for name, tb := range t.touched {
		commitTS, err := tb.index.Commit(t.id)
		if err != nil {
			return err
		}
		// Stamp every written cell's footer with the commit timestamp
		// so the durable page matches the chain. Without this, a
		// checkpoint after a clean WAL truncation (or a WAL-disabled
		// run) would leave committed cells indistinguishable from
		// in-flight ones. Recovery replay does not re-log the stamps,
		// and neither do we. A false return means a later writer
		// already replaced the cell; its own commit or abort maintains
		// the physical copy from here on.
		ver := page.Version{TxnID: t.id, BeginTS: commitTS, EndTS: page.TSInfinite}
		for key := range t.writes[name] {
			if _, err := tb.tree.StampVersion([]byte(key), ver); err != nil {
				return err
			}
		}
	}

	t.state = Committed
	t.session.endTxn(t)
	if t.conn.cfg.WALEnabled && t.loggedBegin {
		t.conn.maybeCheckpointForLogSize()
	}
	return nil
}

// Abort discards every tentative MVCC version this transaction wrote,
// restores the committed cell each one had physically overwritten, and
// logs an explicit ABORT record (optional, since a missing COMMIT
// record is enough, but it speeds up recovery's terminal-state scan).
func (t *Txn) Abort() error {
	if t.state != Active {
		return nil
	}
	var restoreErr error
	for name, tb := range t.touched {
		tb.index.Abort(t.id)
		for key := range t.writes[name] {
			prev, ok := tb.index.CommittedHead([]byte(key))
			if !ok {
				// Nothing committed underneath: the tentative cell
				// stays in the tree as garbage, invisible to every
				// reader (BeginTS == 0) until a later write reclaims
				// the slot.
				continue
			}
			ver := page.Version{TxnID: prev.TxnID, BeginTS: prev.BeginTS, EndTS: prev.EndTS}
			if err := tb.tree.Put([]byte(key), prev.Value, ver); err != nil && restoreErr == nil {
				restoreErr = err
			}
		}
	}
	if t.conn.cfg.WALEnabled && t.loggedBegin {
		if _, err := t.conn.wal.LogAbort(t.id); err != nil && restoreErr == nil {
			restoreErr = err
		}
	}
	t.state = Aborted
	t.session.endTxn(t)
	return restoreErr
}

type tableNotFoundError string

func (e tableNotFoundError) Error() string { return "txn: table not found: " + string(e) }

func errTableNotFound(name string) error { return tableNotFoundError(name) }
