package txn

import (
	"github.com/gabrielelanaro/wrongo/storage/btree"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

// Cursor is a transaction's view onto one table. Every read first
// consults the table's MVCC index (snapshot + read-your-writes);
// every write goes through the B+tree's copy-on-write path
// immediately, then the WAL.
type Cursor struct {
	txn   *Txn
	table *table
}

// Get returns key's value as visible to this transaction's snapshot.
func (c *Cursor) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, errs.ErrKeyEmpty
	}
	if value, found, hasChain := c.table.index.VisibleOrNone(c.txn.id, key); hasChain {
		return value, found, nil
	}
	return c.table.tree.Get(key)
}

// Insert writes key/value, visible immediately to this transaction
// (read-your-writes) and to no other transaction until commit. A
// second insert of the same key within the same transaction succeeds
// (it is an upsert, not a duplicate-key error); a concurrent
// session's insert of the same key conflicts.
func (c *Cursor) Insert(key, value []byte) error {
	return c.write(key, value)
}

// Update overwrites key's value; identical to Insert at this layer
// (the document-level distinction between insert and update is drawn
// by the collection layer, outside this core).
func (c *Cursor) Update(key, value []byte) error {
	return c.write(key, value)
}

// Delete tombstones key: the version chain is end-stamped rather than
// the slot physically removed.
func (c *Cursor) Delete(key []byte) error {
	return c.write(key, nil)
}

func (c *Cursor) write(key, value []byte) error {
	if len(key) == 0 {
		return errs.ErrKeyEmpty
	}
	if c.txn.conn.cfg.WALEnabled {
		if err := c.txn.conn.enforceWALCeiling(); err != nil {
			return err
		}
	}

	hasValue := value != nil
	var mvccErr error
	if hasValue {
		mvccErr = c.table.index.Put(c.txn.id, key, value)
	} else {
		mvccErr = c.table.index.Delete(c.txn.id, key)
	}
	if mvccErr != nil {
		return mvccErr
	}

	ver := page.Version{TxnID: c.txn.id, BeginTS: 0, EndTS: page.TSInfinite}
	if err := c.table.tree.Put(key, value, ver); err != nil {
		return err
	}

	name := c.table.entry.Name
	if c.txn.writes[name] == nil {
		c.txn.writes[name] = make(map[string][]byte)
	}
	c.txn.writes[name][string(key)] = value

	if c.txn.conn.cfg.WALEnabled {
		if !c.txn.loggedBegin {
			if _, err := c.txn.conn.wal.BeginTxn(c.txn.id); err != nil {
				return err
			}
			c.txn.loggedBegin = true
		}
		if _, err := c.txn.conn.wal.LogUpdate(c.txn.id, c.table.entry.TableID, key, value, hasValue); err != nil {
			return err
		}
	}
	return nil
}

// Range returns an iterator over [lo, hi) visible to this
// transaction's snapshot: a physical B+tree cursor (btree.Cursor,
// which climbs its retained path instead of re-descending from the
// root) overlaid with MVCC visibility per key.
func (c *Cursor) Range(lo, hi []byte) (*RangeIter, error) {
	bc, err := c.table.tree.Range(lo, hi)
	if err != nil {
		return nil, err
	}
	return &RangeIter{cursor: c, inner: bc}, nil
}

// RangeIter walks a transaction-visible key range in ascending order.
type RangeIter struct {
	cursor *Cursor
	inner  *btree.Cursor
}

// Next advances to the next visible key, returning ok=false once the
// range is exhausted.
func (r *RangeIter) Next() (key, value []byte, ok bool, err error) {
	for {
		cell, more, err := r.inner.NextCell()
		if err != nil {
			return nil, nil, false, err
		}
		if !more {
			return nil, nil, false, nil
		}
		if mv, found, hasChain := r.cursor.table.index.VisibleOrNone(r.cursor.txn.id, cell.Key); hasChain {
			if !found {
				continue
			}
			return cell.Key, mv, true, nil
		}
		// No chain: the physical cell is authoritative, but only if it
		// is a live, committed one. A tentative footer with no chain
		// belongs to a transaction that died in a previous process.
		if cell.Value == nil || cell.Version.BeginTS == 0 {
			continue
		}
		return cell.Key, cell.Value, true, nil
	}
}
