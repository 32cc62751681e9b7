// Package mvcc implements the in-memory multi-version concurrency
// control layer: per-transaction snapshot timestamps, a
// committed-version index sharded by key hash, and write-write
// conflict detection. The on-page 24-byte footer
// (storage/page.Version) only ever describes the single version
// resident in a leaf cell; the backward chain to superseded versions
// (what lets a long-running reader still see an old value after a
// newer writer commits) lives only here.
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/gabrielelanaro/wrongo/storage/errs"
)

// ShardCount is the fixed number of MVCC shards, bounding lock
// contention on the version index.
const ShardCount = 64

// TxnState is where a transaction stands in its lifecycle.
type TxnState int

const (
	Active TxnState = iota
	Committed
	Aborted
)

// Version is one entry in a key's backward chain: the value as of
// [BeginTS, EndTS), or a tentative (uncommitted) write by TxnID.
type Version struct {
	TxnID   uint64
	BeginTS uint64 // 0 while tentative
	EndTS   uint64 // TSInfinite while current
	Value   []byte // nil means "deleted as of BeginTS"
	prev    *Version
}

const TSInfinite = ^uint64(0)

// chain is the per-key version list, newest first.
type chain struct {
	head *Version
}

type shard struct {
	mu    sync.Mutex
	byKey map[string]*chain
}

// Index is the sharded, in-memory committed-version store for one
// table. Each table (each B+tree) owns its own Index; nothing here is
// process-wide.
type Index struct {
	shards   [ShardCount]*shard
	txnSeq   atomic.Uint64
	tsSeq    atomic.Uint64
	activeMu sync.Mutex
	active   map[uint64]*txnInfo
}

type txnInfo struct {
	snapshotTS uint64
	state      TxnState
	writeSet   map[string]struct{} // keys this txn has tentatively written
}

// NewIndex creates an empty MVCC index with ShardCount shards.
func NewIndex() *Index {
	idx := &Index{active: make(map[uint64]*txnInfo)}
	for i := range idx.shards {
		idx.shards[i] = &shard{byKey: make(map[string]*chain)}
	}
	return idx
}

func (idx *Index) shardFor(key []byte) *shard {
	h := xxhash.Sum64(key)
	return idx.shards[h%ShardCount]
}

// BeginTxn allocates a new txn-id and records its snapshot timestamp
// (the current commit-ts counter value: it will see every version
// committed strictly before this call).
func (idx *Index) BeginTxn() (txnID uint64, snapshotTS uint64) {
	txnID = idx.txnSeq.Add(1)
	return txnID, idx.Adopt(txnID)
}

// Adopt registers an externally-assigned txn-id as active against
// this index and returns its snapshot timestamp. storage/txn allocates
// one txn-id per transaction globally (a transaction spans however
// many tables its cursors touch) and adopts it into each table's index
// lazily, the first time that table is written, rather than calling
// BeginTxn per table.
func (idx *Index) Adopt(txnID uint64) (snapshotTS uint64) {
	snapshotTS = idx.tsSeq.Load()
	idx.activeMu.Lock()
	idx.active[txnID] = &txnInfo{snapshotTS: snapshotTS, state: Active, writeSet: make(map[string]struct{})}
	idx.activeMu.Unlock()
	return snapshotTS
}

// Visible returns the value visible to txnID at its snapshot:
// begin-ts <= snapshot-ts < end-ts, plus the transaction's own
// uncommitted writes (read-your-writes).
func (idx *Index) Visible(txnID uint64, key []byte) (value []byte, found bool, deleted bool) {
	idx.activeMu.Lock()
	info := idx.active[txnID]
	idx.activeMu.Unlock()
	var snapshotTS uint64
	if info != nil {
		snapshotTS = info.snapshotTS
	}

	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.byKey[string(key)]
	if !ok {
		return nil, false, false
	}
	for v := c.head; v != nil; v = v.prev {
		if v.TxnID == txnID && v.BeginTS == 0 {
			// Own tentative write: visible regardless of commit state.
			if v.Value == nil {
				return nil, true, true
			}
			return v.Value, true, false
		}
		if v.BeginTS == 0 {
			continue // another txn's uncommitted write: invisible
		}
		if v.BeginTS <= snapshotTS && snapshotTS < v.EndTS {
			if v.Value == nil {
				return nil, true, true
			}
			return v.Value, true, false
		}
	}
	return nil, false, false
}

// VisibleOrNone is Visible plus a third result, hasChain, reporting
// whether this index has ever tracked a version chain for key at all.
// storage/txn uses this to decide whether the in-memory index's
// verdict is authoritative (hasChain true) or whether it must fall
// back to the B+tree's physical value (hasChain false: nothing has
// written key since this index was constructed, so whatever's on disk
// is necessarily already-committed). A visible tombstone reports
// found=false here: callers asking "or none" want live values only.
func (idx *Index) VisibleOrNone(txnID uint64, key []byte) (value []byte, found bool, hasChain bool) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	_, hasChain = sh.byKey[string(key)]
	sh.mu.Unlock()
	if !hasChain {
		return nil, false, false
	}
	value, found, deleted := idx.Visible(txnID, key)
	if deleted {
		return nil, false, true
	}
	return value, found, true
}

// CommittedHead returns a copy of the newest committed version in
// key's chain, skipping any tentative entries on top of it. The txn
// layer uses this after an abort to restore the physical leaf cell the
// aborted write had overwritten.
func (idx *Index) CommittedHead(key []byte) (Version, bool) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.byKey[string(key)]
	if !ok {
		return Version{}, false
	}
	for v := c.head; v != nil; v = v.prev {
		if v.BeginTS != 0 {
			return Version{TxnID: v.TxnID, BeginTS: v.BeginTS, EndTS: v.EndTS, Value: v.Value}, true
		}
	}
	return Version{}, false
}

// Put appends a tentative version for key under txnID, after
// checking for a write-write conflict: if any other active
// transaction already has key in its write set, the caller must
// abort and retry.
func (idx *Index) Put(txnID uint64, key, value []byte) error {
	return idx.write(txnID, key, value)
}

// Delete appends a tentative tombstone version for key under txnID.
func (idx *Index) Delete(txnID uint64, key []byte) error {
	return idx.write(txnID, key, nil)
}

func (idx *Index) write(txnID uint64, key, value []byte) error {
	if err := idx.checkConflict(txnID, key); err != nil {
		return err
	}

	sh := idx.shardFor(key)
	sh.mu.Lock()
	c, ok := sh.byKey[string(key)]
	if !ok {
		c = &chain{}
		sh.byKey[string(key)] = c
	}
	// Drop any earlier tentative version this same txn wrote for key
	// (an update-after-insert within one transaction replaces, it
	// does not chain).
	if c.head != nil && c.head.TxnID == txnID && c.head.BeginTS == 0 {
		c.head = c.head.prev
	}
	c.head = &Version{TxnID: txnID, BeginTS: 0, EndTS: TSInfinite, Value: value, prev: c.head}
	sh.mu.Unlock()

	idx.activeMu.Lock()
	if info, ok := idx.active[txnID]; ok {
		info.writeSet[string(key)] = struct{}{}
	}
	idx.activeMu.Unlock()
	return nil
}

// checkConflict returns TransactionConflict if another active
// transaction holds a tentative (uncommitted) version for key.
func (idx *Index) checkConflict(txnID uint64, key []byte) error {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.byKey[string(key)]
	if !ok {
		return nil
	}
	for v := c.head; v != nil; v = v.prev {
		if v.BeginTS != 0 {
			break // chain is newest-first; once we hit a committed version we're done
		}
		if v.TxnID != txnID {
			return errs.ErrTransactionConflict
		}
	}
	return nil
}

// Commit stamps every version this transaction wrote with a fresh
// commit timestamp, end-stamps the version each superseded, and
// moves the transaction to Committed. The caller must have already
// made the WAL commit record durable.
func (idx *Index) Commit(txnID uint64) (commitTS uint64, err error) {
	idx.activeMu.Lock()
	info, ok := idx.active[txnID]
	idx.activeMu.Unlock()
	if !ok {
		return 0, errs.ErrNoActiveTransaction
	}

	commitTS = idx.tsSeq.Add(1)
	for key := range info.writeSet {
		idx.stampCommit([]byte(key), txnID, commitTS)
	}

	idx.activeMu.Lock()
	info.state = Committed
	delete(idx.active, txnID)
	idx.activeMu.Unlock()
	return commitTS, nil
}

func (idx *Index) stampCommit(key []byte, txnID uint64, commitTS uint64) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.byKey[string(key)]
	if !ok {
		return
	}
	var mine *Version
	for v := c.head; v != nil; v = v.prev {
		if v.TxnID == txnID && v.BeginTS == 0 {
			mine = v
			break
		}
	}
	if mine == nil {
		return
	}
	mine.BeginTS = commitTS
	for v := mine.prev; v != nil; v = v.prev {
		if v.EndTS == TSInfinite {
			v.EndTS = commitTS
			break
		}
	}
}

// Abort discards every tentative version the transaction wrote.
func (idx *Index) Abort(txnID uint64) {
	idx.activeMu.Lock()
	info, ok := idx.active[txnID]
	if ok {
		delete(idx.active, txnID)
	}
	idx.activeMu.Unlock()
	if !ok {
		return
	}

	for key := range info.writeSet {
		idx.discardTentative([]byte(key), txnID)
	}
}

func (idx *Index) discardTentative(key []byte, txnID uint64) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.byKey[string(key)]
	if !ok {
		return
	}
	if c.head != nil && c.head.TxnID == txnID && c.head.BeginTS == 0 {
		c.head = c.head.prev
	}
	// An empty chain must not linger in the map: VisibleOrNone treats
	// map presence alone as "the index is authoritative for this key",
	// so a leftover empty entry would shadow a still-valid on-disk
	// value from a write that predates this index (e.g. recovery
	// replay) with a false not-found.
	if c.head == nil {
		delete(sh.byKey, string(key))
	}
}

// Prune drops chain entries no active transaction's snapshot could
// still need: every version whose EndTS is at most the oldest active
// snapshot timestamp, except the single newest such version (which
// may still be the live one for readers with no lower bound). Callers
// run this periodically, e.g. alongside checkpoint.
func (idx *Index) Prune() {
	floor := idx.oldestActiveSnapshot()
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for k, c := range sh.byKey {
			c.head = prune(c.head, floor)
			if c.head == nil {
				delete(sh.byKey, k)
			}
		}
		sh.mu.Unlock()
	}
}

func prune(head *Version, floor uint64) *Version {
	if head == nil {
		return nil
	}
	kept := []*Version{}
	for v := head; v != nil; v = v.prev {
		kept = append(kept, v)
		if v.EndTS != TSInfinite && v.EndTS <= floor {
			break
		}
	}
	for i := len(kept) - 1; i >= 0; i-- {
		if i == len(kept)-1 {
			kept[i].prev = nil
		} else {
			kept[i].prev = kept[i+1]
		}
	}
	return kept[0]
}

func (idx *Index) oldestActiveSnapshot() uint64 {
	idx.activeMu.Lock()
	defer idx.activeMu.Unlock()
	floor := idx.tsSeq.Load()
	for _, info := range idx.active {
		if info.snapshotTS < floor {
			floor = info.snapshotTS
		}
	}
	return floor
}
