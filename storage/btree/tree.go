// Package btree implements the copy-on-write keyed map over pages:
// strict CoW put/delete, shared-pin descent for reads, a
// path-stack range cursor (it climbs its retained root-to-leaf path
// rather than re-descending from the root), and the three-phase checkpoint
// coordinator (prepare, flush, commit). It has no knowledge of MVCC:
// callers (storage/txn) decide which version's bytes to write and
// stamp the footer accordingly; the tree only ever holds one physical
// cell per key, matching what's currently durable-or-tentative in the
// process.
package btree

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/config"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/lockstats"
	"github.com/gabrielelanaro/wrongo/storage/page"
	"github.com/gabrielelanaro/wrongo/storage/pagecache"
	"github.com/gabrielelanaro/wrongo/storage/wal"
)

// Tree is one table's copy-on-write B+tree: a block file, a bounded
// page cache over it, and the in-memory tentative root + retired-set
// bookkeeping.
type Tree struct {
	file  *block.File
	cache *pagecache.Cache
	wal   *wal.WAL // nil when this table runs with the WAL disabled
	stats *lockstats.Registry

	tableID uint32

	tableLock sync.RWMutex
	root      atomic.Uint64

	checkpointMu    sync.Mutex
	checkpointDrain time.Duration

	retiredMu sync.Mutex
	retired   map[block.ID]struct{}
}

// Open attaches a Tree to an already-open block file.
func Open(file *block.File, walInst *wal.WAL, tableID uint32, cacheCapacity int, stats *lockstats.Registry, cfg config.Config) *Tree {
	if stats == nil {
		stats = lockstats.NewRegistry()
	}
	t := &Tree{
		file:            file,
		wal:             walInst,
		stats:           stats,
		tableID:         tableID,
		retired:         make(map[block.ID]struct{}),
		checkpointDrain: time.Duration(cfg.CheckpointDrainWaitMS) * time.Millisecond,
	}
	t.root.Store(uint64(file.CurrentRootBlockID()))
	t.cache = pagecache.New(cacheCapacity, t.loadPage, stats)
	return t
}

// Create creates a fresh block file at path and returns a Tree over
// it, with an empty leaf as its initial root.
func Create(path string, pageSize int, walInst *wal.WAL, tableID uint32, cacheCapacity int, stats *lockstats.Registry, cfg config.Config) (*Tree, error) {
	file, err := block.Create(path, pageSize)
	if err != nil {
		return nil, err
	}
	t := Open(file, walInst, tableID, cacheCapacity, stats, cfg)

	root := page.New(block.ID(file.CurrentRootBlockID()), page.KindLeaf, pageSize)
	if err := t.file.WriteBlock(root.ID(), root.Bytes()); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) loadPage(id block.ID) (*page.Page, error) {
	buf, err := t.file.ReadBlock(id, true)
	if err != nil {
		return nil, err
	}
	return page.Load(id, buf)
}

func (t *Tree) currentRoot() block.ID { return block.ID(t.root.Load()) }
func (t *Tree) setRoot(id block.ID)   { t.root.Store(uint64(id)) }

func (t *Tree) readLockRelease() func() {
	start := time.Now()
	t.tableLock.RLock()
	release := t.stats.Track(lockstats.Table, start)
	return func() {
		release()
		t.tableLock.RUnlock()
	}
}

func (t *Tree) writeLockRelease() func() {
	start := time.Now()
	t.tableLock.Lock()
	release := t.stats.Track(lockstats.Table, start)
	return func() {
		release()
		t.tableLock.Unlock()
	}
}

// Get returns the newest committed physical value for key, or
// found=false if absent, tombstoned, or never commit-stamped. A cell
// whose footer still carries BeginTS == 0 belongs to a transaction
// that had not committed when the cell was written: either one still
// in flight (whose writes only its own MVCC chain may serve) or one
// that died with a crash. It is never served from here. Callers
// that need snapshot isolation consult storage/mvcc first and only
// fall back to Get when no in-memory version entry exists for key.
func (t *Tree) Get(key []byte) (value []byte, found bool, err error) {
	release := t.readLockRelease()
	defer release()

	id := t.currentRoot()
	pg, err := t.cache.PinShared(id)
	if err != nil {
		return nil, false, err
	}
	for !pg.IsLeaf() {
		childID, err := pg.ChildFor(key)
		if err != nil {
			t.cache.Unpin(id, false)
			return nil, false, err
		}
		childPg, err := t.cache.PinShared(childID)
		if err != nil {
			t.cache.Unpin(id, false)
			return nil, false, err
		}
		t.cache.Unpin(id, false)
		id, pg = childID, childPg
	}
	defer t.cache.Unpin(id, false)

	cell, ok, err := pg.GetLeaf(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if cell.Value == nil || cell.Version.BeginTS == 0 {
		return nil, false, nil
	}
	return cell.Value, true, nil
}

// commitPage finishes a CoW mutation: pg (already carrying its fresh
// block id) is written through to the block file, then staged in the
// cache under an exclusive pin, marked dirty, and unpinned so readers
// can reach it. The dirty bit stays set until the next checkpoint's
// flush phase covers the page with a sync; until then the WAL is the
// only durability for the write. The page buffer is complete before
// it enters the cache; afterward the only in-place change is
// StampVersion's footer rewrite under an exclusive pin, so shared pins
// and the checkpoint flush need no copy.
func (t *Tree) commitPage(pg *page.Page) error {
	if err := t.file.WriteBlock(pg.ID(), pg.Bytes()); err != nil {
		return err
	}
	if err := t.cache.Insert(pg); err != nil {
		return err
	}
	t.cache.MarkDirty(pg.ID())
	t.cache.Unpin(pg.ID(), true)
	return nil
}

// retire records that id has been superseded by copy-on-write. The
// block stays allocated until a checkpoint whose root no longer
// references it commits; only then does Checkpoint hand the set to
// the block file's pending-discard merge.
func (t *Tree) retire(id block.ID) {
	t.retiredMu.Lock()
	t.retired[id] = struct{}{}
	t.retiredMu.Unlock()
	t.cache.Evict(id)
}

// Put inserts or overwrites key with value, stamping ver as the leaf
// cell's MVCC footer. Callers pick the footer: the cursor layer writes
// BeginTS == 0 for an in-flight transaction and StampVersion rewrites
// it with the commit timestamp once the commit is durable; recovery
// replay writes the committed footer directly.
func (t *Tree) Put(key, value []byte, ver page.Version) error {
	release := t.writeLockRelease()
	defer release()

	cell := &page.LeafCell{Key: key, Value: value, Version: ver}
	newRootID, promoted, err := t.putRecursive(t.currentRoot(), cell)
	if err != nil {
		return err
	}
	if promoted != nil {
		rootID, err := t.file.AllocateBlock()
		if err != nil {
			return err
		}
		rootPg := page.New(rootID, page.KindInternal, t.file.PageSize())
		rootPg.SetFirstChild(newRootID)
		if err := rootPg.InsertSeparator(promoted); err != nil {
			return err
		}
		if err := t.commitPage(rootPg); err != nil {
			return err
		}
		t.setRoot(rootID)
		return nil
	}
	t.setRoot(newRootID)
	return nil
}

// Delete writes a tombstone cell for key (Value == nil) rather than
// physically removing the slot or triggering a sibling merge. The
// tombstone slot is replaced only when the same key is written again;
// a split copies tombstone cells along with the live ones.
func (t *Tree) Delete(key []byte, ver page.Version) error {
	return t.Put(key, nil, ver)
}

// StampVersion rewrites the MVCC footer of key's resident cell in
// place: the commit path uses it to stamp a tentative cell with its
// commit timestamp without paying a full CoW put (the key and value
// bytes are unchanged). The leaf's shared pin from the descent is
// upgraded to exclusive before the mutation; transient reader pins
// are waited out up to the drain deadline. Returns stamped=false when
// the resident cell no longer belongs to ver.TxnID: a later writer
// has replaced it, and that writer's own commit or abort maintains
// the physical cell from here on.
func (t *Tree) StampVersion(key []byte, ver page.Version) (bool, error) {
	release := t.writeLockRelease()
	defer release()

	id := t.currentRoot()
	for {
		pg, err := t.cache.PinShared(id)
		if err != nil {
			return false, err
		}
		if pg.IsLeaf() {
			t.cache.Unpin(id, false)
			break
		}
		childID, err := pg.ChildFor(key)
		t.cache.Unpin(id, false)
		if err != nil {
			return false, err
		}
		id = childID
	}

	deadline := time.Now().Add(t.checkpointDrain)
	var pg *page.Page
	for {
		var err error
		pg, err = t.cache.PinExclusive(id)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return false, err
		}
		time.Sleep(time.Millisecond)
	}
	defer t.cache.Unpin(id, true)

	stamped, err := pg.StampLeafVersion(key, ver)
	if err != nil || !stamped {
		return false, err
	}
	t.cache.MarkDirty(id)
	return true, nil
}

// putRecursive performs the CoW descent: it returns the new block id
// for the subtree rooted at id, and, if this level's page split,
// a separator/child pair the caller must insert into its own clone.
// The old page is pinned shared only while its bytes are being read
// into a clone; the pin is released before retire so the cache can
// drop the superseded frame.
func (t *Tree) putRecursive(id block.ID, cell *page.LeafCell) (block.ID, *page.InternalCell, error) {
	pg, err := t.cache.PinShared(id)
	if err != nil {
		return block.None, nil, err
	}

	if pg.IsLeaf() {
		newID, promoted, perr := t.putLeaf(pg, cell)
		t.cache.Unpin(id, false)
		if perr != nil {
			return block.None, nil, perr
		}
		t.retire(id)
		return newID, promoted, nil
	}

	childID, err := pg.ChildFor(cell.Key)
	if err != nil {
		t.cache.Unpin(id, false)
		return block.None, nil, err
	}
	newChildID, promotedChild, err := t.putRecursive(childID, cell)
	if err != nil {
		t.cache.Unpin(id, false)
		return block.None, nil, err
	}

	newID, err := t.file.AllocateBlock()
	if err != nil {
		t.cache.Unpin(id, false)
		return block.None, nil, err
	}
	clone := pg.Clone(newID)
	t.cache.Unpin(id, false)

	if err := clone.ReplaceChild(childID, newChildID); err != nil {
		return block.None, nil, err
	}

	if promotedChild == nil {
		if err := t.commitPage(clone); err != nil {
			return block.None, nil, err
		}
		t.retire(id)
		return newID, nil, nil
	}

	if clone.FitsInternal(len(promotedChild.Key)) {
		if err := clone.InsertSeparator(promotedChild); err != nil {
			return block.None, nil, err
		}
		if err := t.commitPage(clone); err != nil {
			return block.None, nil, err
		}
		t.retire(id)
		return newID, nil, nil
	}

	leftID, promoted, err := t.splitInternalWithInsert(clone, promotedChild)
	if err != nil {
		return block.None, nil, err
	}
	t.retire(id)
	return leftID, promoted, nil
}

// putLeaf writes cell into a CoW copy of the leaf pg, splitting when
// it no longer fits. The caller owns pg's pin and the retirement of
// its block id.
func (t *Tree) putLeaf(pg *page.Page, cell *page.LeafCell) (block.ID, *page.InternalCell, error) {
	newID, err := t.file.AllocateBlock()
	if err != nil {
		return block.None, nil, err
	}
	clone := pg.Clone(newID)
	if err := clone.PutLeaf(cell); err == nil {
		if err := t.commitPage(clone); err != nil {
			return block.None, nil, err
		}
		return newID, nil, nil
	} else if err != page.ErrPageFull {
		return block.None, nil, err
	}

	return t.splitLeafWithInsert(pg, newID, cell)
}

// splitLeafWithInsert gathers the old leaf's cells plus the pending
// insert, splits at the median, and writes both halves as brand new
// pages. leftID is reused for the already-allocated id from the
// failed direct-insert attempt so only one extra block id (the right
// half) needs allocating.
func (t *Tree) splitLeafWithInsert(old *page.Page, leftID block.ID, cell *page.LeafCell) (block.ID, *page.InternalCell, error) {
	cells, err := old.AllLeafCells()
	if err != nil {
		return block.None, nil, err
	}
	cells = upsertLeafCell(cells, cell)

	mid := len(cells) / 2
	leftCells, rightCells := cells[:mid], cells[mid:]

	pageSize := t.file.PageSize()
	leftPg := page.New(leftID, page.KindLeaf, pageSize)
	for _, c := range leftCells {
		if err := leftPg.PutLeaf(c); err != nil {
			return block.None, nil, fmt.Errorf("btree: split leaf half overflowed: %w", err)
		}
	}
	rightID, err := t.file.AllocateBlock()
	if err != nil {
		return block.None, nil, err
	}
	rightPg := page.New(rightID, page.KindLeaf, pageSize)
	for _, c := range rightCells {
		if err := rightPg.PutLeaf(c); err != nil {
			return block.None, nil, fmt.Errorf("btree: split leaf half overflowed: %w", err)
		}
	}

	if err := t.commitPage(leftPg); err != nil {
		return block.None, nil, err
	}
	if err := t.commitPage(rightPg); err != nil {
		return block.None, nil, err
	}
	return leftID, &page.InternalCell{Key: rightCells[0].Key, Child: rightID}, nil
}

func upsertLeafCell(cells []*page.LeafCell, cell *page.LeafCell) []*page.LeafCell {
	for i, c := range cells {
		if bytes.Equal(c.Key, cell.Key) {
			cells[i] = cell
			return cells
		}
	}
	out := make([]*page.LeafCell, 0, len(cells)+1)
	inserted := false
	for _, c := range cells {
		if !inserted && bytes.Compare(cell.Key, c.Key) < 0 {
			out = append(out, cell)
			inserted = true
		}
		out = append(out, c)
	}
	if !inserted {
		out = append(out, cell)
	}
	return out
}

// splitInternalWithInsert mirrors splitLeafWithInsert one level up:
// the middle separator is promoted to the grandparent and appears in
// neither half.
func (t *Tree) splitInternalWithInsert(clone *page.Page, newSep *page.InternalCell) (block.ID, *page.InternalCell, error) {
	cells, err := clone.AllInternalCells()
	if err != nil {
		return block.None, nil, err
	}
	cells = upsertInternalCell(cells, newSep)

	mid := len(cells) / 2
	promoted := cells[mid]
	leftCells, rightCells := cells[:mid], cells[mid+1:]

	pageSize := t.file.PageSize()
	leftID := clone.ID()
	leftPg := page.New(leftID, page.KindInternal, pageSize)
	leftPg.SetFirstChild(clone.FirstChild())
	for _, c := range leftCells {
		if err := leftPg.InsertSeparator(c); err != nil {
			return block.None, nil, fmt.Errorf("btree: split internal half overflowed: %w", err)
		}
	}
	rightID, err := t.file.AllocateBlock()
	if err != nil {
		return block.None, nil, err
	}
	rightPg := page.New(rightID, page.KindInternal, pageSize)
	rightPg.SetFirstChild(promoted.Child)
	for _, c := range rightCells {
		if err := rightPg.InsertSeparator(c); err != nil {
			return block.None, nil, fmt.Errorf("btree: split internal half overflowed: %w", err)
		}
	}

	if err := t.commitPage(leftPg); err != nil {
		return block.None, nil, err
	}
	if err := t.commitPage(rightPg); err != nil {
		return block.None, nil, err
	}
	return leftID, &page.InternalCell{Key: promoted.Key, Child: rightID}, nil
}

func upsertInternalCell(cells []*page.InternalCell, cell *page.InternalCell) []*page.InternalCell {
	for i, c := range cells {
		if bytes.Equal(c.Key, cell.Key) {
			cells[i] = cell
			return cells
		}
	}
	out := make([]*page.InternalCell, 0, len(cells)+1)
	inserted := false
	for _, c := range cells {
		if !inserted && bytes.Compare(cell.Key, c.Key) < 0 {
			out = append(out, cell)
			inserted = true
		}
		out = append(out, c)
	}
	if !inserted {
		out = append(out, cell)
	}
	return out
}

// Checkpoint runs the three-phase coordinator: prepare (snapshot the
// tentative root and the retired set, drain any exclusive pins),
// flush (write dirty cached pages, sync the block file), commit
// (CHECKPOINT WAL record, root slot swap, retired-set merge into the
// free list).
func (t *Tree) Checkpoint() error {
	t.checkpointMu.Lock()
	defer t.checkpointMu.Unlock()

	// Prepare. The root and the retired set are captured together
	// under the table lock: every id in the captured set was
	// superseded before this root existed, so freeing it once this
	// root is durable can never reclaim a page the root still
	// references. Blocks retired by writes that land after the
	// snapshot wait for the next checkpoint.
	release := t.writeLockRelease()
	newRoot := t.currentRoot()
	t.retiredMu.Lock()
	retired := t.retired
	t.retired = make(map[block.ID]struct{})
	t.retiredMu.Unlock()
	release()

	deadline := time.Now().Add(t.checkpointDrain)
	for t.cache.HasExclusivePins() {
		if time.Now().After(deadline) {
			return errs.ErrCheckpointBusy
		}
		time.Sleep(time.Millisecond)
	}

	// Flush. Rewrite every dirty page and force the file; after
	// SyncAll returns, every page the snapshotted root references is
	// durable. Each page is held under a shared pin while its bytes
	// are written so an in-place footer stamp cannot land mid-write.
	for _, pg := range t.cache.DirtyPages() {
		if _, err := t.cache.PinShared(pg.ID()); err != nil {
			return err
		}
		err := t.file.WriteBlock(pg.ID(), pg.Bytes())
		if err == nil {
			t.cache.ClearDirty(pg.ID())
		}
		t.cache.Unpin(pg.ID(), false)
		if err != nil {
			return err
		}
	}
	if err := t.file.SyncAll(); err != nil {
		return errs.New(errs.IO, "btree.Checkpoint", err)
	}

	// Commit. Only after the CHECKPOINT record and the root swap are
	// durable do the captured retired blocks become reusable.
	if t.wal != nil {
		if _, err := t.wal.LogCheckpoint(uint64(newRoot)); err != nil {
			return err
		}
	}
	if err := t.file.SetRootBlockID(newRoot); err != nil {
		return err
	}
	for id := range retired {
		t.file.FreeBlock(id)
	}
	return t.file.MergeDiscards()
}

// Close releases the underlying block file.
func (t *Tree) Close() error { return t.file.Close() }

// PageSize reports the table's configured page size.
func (t *Tree) PageSize() int { return t.file.PageSize() }

// TableID reports the table id this tree was opened with, for
// routing WAL update records back to the right tree during recovery.
func (t *Tree) TableID() uint32 { return t.tableID }
