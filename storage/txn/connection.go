// Package txn implements the transaction/session layer: the
// Connection that owns a database directory's shared WAL and
// per-table B+trees/MVCC indexes, the single-threaded Session handle,
// and the Txn/Cursor pair that ties cursor calls to MVCC visibility
// and WAL durability ordering.
package txn

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/btree"
	"github.com/gabrielelanaro/wrongo/storage/config"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/lockstats"
	"github.com/gabrielelanaro/wrongo/storage/mvcc"
	"github.com/gabrielelanaro/wrongo/storage/recovery"
	"github.com/gabrielelanaro/wrongo/storage/wal"
)

// table bundles one catalog entry's live B+tree with the in-memory
// MVCC index that sits in front of it. MVCC state is owned
// per-Connection, not process-wide.
type table struct {
	entry catalogEntry
	tree  *btree.Tree
	index *mvcc.Index
}

// Connection is the core's top-level handle on one database
// directory: the shared wrongo.wal log, every table's tree+MVCC
// index, lock-wait instrumentation, and the background checkpoint
// scheduler driven by checkpoint_wait_secs.
type Connection struct {
	Dir    string
	ID     uuid.UUID
	cfg    config.Config
	stats  *lockstats.Registry
	logger zerolog.Logger

	wal *wal.WAL

	mu      sync.RWMutex
	tables  map[string]*table
	byID    map[uint32]*table
	catalog catalog

	checkpointSched *cron.Cron
	closed          atomic.Bool

	// walSizeAtCheckpoint is the WAL length observed by the last
	// size-triggered checkpoint, so commits only re-trigger after
	// another checkpoint_log_size_bytes of growth.
	walSizeAtCheckpoint atomic.Int64
}

// Open opens (creating if necessary) the database directory at dir,
// running crash recovery before handing back a Connection ready for
// sessions. If background checkpointing is configured
// (checkpoint_wait_secs), the scheduler starts immediately.
func Open(dir string, cfg config.Config) (*Connection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.IO, "txn.Open", err)
	}

	stats := lockstats.NewRegistry()
	stats.SetEnabled(cfg.LockStatsEnabled)

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "wrongo").Str("dir", dir).Logger()

	cat, err := loadCatalog(dir)
	if err != nil {
		return nil, errs.New(errs.Storage, "txn.Open", err)
	}

	walOpts := wal.Options{
		Enabled:        cfg.WALEnabled,
		SyncIntervalMS: cfg.WALSyncIntervalMS,
		PageSize:       uint32(cfg.PageSize),
		Stats:          stats,
		Logger:         logger,
	}
	w, err := openOrCreateWAL(dir, walOpts)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		Dir:     dir,
		ID:      uuid.New(),
		cfg:     cfg,
		stats:   stats,
		logger:  logger,
		wal:     w,
		tables:  make(map[string]*table),
		byID:    make(map[uint32]*table),
		catalog: cat,
	}

	for _, e := range cat.Tables {
		if err := conn.openCatalogedTable(e); err != nil {
			w.Close()
			return nil, err
		}
	}
	if len(cat.Tables) == 0 {
		if _, err := conn.createTableLocked("main", cfg.PageSize, true); err != nil {
			w.Close()
			return nil, err
		}
	}

	res, err := recovery.Run(dir, conn.resolveTable)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.wal.SetNextLSN(res.MaxLSN + 1)
	logger.Info().
		Int("records_scanned", res.RecordsScanned).
		Int("txns_committed", res.TxnsCommitted).
		Int("txns_aborted", res.TxnsAborted).
		Int("updates_replayed", res.UpdatesReplayed).
		Msg("recovery complete")

	if res.RecordsScanned > 0 {
		// Stabilize state with a fresh checkpoint and truncate the
		// WAL, since everything replayed is now durable in the data
		// files.
		if err := conn.checkpointAllLocked(); err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.wal.Truncate(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if !cfg.CheckpointDisabled() {
		conn.startBackgroundCheckpoint(time.Duration(*cfg.CheckpointWaitSecs) * time.Second)
	}

	return conn, nil
}

func openOrCreateWAL(dir string, opts wal.Options) (*wal.WAL, error) {
	if _, err := os.Stat(logPathFor(dir)); err == nil {
		return wal.Open(dir, opts)
	}
	return wal.Create(dir, opts)
}

func logPathFor(dir string) string { return dir + "/wrongo.wal" }

func (c *Connection) resolveTable(tableID uint32) (*btree.Tree, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[tableID]
	if !ok {
		return nil, false
	}
	return t.tree, true
}

func (c *Connection) openCatalogedTable(e catalogEntry) error {
	path := tableFilePath(c.Dir, e)
	var treeWAL *wal.WAL
	if c.cfg.WALEnabled {
		treeWAL = c.wal
	}
	var tr *btree.Tree
	if _, err := os.Stat(path); err != nil {
		created, err := btree.Create(path, e.PageSize, treeWAL, e.TableID, defaultCacheCapacity, c.stats, c.cfg)
		if err != nil {
			return err
		}
		tr = created
	} else {
		f, err := block.Open(path)
		if err != nil {
			return err
		}
		tr = btree.Open(f, treeWAL, e.TableID, defaultCacheCapacity, c.stats, c.cfg)
	}

	t := &table{entry: e, tree: tr, index: mvcc.NewIndex()}
	c.tables[e.Name] = t
	c.byID[e.TableID] = t
	return nil
}

const defaultCacheCapacity = 4096

// CreateTable adds a new table (e.g. a secondary index's own B+tree,
// stored as its own .wt file) to this connection. pageSize of 0 uses
// the connection-wide default.
func (c *Connection) CreateTable(name string, pageSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; ok {
		return errs.New(errs.DocumentValidation, "txn.CreateTable", fmt.Errorf("table %q already exists", name))
	}
	_, err := c.createTableLocked(name, pageSize, false)
	return err
}

func (c *Connection) createTableLocked(name string, pageSize int, primary bool) (*table, error) {
	if pageSize == 0 {
		pageSize = c.cfg.PageSize
	}
	id := c.catalog.NextTableID
	c.catalog.NextTableID++
	e := catalogEntry{Name: name, TableID: id, PageSize: pageSize, Primary: primary}

	if err := c.openCatalogedTable(e); err != nil {
		return nil, err
	}
	c.catalog.Tables = append(c.catalog.Tables, e)
	if err := saveCatalog(c.Dir, c.catalog); err != nil {
		return nil, errs.New(errs.Storage, "txn.createTable", err)
	}
	return c.tables[name], nil
}

func (c *Connection) tableByName(name string) (*table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

// OpenSession returns a new single-threaded session handle (spec
// section 4.7). Multiple sessions may be opened concurrently.
func (c *Connection) OpenSession() *Session {
	return &Session{conn: c, id: uuid.New()}
}

// Checkpoint runs the three-phase checkpoint coordinator (spec
// section 4.4) across every table this connection owns.
func (c *Connection) Checkpoint() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkpointAllLocked()
}

// checkpointAllLocked assumes callers already hold at least a read
// lock on c.mu (or are still single-threaded during Open).
func (c *Connection) checkpointAllLocked() error {
	for _, t := range c.tables {
		if err := t.tree.Checkpoint(); err != nil {
			return err
		}
		t.index.Prune()
	}
	return nil
}

func (c *Connection) startBackgroundCheckpoint(interval time.Duration) {
	c.checkpointSched = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, _ = c.checkpointSched.AddFunc(spec, func() {
		if c.closed.Load() {
			return
		}
		if err := c.Checkpoint(); err != nil {
			c.logger.Warn().Err(err).Msg("background checkpoint failed")
		}
	})
	c.checkpointSched.Start()
}

// maybeCheckpointForLogSize runs a checkpoint once the WAL has grown
// by more than checkpoint_log_size_bytes since the last size-triggered
// one, bounding both replay length and the dirty pages the caches
// accumulate between timer-driven checkpoints. Called after every
// durable commit; the CompareAndSwap makes one of any racing commits
// the coordinator and lets the rest continue.
func (c *Connection) maybeCheckpointForLogSize() {
	size, err := c.wal.SizeBytes()
	if err != nil {
		return
	}
	last := c.walSizeAtCheckpoint.Load()
	if size-last <= c.cfg.CheckpointLogSizeBytes {
		return
	}
	if !c.walSizeAtCheckpoint.CompareAndSwap(last, size) {
		return
	}
	if err := c.Checkpoint(); err != nil {
		c.logger.Warn().Err(err).Msg("size-triggered checkpoint failed")
	}
}

// enforceWALCeiling refuses further writes once background
// checkpointing is disabled and the WAL has grown past
// checkpoint_log_size_bytes * 8. An explicit error beats running the
// disk out of space.
func (c *Connection) enforceWALCeiling() error {
	if !c.cfg.CheckpointDisabled() {
		return nil
	}
	size, err := c.wal.SizeBytes()
	if err != nil {
		return errs.New(errs.IO, "txn.enforceWALCeiling", err)
	}
	if size > c.cfg.CheckpointLogSizeBytes*8 {
		return errs.New(errs.Storage, "txn.enforceWALCeiling", fmt.Errorf("wal exceeds hard ceiling with background checkpointing disabled"))
	}
	return nil
}

// Stats exposes the lock wait/hold instrumentation registry.
func (c *Connection) Stats() *lockstats.Registry { return c.stats }

// Close checkpoints every table one last time (so a clean shutdown
// leaves the data files self-contained; the WAL is left untruncated,
// and the next open replays it once more before truncating it), then
// stops the background checkpoint
// scheduler and releases every table and the WAL. Writes belonging to
// still-active transactions may be flushed by that final checkpoint,
// but their footers are never commit-stamped, so no reader will ever
// see them after reopen.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.checkpointSched != nil {
		ctx := c.checkpointSched.Stop()
		<-ctx.Done()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	if err := c.checkpointAllLocked(); err != nil {
		first = err
	}
	for _, t := range c.tables {
		if err := t.tree.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := c.wal.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// crashClose releases file handles without the final checkpoint,
// simulating a process kill for crash-recovery tests: the durable
// root stays wherever the last real checkpoint left it and the WAL
// keeps whatever was synced.
func (c *Connection) crashClose() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.checkpointSched != nil {
		ctx := c.checkpointSched.Stop()
		<-ctx.Done()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, t := range c.tables {
		if err := t.tree.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := c.wal.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
