// Package wal implements the append-only write-ahead log: fixed
// 32-byte record headers, CRC framing that tolerates a torn tail, a
// 512-byte superblock tracking the last durable LSN, and group commit
// that coalesces concurrent commit waiters onto a single fsync.
package wal

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/lockstats"
)

// WAL is the append-only log for one database directory. A single
// WAL instance is shared across every table's B+tree.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	sbPath string

	nextLSN           uint64
	lastDurableLSN    uint64
	lastCheckpointLSN uint64

	pending []byte // bytes appended since the last fsync

	enabled      bool
	syncInterval time.Duration
	cond         *sync.Cond
	closed       bool
	stopTicker   chan struct{}

	fsyncCount uint64 // observable for tests asserting commit coalescing

	stats  *lockstats.Registry
	logger zerolog.Logger
}

// Options configures a WAL instance, mirroring the wal_enabled and
// wal_sync_interval_ms configuration options.
type Options struct {
	Enabled        bool
	SyncIntervalMS int
	PageSize       uint32 // informational, carried in the superblock
	Stats          *lockstats.Registry
	Logger         zerolog.Logger
}

func logPath(dir string) string        { return dir + "/wrongo.wal" }
func superblockPath(dir string) string { return dir + "/wrongo.wal.superblock" }

// Create initializes a fresh WAL in dir.
func Create(dir string, opts Options) (*WAL, error) {
	path := logPath(dir)
	sbPath := superblockPath(dir)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.New(errs.IO, "wal.Create", err)
	}

	sb := superblock{pageSize: opts.PageSize, createdAtUnixNano: uint64(time.Now().UnixNano())}
	if err := writeSuperblockAtomic(sbPath, sb); err != nil {
		f.Close()
		return nil, errs.New(errs.IO, "wal.Create", err)
	}

	w := newWAL(f, path, sbPath, opts)
	return w, nil
}

// Open opens an existing WAL for appending, starting LSN allocation
// just past the superblock's last durable LSN. The caller advances it
// further with SetNextLSN once recovery has scanned the log.
func Open(dir string, opts Options) (*WAL, error) {
	path := logPath(dir)
	sbPath := superblockPath(dir)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.New(errs.IO, "wal.Open", err)
	}
	sb, err := readSuperblockFile(sbPath)
	if err != nil {
		f.Close()
		return nil, errs.New(errs.Storage, "wal.Open", err)
	}

	w := newWAL(f, path, sbPath, opts)
	w.lastDurableLSN = sb.lastDurableLSN
	w.lastCheckpointLSN = sb.lastCheckpointLSN
	w.nextLSN = sb.lastDurableLSN + 1
	return w, nil
}

func newWAL(f *os.File, path, sbPath string, opts Options) *WAL {
	stats := opts.Stats
	if stats == nil {
		stats = lockstats.NewRegistry()
	}
	w := &WAL{
		f:            f,
		path:         path,
		sbPath:       sbPath,
		nextLSN:      1,
		enabled:      opts.Enabled,
		syncInterval: time.Duration(opts.SyncIntervalMS) * time.Millisecond,
		stopTicker:   make(chan struct{}),
		stats:        stats,
		logger:       opts.Logger,
	}
	w.cond = sync.NewCond(&w.mu)
	if w.enabled && w.syncInterval > 0 {
		go w.flushLoop()
	}
	return w
}

func (w *WAL) flushLoop() {
	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			_ = w.flushLocked()
			w.mu.Unlock()
		case <-w.stopTicker:
			return
		}
	}
}

// append assigns the next LSN, encodes the record, buffers its bytes,
// and returns the LSN. It does not force durability; callers that
// need a durable LSN call waitDurable or Sync.
func (w *WAL) append(typ RecordType, txnID uint64, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errs.ErrClosed
	}
	if !w.enabled {
		// WAL disabled: durability comes only from checkpoint. Hand
		// back a monotonic LSN for bookkeeping but never touch the
		// file.
		lsn := w.nextLSN
		w.nextLSN++
		return lsn, nil
	}

	lsn := w.nextLSN
	w.nextLSN++
	rec := Record{Type: typ, LSN: lsn, TxnID: txnID, Payload: payload}
	w.pending = append(w.pending, rec.Encode()...)
	return lsn, nil
}

// BeginTxn logs a BEGIN record.
func (w *WAL) BeginTxn(txnID uint64) (uint64, error) {
	return w.append(TypeBegin, txnID, nil)
}

// LogUpdate logs an UPDATE record for one key/value write.
func (w *WAL) LogUpdate(txnID uint64, tableID uint32, key, value []byte, hasValue bool) (uint64, error) {
	payload := EncodeUpdatePayload(UpdatePayload{TableID: tableID, Key: key, HasValue: hasValue, Value: value})
	return w.append(TypeUpdate, txnID, payload)
}

// LogAbort logs an ABORT record. Explicit aborts are optional (a
// missing COMMIT record is enough) but they speed up recovery's
// terminal-state scan.
func (w *WAL) LogAbort(txnID uint64) (uint64, error) {
	return w.append(TypeAbort, txnID, nil)
}

// LogCheckpoint logs a CHECKPOINT record carrying the newly durable
// root block id, and always forces immediate durability: the
// checkpoint commit phase never defers this fsync to group commit.
func (w *WAL) LogCheckpoint(rootID uint64) (uint64, error) {
	lsn, err := w.append(TypeCheckpoint, 0, EncodeCheckpointPayload(rootID))
	if err != nil {
		return 0, err
	}
	if err := w.Sync(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.lastCheckpointLSN = lsn
	w.mu.Unlock()
	if err := w.writeSuperblockLocked(); err != nil {
		return 0, err
	}
	w.logger.Debug().Uint64("lsn", lsn).Uint64("root", rootID).Msg("checkpoint record durable")
	return lsn, nil
}

// LogCommit logs a COMMIT record and enforces the configured
// durability policy: wal_sync_interval_ms == 0 forces an immediate
// sync; otherwise the caller blocks until a coalesced group-commit
// flush has made this LSN durable.
func (w *WAL) LogCommit(txnID uint64) (uint64, error) {
	lsn, err := w.append(TypeCommit, txnID, nil)
	if err != nil {
		return 0, err
	}
	if !w.enabled {
		return lsn, nil
	}
	if w.syncInterval <= 0 {
		if err := w.Sync(); err != nil {
			return 0, err
		}
		return lsn, nil
	}
	return lsn, w.waitDurable(lsn)
}

// waitDurable blocks until lastDurableLSN >= lsn, relying on the
// background flushLoop (or a concurrent explicit Sync) to make
// progress and broadcast.
func (w *WAL) waitDurable(lsn uint64) error {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lastDurableLSN < lsn && !w.closed {
		w.cond.Wait()
	}
	w.stats.RecordWait(lockstats.WAL, time.Since(start))
	if w.closed && w.lastDurableLSN < lsn {
		return errs.ErrClosed
	}
	return nil
}

// Sync forces any buffered records to durable storage immediately,
// waking every commit waiter whose LSN is now covered.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	if _, err := w.f.Write(w.pending); err != nil {
		return errs.New(errs.IO, "wal.flush", err)
	}
	if err := w.f.Sync(); err != nil {
		return errs.New(errs.IO, "wal.flush", err)
	}
	w.fsyncCount++
	durableLSN := w.nextLSN - 1
	w.pending = w.pending[:0]
	w.lastDurableLSN = durableLSN
	w.cond.Broadcast()
	return w.writeSuperblockLockedNoLock()
}

// writeSuperblockLocked persists the current LSN watermarks. Called
// with w.mu NOT held (public checkpoint path); writeSuperblockLockedNoLock
// is the same write for callers already holding w.mu.
func (w *WAL) writeSuperblockLocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSuperblockLockedNoLock()
}

func (w *WAL) writeSuperblockLockedNoLock() error {
	sb := superblock{
		lastDurableLSN:    w.lastDurableLSN,
		lastCheckpointLSN: w.lastCheckpointLSN,
	}
	if old, err := readSuperblockFile(w.sbPath); err == nil {
		sb.pageSize = old.pageSize
		sb.createdAtUnixNano = old.createdAtUnixNano
	}
	if err := writeSuperblockAtomic(w.sbPath, sb); err != nil {
		return errs.New(errs.IO, "wal.superblock", err)
	}
	return nil
}

// FsyncCount reports how many fsyncs have been issued so far, for
// instrumented tests asserting group-commit coalescing.
func (w *WAL) FsyncCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsyncCount
}

// LastDurableLSN reports the highest LSN known durable.
func (w *WAL) LastDurableLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDurableLSN
}

// LastCheckpointLSN reports the LSN of the most recent durable
// CHECKPOINT record.
func (w *WAL) LastCheckpointLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheckpointLSN
}

// SetNextLSN lets recovery advance LSN allocation past whatever it
// observed while scanning, in case the superblock's last-durable-LSN
// undercounts (e.g. a WAL-disabled run never wrote a superblock
// update).
func (w *WAL) SetNextLSN(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.nextLSN {
		w.nextLSN = n
	}
}

// Close stops the background flusher and closes the log file. Any
// buffered-but-unflushed bytes are lost: an unflushed commit record
// is, by definition, not yet durable.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	close(w.stopTicker)
	return w.f.Close()
}

// Truncate discards every record durable so far and starts a fresh,
// empty log file, keeping the current LSN watermarks. Recovery calls
// this after replaying committed updates and issuing a fresh
// checkpoint; everything up to and including that checkpoint is now
// durable in the data files, so nothing in the old log is worth
// keeping.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Close(); err != nil {
		return errs.New(errs.IO, "wal.Truncate", err)
	}
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.IO, "wal.Truncate", err)
	}
	w.f = f
	w.pending = w.pending[:0]
	w.logger.Debug().Uint64("last_checkpoint_lsn", w.lastCheckpointLSN).Msg("wal truncated")
	return w.writeSuperblockLockedNoLock()
}

// SizeBytes reports the WAL file's current length, used to trigger a
// checkpoint once checkpoint_log_size_bytes is exceeded and to refuse
// new writes outright when background checkpointing is disabled and
// the log would otherwise grow without bound.
func (w *WAL) SizeBytes() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() + int64(len(w.pending)), nil
}
