// Package recovery implements the startup WAL scan and replay: build
// a txn-id -> terminal-state table by scanning ahead, then replay
// every UPDATE belonging to a committed transaction, in LSN order,
// against the B+tree write path directly (bypassing the WAL so replay
// doesn't re-log what it's replaying). Updates are routed to possibly
// many tables keyed by the update record's table-id.
package recovery

import (
	"github.com/gabrielelanaro/wrongo/storage/btree"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/page"
	"github.com/gabrielelanaro/wrongo/storage/wal"
)

// TableResolver maps a WAL update record's table-id to the Tree it
// belongs to. The connection layer owns table lifecycle; recovery
// only needs to route replayed writes to the right tree.
type TableResolver func(tableID uint32) (*btree.Tree, bool)

// Result summarizes what a recovery pass did, useful for logging and
// tests.
type Result struct {
	RecordsScanned    int
	TxnsCommitted     int
	TxnsAborted       int
	UpdatesReplayed   int
	LastCheckpointLSN uint64
	MaxLSN            uint64
}

type txnState int

const (
	stateUnknown txnState = iota
	stateCommitted
	stateAborted
)

// Run scans dir's WAL and replays every committed transaction's
// updates against the tables resolve can find. It returns cleanly
// (Result with zero counts) if no WAL file exists yet.
//
// The scan starts at the head of the log rather than just past the
// last CHECKPOINT record: checkpoint records are written per table, so
// a single LSN cutoff could drop an update to an already-checkpointed
// table that landed while a later table was still flushing. Replay is
// idempotent (puts applied in LSN order), so re-applying the durable
// prefix is harmless, and the caller truncates the WAL right after the
// post-recovery checkpoint anyway.
func Run(dir string, resolve TableResolver) (Result, error) {
	var res Result

	records, err := scanAll(dir)
	if err != nil {
		return res, err
	}
	res.RecordsScanned = len(records)

	states := make(map[uint64]txnState)
	for _, rec := range records {
		switch rec.Type {
		case wal.TypeCommit:
			states[rec.TxnID] = stateCommitted
		case wal.TypeAbort:
			states[rec.TxnID] = stateAborted
		case wal.TypeCheckpoint:
			if _, err := wal.DecodeCheckpointPayload(rec.Payload); err == nil {
				res.LastCheckpointLSN = rec.LSN
			}
		}
		if rec.LSN > res.MaxLSN {
			res.MaxLSN = rec.LSN
		}
	}
	// Any txn-id with an update but no terminal record is treated as
	// aborted.
	for _, rec := range records {
		if rec.Type != wal.TypeUpdate {
			continue
		}
		if _, ok := states[rec.TxnID]; !ok {
			states[rec.TxnID] = stateAborted
		}
	}
	for _, s := range states {
		if s == stateCommitted {
			res.TxnsCommitted++
		} else {
			res.TxnsAborted++
		}
	}

	for _, rec := range records {
		if rec.Type != wal.TypeUpdate {
			continue
		}
		if states[rec.TxnID] != stateCommitted {
			continue
		}
		up, err := wal.DecodeUpdatePayload(rec.Payload)
		if err != nil {
			return res, errs.New(errs.Storage, "recovery.Run", err)
		}
		tree, ok := resolve(up.TableID)
		if !ok {
			continue
		}
		ver := page.Version{TxnID: rec.TxnID, BeginTS: rec.LSN, EndTS: page.TSInfinite}
		var value []byte
		if up.HasValue {
			value = up.Value
		}
		if err := tree.Put(up.Key, value, ver); err != nil {
			return res, err
		}
		res.UpdatesReplayed++
	}

	return res, nil
}

func scanAll(dir string) ([]wal.Record, error) {
	it, err := wal.OpenIterator(dir)
	if err != nil {
		return nil, err
	}
	var out []wal.Record
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, errs.New(errs.Storage, "recovery.scanAll", err)
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}
