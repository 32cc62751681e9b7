package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/storage/btree"
	"github.com/gabrielelanaro/wrongo/storage/config"
	"github.com/gabrielelanaro/wrongo/storage/page"
	"github.com/gabrielelanaro/wrongo/storage/wal"
)

func committedVer(txnID, ts uint64) page.Version {
	return page.Version{TxnID: txnID, BeginTS: ts, EndTS: page.TSInfinite}
}

func openTreeAndWAL(t *testing.T, dir string) (*btree.Tree, *wal.WAL) {
	t.Helper()
	w, err := wal.Create(dir, wal.Options{Enabled: true, SyncIntervalMS: 0, PageSize: 4096})
	require.NoError(t, err)
	tr, err := btree.Create(filepath.Join(dir, "users.main.wt"), 4096, w, 7, 64, nil, config.Default())
	require.NoError(t, err)
	return tr, w
}

func TestRecoveryReplaysCommittedAndSkipsUncommitted(t *testing.T) {
	// One fully committed write and one begun-but-never-committed
	// write must be told apart on replay.
	dir := t.TempDir()
	tr, w := openTreeAndWAL(t, dir)

	lsn, err := w.BeginTxn(1)
	require.NoError(t, err)
	require.NoError(t, tr.Put([]byte("committed-key"), []byte("v1"), committedVer(1, lsn)))
	_, err = w.LogUpdate(1, 7, []byte("committed-key"), []byte("v1"), true)
	require.NoError(t, err)
	_, err = w.LogCommit(1)
	require.NoError(t, err)

	// Transaction 2 writes but never commits or aborts: simulates a
	// crash mid-transaction.
	_, err = w.BeginTxn(2)
	require.NoError(t, err)
	_, err = w.LogUpdate(2, 7, []byte("uncommitted-key"), []byte("v2"), true)
	require.NoError(t, err)

	require.NoError(t, w.Sync())
	require.NoError(t, tr.Close())
	require.NoError(t, w.Close())

	// Reopen a fresh tree at the same path, starting from an empty
	// root (as if the process restarted without ever checkpointing),
	// and replay.
	w2, err := wal.Open(dir, wal.Options{Enabled: true, SyncIntervalMS: 0, PageSize: 4096})
	require.NoError(t, err)
	tr2, err := btree.Create(filepath.Join(dir, "users.main.wt.recovered"), 4096, w2, 7, 64, nil, config.Default())
	require.NoError(t, err)
	defer tr2.Close()
	defer w2.Close()

	resolve := func(tableID uint32) (*btree.Tree, bool) {
		if tableID == 7 {
			return tr2, true
		}
		return nil, false
	}

	res, err := Run(dir, resolve)
	require.NoError(t, err)
	require.Equal(t, 1, res.TxnsCommitted)
	require.Equal(t, 1, res.TxnsAborted)
	require.Equal(t, 1, res.UpdatesReplayed)

	val, found, err := tr2.Get([]byte("committed-key"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))

	_, found, err = tr2.Get([]byte("uncommitted-key"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecoveryNoWALIsNoop(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(dir, func(uint32) (*btree.Tree, bool) { return nil, false })
	require.NoError(t, err)
	require.Equal(t, 0, res.RecordsScanned)
}
