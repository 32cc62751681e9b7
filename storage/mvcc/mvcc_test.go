package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/storage/errs"
)

func TestReadYourOwnWrites(t *testing.T) {
	idx := NewIndex()
	txn, _ := idx.BeginTxn()

	require.NoError(t, idx.Put(txn, []byte("k"), []byte("v1")))

	val, found, deleted := idx.Visible(txn, []byte("k"))
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, "v1", string(val))
}

func TestCommittedWriteVisibleToLaterSnapshot(t *testing.T) {
	idx := NewIndex()
	txnA, _ := idx.BeginTxn()
	require.NoError(t, idx.Put(txnA, []byte("k"), []byte("v1")))
	_, err := idx.Commit(txnA)
	require.NoError(t, err)

	txnB, _ := idx.BeginTxn()
	val, found, _ := idx.Visible(txnB, []byte("k"))
	require.True(t, found)
	require.Equal(t, "v1", string(val))
}

func TestSnapshotIsolationHidesLaterCommit(t *testing.T) {
	idx := NewIndex()
	txnA, _ := idx.BeginTxn()
	require.NoError(t, idx.Put(txnA, []byte("k"), []byte("v1")))
	_, err := idx.Commit(txnA)
	require.NoError(t, err)

	txnB, _ := idx.BeginTxn()

	txnC, _ := idx.BeginTxn()
	require.NoError(t, idx.Put(txnC, []byte("k"), []byte("v2")))
	_, err = idx.Commit(txnC)
	require.NoError(t, err)

	val, found, _ := idx.Visible(txnB, []byte("k"))
	require.True(t, found)
	require.Equal(t, "v1", string(val), "txnB's snapshot predates txnC's commit")
}

func TestWriteWriteConflictOnSecondSession(t *testing.T) {
	// Two transactions begin at the same snapshot; A inserts first,
	// so B's insert to the same key conflicts.
	idx := NewIndex()
	txnA, _ := idx.BeginTxn()
	txnB, _ := idx.BeginTxn()

	require.NoError(t, idx.Put(txnA, []byte("c"), []byte("A")))

	err := idx.Put(txnB, []byte("c"), []byte("B"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.TransactionConflict))

	_, err = idx.Commit(txnA)
	require.NoError(t, err)
}

func TestAbortDiscardsTentativeVersion(t *testing.T) {
	idx := NewIndex()
	txn, _ := idx.BeginTxn()
	require.NoError(t, idx.Put(txn, []byte("k"), []byte("v1")))
	idx.Abort(txn)

	txn2, _ := idx.BeginTxn()
	_, found, _ := idx.Visible(txn2, []byte("k"))
	require.False(t, found)

	// After the abort, a fresh transaction may write the same key
	// without conflict.
	require.NoError(t, idx.Put(txn2, []byte("k"), []byte("v2")))
}

func TestDeleteIsVisibleAsTombstone(t *testing.T) {
	idx := NewIndex()
	txnA, _ := idx.BeginTxn()
	require.NoError(t, idx.Put(txnA, []byte("k"), []byte("v1")))
	_, err := idx.Commit(txnA)
	require.NoError(t, err)

	txnB, _ := idx.BeginTxn()
	require.NoError(t, idx.Delete(txnB, []byte("k")))
	_, found, deleted := idx.Visible(txnB, []byte("k"))
	require.True(t, found)
	require.True(t, deleted)
	_, err = idx.Commit(txnB)
	require.NoError(t, err)

	txnC, _ := idx.BeginTxn()
	_, found, deleted = idx.Visible(txnC, []byte("k"))
	require.True(t, found)
	require.True(t, deleted)
}
