package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/config"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

func setupTree(t *testing.T, pageSize int) *Tree {
	t.Helper()
	dir := t.TempDir()
	// Dirty pages cannot be evicted until a checkpoint clears them,
	// so the capacity must cover every live page a test writes
	// between checkpoints.
	tr, err := Create(filepath.Join(dir, "test.main.wt"), pageSize, nil, 1, 256, nil, config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func committedVersion(txnID, ts uint64) page.Version {
	return page.Version{TxnID: txnID, BeginTS: ts, EndTS: page.TSInfinite}
}

func TestInsertThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.main.wt")
	tr, err := Create(path, 256, nil, 1, 64, nil, config.Default())
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("alpha"), []byte("value"), committedVersion(1, 1)))
	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	file2, err := block.Open(path)
	require.NoError(t, err)
	tr2 := Open(file2, nil, 1, 64, nil, config.Default())
	defer tr2.Close()

	val, found, err := tr2.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", string(val))
}

func TestGetMissingKeyNotFound(t *testing.T) {
	tr := setupTree(t, 4096)
	_, found, err := tr.Get([]byte("nope"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdateOverwritesValue(t *testing.T) {
	tr := setupTree(t, 4096)
	require.NoError(t, tr.Put([]byte("k"), []byte("v1"), committedVersion(1, 1)))
	require.NoError(t, tr.Put([]byte("k"), []byte("v2"), committedVersion(2, 2)))

	val, found, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(val))
}

func TestDeleteTombstones(t *testing.T) {
	tr := setupTree(t, 4096)
	require.NoError(t, tr.Put([]byte("k"), []byte("v1"), committedVersion(1, 1)))
	require.NoError(t, tr.Delete([]byte("k"), committedVersion(2, 2)))

	_, found, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSplitProducesInternalRoot(t *testing.T) {
	// Small pages, enough keys to force a split.
	tr := setupTree(t, 256)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		val := []byte(fmt.Sprintf("%024d", i)) // 24-byte value
		require.NoError(t, tr.Put(key, val, committedVersion(1, uint64(i+1))))
	}

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		val, found, err := tr.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s should be present", key)
		require.Equal(t, fmt.Sprintf("%024d", i), string(val))
	}

	rootBuf, err := tr.file.ReadBlock(tr.currentRoot(), true)
	require.NoError(t, err)
	require.Equal(t, byte(page.KindInternal), rootBuf[0], "root should have split into an internal page")
}

func TestRangeBoundedScan(t *testing.T) {
	tr := setupTree(t, 512)
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, tr.Put(key, []byte("v"), committedVersion(1, uint64(i+1))))
	}

	cur, err := tr.Range([]byte("k0100"), []byte("k0200"))
	require.NoError(t, err)

	var got []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}

	require.Len(t, got, 100)
	require.Equal(t, "k0100", got[0])
	require.Equal(t, "k0199", got[len(got)-1])
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

func TestRangeSkipsTombstones(t *testing.T) {
	tr := setupTree(t, 4096)
	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, tr.Put(key, []byte("v"), committedVersion(1, uint64(i+1))))
	}
	require.NoError(t, tr.Delete([]byte("k2"), committedVersion(2, 10)))

	cur, err := tr.Range(nil, nil)
	require.NoError(t, err)
	var got []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.NotContains(t, got, "k2")
	require.Len(t, got, 4)
}

// snapshot reads every key this test wrote back out of tr, keyed by
// string so it can be diffed with cmp.Diff the way
// calvinalkan-agent-task's slotcache testutil compares before/after
// cache state.
func snapshot(t *testing.T, tr *Tree, keys []string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, k := range keys {
		val, found, err := tr.Get([]byte(k))
		require.NoError(t, err)
		if found {
			out[k] = string(val)
		}
	}
	return out
}

func TestReopenPreservesFullKeyValueSnapshot(t *testing.T) {
	// Diffs the whole key/value snapshot across a checkpoint+reopen
	// rather than re-reading one key at a time.
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.main.wt")
	tr, err := Create(path, 256, nil, 1, 64, nil, config.Default())
	require.NoError(t, err)

	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%04d", i)
		keys = append(keys, k)
		require.NoError(t, tr.Put([]byte(k), []byte(fmt.Sprintf("%024d", i)), committedVersion(1, uint64(i+1))))
	}
	before := snapshot(t, tr, keys)

	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	file2, err := block.Open(path)
	require.NoError(t, err)
	tr2 := Open(file2, nil, 1, 64, nil, config.Default())
	defer tr2.Close()

	after := snapshot(t, tr2, keys)
	if diff := cmp.Diff(before, after, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("key/value snapshot changed across reopen (-before +after):\n%s", diff)
	}
}

func TestStampVersionCommitsTentativeCell(t *testing.T) {
	tr := setupTree(t, 4096)
	tentative := page.Version{TxnID: 9, BeginTS: 0, EndTS: page.TSInfinite}
	require.NoError(t, tr.Put([]byte("k"), []byte("v"), tentative))

	_, found, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found, "a tentative cell is invisible to physical reads")

	stamped, err := tr.StampVersion([]byte("k"), page.Version{TxnID: 9, BeginTS: 3, EndTS: page.TSInfinite})
	require.NoError(t, err)
	require.True(t, stamped)

	v, found, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", string(v))
}

func TestPutStagesDirtyPagesUntilCheckpoint(t *testing.T) {
	tr := setupTree(t, 4096)
	require.NoError(t, tr.Put([]byte("a"), []byte("1"), committedVersion(1, 1)))
	require.NotEmpty(t, tr.cache.DirtyPages())

	require.NoError(t, tr.Checkpoint())
	require.Empty(t, tr.cache.DirtyPages())
}

func TestCheckpointMakesRetiredBlocksReusable(t *testing.T) {
	tr := setupTree(t, 4096)
	require.NoError(t, tr.Put([]byte("a"), []byte("1"), committedVersion(1, 1)))
	require.NoError(t, tr.Put([]byte("a"), []byte("2"), committedVersion(1, 2)))

	require.Empty(t, tr.file.RetiredCount())
	require.NoError(t, tr.Checkpoint())
	require.Greater(t, tr.file.RetiredCount(), uint64(0))
}
