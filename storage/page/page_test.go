package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/storage/block"
)

const testPageSize = 4096

func mkLeaf(t *testing.T) *Page {
	t.Helper()
	return New(block.ID(1), KindLeaf, testPageSize)
}

func mkInternal(t *testing.T) *Page {
	t.Helper()
	return New(block.ID(1), KindInternal, testPageSize)
}

func TestLeafPutGetInSortOrder(t *testing.T) {
	p := mkLeaf(t)

	keys := [][]byte{[]byte("b"), []byte("d"), []byte("a"), []byte("c")}
	for _, k := range keys {
		c := &LeafCell{Key: k, Value: append([]byte("val-"), k...), Version: Version{TxnID: 1, BeginTS: 1, EndTS: TSInfinite}}
		require.NoError(t, p.PutLeaf(c))
	}
	require.EqualValues(t, 4, p.NumCells())

	cells, err := p.AllLeafCells()
	require.NoError(t, err)
	var order []string
	for _, c := range cells {
		order = append(order, string(c.Key))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, order)

	got, ok, err := p.GetLeaf([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "val-c", string(got.Value))
	require.Equal(t, uint64(1), got.Version.TxnID)
}

func TestLeafPutOverwritesExistingKey(t *testing.T) {
	p := mkLeaf(t)
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("k"), Value: []byte("v1"), Version: Version{TxnID: 1, EndTS: TSInfinite}}))
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("k"), Value: []byte("v2-longer"), Version: Version{TxnID: 2, EndTS: TSInfinite}}))

	require.EqualValues(t, 1, p.NumCells())
	got, ok, err := p.GetLeaf([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2-longer", string(got.Value))
	require.Equal(t, uint64(2), got.Version.TxnID)
}

func TestLeafDeleteCell(t *testing.T) {
	p := mkLeaf(t)
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("a"), Value: []byte("1"), Version: Version{EndTS: TSInfinite}}))
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("b"), Value: []byte("2"), Version: Version{EndTS: TSInfinite}}))

	idx, ok := p.Search([]byte("a"))
	require.True(t, ok)
	require.NoError(t, p.DeleteCell(uint16(idx)))

	require.EqualValues(t, 1, p.NumCells())
	_, ok, err := p.GetLeaf([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStampLeafVersionRewritesFooterInPlace(t *testing.T) {
	p := mkLeaf(t)
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("k"), Value: []byte("v"), Version: Version{TxnID: 7, BeginTS: 0, EndTS: TSInfinite}}))

	stamped, err := p.StampLeafVersion([]byte("k"), Version{TxnID: 7, BeginTS: 42, EndTS: TSInfinite})
	require.NoError(t, err)
	require.True(t, stamped)

	got, ok, err := p.GetLeaf([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), got.Version.BeginTS)
	require.Equal(t, "v", string(got.Value))

	// A different transaction's id no longer matches the resident cell.
	stamped, err = p.StampLeafVersion([]byte("k"), Version{TxnID: 8, BeginTS: 50, EndTS: TSInfinite})
	require.NoError(t, err)
	require.False(t, stamped)

	stamped, err = p.StampLeafVersion([]byte("missing"), Version{TxnID: 7, BeginTS: 50, EndTS: TSInfinite})
	require.NoError(t, err)
	require.False(t, stamped)
}

func TestLeafFitsRejectsOversizedCell(t *testing.T) {
	p := mkLeaf(t)
	huge := make([]byte, testPageSize*2)
	require.False(t, p.FitsLeaf(4, len(huge)))
	err := p.PutLeaf(&LeafCell{Key: []byte("k"), Value: huge, Version: Version{EndTS: TSInfinite}})
	require.ErrorIs(t, err, ErrPageFull)
}

func TestInternalChildForRouting(t *testing.T) {
	p := mkInternal(t)
	p.SetFirstChild(block.ID(10))
	require.NoError(t, p.InsertSeparator(&InternalCell{Key: []byte("m"), Child: block.ID(20)}))
	require.NoError(t, p.InsertSeparator(&InternalCell{Key: []byte("t"), Child: block.ID(30)}))

	child, err := p.ChildFor([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, block.ID(10), child)

	child, err = p.ChildFor([]byte("m"))
	require.NoError(t, err)
	require.Equal(t, block.ID(20), child)

	child, err = p.ChildFor([]byte("q"))
	require.NoError(t, err)
	require.Equal(t, block.ID(20), child)

	child, err = p.ChildFor([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, block.ID(30), child)
}

func TestSplitLeafIntoDistributesByMedian(t *testing.T) {
	p := mkLeaf(t)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte(k), Value: []byte(k), Version: Version{EndTS: TSInfinite}}))
	}
	right := New(block.ID(2), KindLeaf, testPageSize)

	sep, err := p.SplitLeafInto(right)
	require.NoError(t, err)
	require.Equal(t, "d", string(sep))
	require.EqualValues(t, 3, p.NumCells())
	require.EqualValues(t, 3, right.NumCells())

	leftCells, _ := p.AllLeafCells()
	rightCells, _ := right.AllLeafCells()
	require.Equal(t, "a", string(leftCells[0].Key))
	require.Equal(t, "d", string(rightCells[0].Key))
}

func TestSplitInternalPromotesMiddleSeparator(t *testing.T) {
	p := mkInternal(t)
	p.SetFirstChild(block.ID(1))
	for i, k := range []string{"b", "d", "f", "h"} {
		require.NoError(t, p.InsertSeparator(&InternalCell{Key: []byte(k), Child: block.ID(2 + i)}))
	}
	right := New(block.ID(99), KindInternal, testPageSize)

	sep, err := p.SplitInternalInto(right)
	require.NoError(t, err)
	require.Equal(t, "f", string(sep))

	require.EqualValues(t, 2, p.NumCells())
	require.EqualValues(t, 1, right.NumCells())
	require.Equal(t, block.ID(4), right.FirstChild())
}

func TestMergeLeafWithConcatenatesInOrder(t *testing.T) {
	left := mkLeaf(t)
	require.NoError(t, left.PutLeaf(&LeafCell{Key: []byte("a"), Value: []byte("1"), Version: Version{EndTS: TSInfinite}}))
	require.NoError(t, left.PutLeaf(&LeafCell{Key: []byte("b"), Value: []byte("2"), Version: Version{EndTS: TSInfinite}}))

	right := New(block.ID(2), KindLeaf, testPageSize)
	require.NoError(t, right.PutLeaf(&LeafCell{Key: []byte("c"), Value: []byte("3"), Version: Version{EndTS: TSInfinite}}))

	require.NoError(t, left.MergeLeafWith(right))
	require.EqualValues(t, 3, left.NumCells())

	cells, err := left.AllLeafCells()
	require.NoError(t, err)
	require.Len(t, cells, 3)
	require.Equal(t, "c", string(cells[2].Key))
}

func TestCloneIsIndependentBuffer(t *testing.T) {
	p := mkLeaf(t)
	require.NoError(t, p.PutLeaf(&LeafCell{Key: []byte("a"), Value: []byte("1"), Version: Version{EndTS: TSInfinite}}))

	clone := p.Clone(block.ID(7))
	require.NoError(t, clone.PutLeaf(&LeafCell{Key: []byte("b"), Value: []byte("2"), Version: Version{EndTS: TSInfinite}}))

	require.EqualValues(t, 1, p.NumCells())
	require.EqualValues(t, 2, clone.NumCells())
	require.Equal(t, block.ID(7), clone.ID())
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	buf := make([]byte, testPageSize)
	buf[offType] = 99
	_, err := Load(block.ID(1), buf)
	require.Error(t, err)
}
