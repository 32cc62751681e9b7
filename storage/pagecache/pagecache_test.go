package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/errs"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

func loaderFor(pages map[block.ID]*page.Page) Loader {
	return func(id block.ID) (*page.Page, error) {
		if pg, ok := pages[id]; ok {
			return pg, nil
		}
		return page.New(id, page.KindLeaf, 4096), nil
	}
}

func TestPinSharedLoadsOnMiss(t *testing.T) {
	backing := map[block.ID]*page.Page{
		1: page.New(block.ID(1), page.KindLeaf, 4096),
	}
	c := New(4, loaderFor(backing), nil)

	pg, err := c.PinShared(block.ID(1))
	require.NoError(t, err)
	require.Equal(t, block.ID(1), pg.ID())
	require.Equal(t, 1, c.Len())
}

func TestPinExclusiveRejectsAlreadyPinned(t *testing.T) {
	c := New(4, loaderFor(nil), nil)
	_, err := c.PinShared(block.ID(1))
	require.NoError(t, err)

	_, err = c.PinExclusive(block.ID(1))
	require.Error(t, err)
}

func TestUnpinMakesPageEvictable(t *testing.T) {
	c := New(1, loaderFor(nil), nil)
	_, err := c.PinShared(block.ID(1))
	require.NoError(t, err)
	c.Unpin(block.ID(1), false)

	_, err = c.PinShared(block.ID(2))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
}

func TestCacheFullWhenEveryFrameIsPinned(t *testing.T) {
	c := New(1, loaderFor(nil), nil)
	_, err := c.PinShared(block.ID(1))
	require.NoError(t, err)

	_, err = c.PinShared(block.ID(2))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Storage))
}

func TestDirtyPagesRoundTrip(t *testing.T) {
	c := New(4, loaderFor(nil), nil)
	pg, err := c.PinShared(block.ID(1))
	require.NoError(t, err)
	pg.SetDirty(true)
	c.MarkDirty(block.ID(1))

	dirty := c.DirtyPages()
	require.Len(t, dirty, 1)

	c.ClearDirty(block.ID(1))
	require.Empty(t, c.DirtyPages())
}

func TestInsertDuplicateBlockID(t *testing.T) {
	c := New(4, loaderFor(nil), nil)
	pg := page.New(block.ID(5), page.KindLeaf, 4096)
	require.NoError(t, c.Insert(pg))
	// Still exclusively pinned from the first Insert.
	require.Error(t, c.Insert(pg))

	// Once unpinned, the stale frame is replaced: the only way a live
	// block id collides is allocator reuse after a checkpoint freed it.
	c.Unpin(block.ID(5), true)
	replacement := page.New(block.ID(5), page.KindLeaf, 4096)
	require.NoError(t, c.Insert(replacement))
	require.Equal(t, 1, c.Len())
}

func TestDirtyPageNotEvicted(t *testing.T) {
	c := New(1, loaderFor(nil), nil)
	pg, err := c.PinShared(block.ID(1))
	require.NoError(t, err)
	pg.SetDirty(true)
	c.MarkDirty(block.ID(1))
	c.Unpin(block.ID(1), false)

	// The only frame is dirty: loading another page must fail rather
	// than silently dropping unflushed state.
	_, err = c.PinShared(block.ID(2))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Storage))

	c.ClearDirty(block.ID(1))
	_, err = c.PinShared(block.ID(2))
	require.NoError(t, err)
}

func TestDirtyPagesSkipsExclusivelyPinned(t *testing.T) {
	c := New(4, loaderFor(nil), nil)
	pg := page.New(block.ID(9), page.KindLeaf, 4096)
	require.NoError(t, c.Insert(pg))
	c.MarkDirty(block.ID(9))
	require.Empty(t, c.DirtyPages())

	c.Unpin(block.ID(9), true)
	require.Len(t, c.DirtyPages(), 1)
}

func TestEvictDropsUnpinnedPage(t *testing.T) {
	c := New(4, loaderFor(nil), nil)
	_, err := c.PinShared(block.ID(1))
	require.NoError(t, err)
	c.Unpin(block.ID(1), false)

	c.Evict(block.ID(1))
	require.Equal(t, 0, c.Len())
}
