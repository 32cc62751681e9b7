package btree

import (
	"bytes"

	"github.com/gabrielelanaro/wrongo/storage/block"
	"github.com/gabrielelanaro/wrongo/storage/page"
)

// Cursor walks keys in [lo, hi) order without relying on sibling
// pointers: it keeps the root-to-leaf path as a stack of (page,
// child-index) frames and climbs it to find the next leaf once the
// current one is exhausted. Sibling links would need copy-on-write
// maintenance on every split, so the tree stores none.
type Cursor struct {
	tree *Tree
	lo   []byte // nil means unbounded below
	hi   []byte // nil means unbounded above

	stack []pathFrame
	cells []*page.LeafCell
	idx   int
	done  bool
	err   error
}

type pathFrame struct {
	pg       *page.Page
	childIdx int
}

// Range returns a cursor over [lo, hi); either bound may be nil for
// unbounded.
func (t *Tree) Range(lo, hi []byte) (*Cursor, error) {
	release := t.readLockRelease()
	defer release()

	c := &Cursor{tree: t, lo: lo, hi: hi}
	if err := c.descendTo(t.currentRoot(), lo); err != nil {
		return nil, err
	}
	return c, nil
}

// descendTo builds the root-to-leaf path for the smallest key >= key
// (or the leftmost leaf if key is nil). Each page is pinned shared
// only while being decoded; retaining the decoded page after the
// unpin is safe because internal pages are never mutated in place
// (only a leaf footer is, by StampVersion) and leaf cells are copied
// out here.
func (c *Cursor) descendTo(rootID block.ID, key []byte) error {
	c.stack = nil
	id := rootID
	for {
		pg, err := c.tree.cache.PinShared(id)
		if err != nil {
			return err
		}
		if pg.IsLeaf() {
			cells, err := pg.AllLeafCells()
			c.tree.cache.Unpin(id, false)
			if err != nil {
				return err
			}
			c.cells = cells
			c.idx = 0
			if key != nil {
				for c.idx < len(c.cells) && bytes.Compare(c.cells[c.idx].Key, key) < 0 {
					c.idx++
				}
			}
			return nil
		}
		var childIdx int
		var childID block.ID
		if key == nil {
			childIdx, childID = 0, pg.FirstChild()
		} else {
			childIdx, childID, err = pg.ChildIndexFor(key)
			if err != nil {
				c.tree.cache.Unpin(id, false)
				return err
			}
		}
		c.stack = append(c.stack, pathFrame{pg: pg, childIdx: childIdx})
		c.tree.cache.Unpin(id, false)
		id = childID
	}
}

// nextLeaf climbs the stack to the next subtree to the right of the
// one just exhausted, then descends to its leftmost leaf.
func (c *Cursor) nextLeaf() (bool, error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.childIdx < top.pg.NumChildren()-1 {
			top.childIdx++
			childID, err := top.pg.ChildAt(top.childIdx)
			if err != nil {
				return false, err
			}
			if err := c.descendLeftmostFrom(childID); err != nil {
				return false, err
			}
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}

func (c *Cursor) descendLeftmostFrom(id block.ID) error {
	for {
		pg, err := c.tree.cache.PinShared(id)
		if err != nil {
			return err
		}
		if pg.IsLeaf() {
			cells, err := pg.AllLeafCells()
			c.tree.cache.Unpin(id, false)
			if err != nil {
				return err
			}
			c.cells = cells
			c.idx = 0
			return nil
		}
		c.stack = append(c.stack, pathFrame{pg: pg, childIdx: 0})
		c.tree.cache.Unpin(id, false)
		id = pg.FirstChild()
	}
}

// NextCell advances to the next physical cell in range, including
// tombstones and tentative (never commit-stamped) cells; the txn
// layer's range iterator needs the raw footer to overlay MVCC
// visibility. Plain key/value callers use Next, which filters both.
func (c *Cursor) NextCell() (*page.LeafCell, bool, error) {
	if c.done || c.err != nil {
		return nil, false, c.err
	}
	for {
		if c.idx >= len(c.cells) {
			more, err := c.nextLeaf()
			if err != nil {
				c.err = err
				return nil, false, err
			}
			if !more {
				c.done = true
				return nil, false, nil
			}
			continue
		}
		cell := c.cells[c.idx]
		c.idx++
		if c.hi != nil && bytes.Compare(cell.Key, c.hi) >= 0 {
			c.done = true
			return nil, false, nil
		}
		return cell, true, nil
	}
}

// Next advances to the next live committed key in range, returning
// ok=false once the range is exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	for {
		cell, more, err := c.NextCell()
		if err != nil || !more {
			return nil, nil, false, err
		}
		if cell.Value == nil || cell.Version.BeginTS == 0 {
			continue
		}
		return cell.Key, cell.Value, true, nil
	}
}
