package page

import (
	"encoding/binary"
	"fmt"

	"github.com/gabrielelanaro/wrongo/storage/block"
)

const internalChildSize = 8

func internalCellSize(keyLen int) int {
	return varintSize(uint64(keyLen)) + keyLen + internalChildSize
}

// InternalCellAt decodes the separator/child pair at slot index.
func (p *Page) InternalCellAt(index uint16) (*InternalCell, error) {
	if index >= p.NumCells() {
		return nil, ErrCellNotFound
	}
	return p.parseInternalCell(int(p.cellOffset(index)))
}

func (p *Page) parseInternalCell(off int) (*InternalCell, error) {
	keyLen, n := uvarint(p.buf[off:])
	if n <= 0 {
		return nil, fmt.Errorf("page: invalid key length varint")
	}
	start := off + n
	keyEnd := start + int(keyLen)
	childEnd := keyEnd + internalChildSize
	if childEnd > p.capacity {
		return nil, fmt.Errorf("page: internal cell overruns page capacity")
	}
	key := make([]byte, keyLen)
	copy(key, p.buf[start:keyEnd])
	child := block.ID(binary.LittleEndian.Uint64(p.buf[keyEnd:]))
	return &InternalCell{Key: key, Child: child}, nil
}

func (p *Page) writeInternalCell(off int, c *InternalCell) {
	n := putUvarint(p.buf[off:], uint64(len(c.Key)))
	start := off + n
	copy(p.buf[start:], c.Key)
	childOff := start + len(c.Key)
	binary.LittleEndian.PutUint64(p.buf[childOff:], uint64(c.Child))
}

// FitsInternal reports whether a separator cell of this key length
// would fit without a split.
func (p *Page) FitsInternal(keyLen int) bool {
	return internalCellSize(keyLen) <= p.FreeBytes()
}

// ChildFor returns the child block id that routes key, per spec
// section 3's routing rule: the first separator > key determines the
// boundary, so the child is the one belonging to the slot preceding
// the insertion point, or FirstChild if key is less than every
// separator.
func (p *Page) ChildFor(key []byte) (block.ID, error) {
	idx, found := p.Search(key)
	if found {
		c, err := p.InternalCellAt(uint16(idx))
		if err != nil {
			return block.None, err
		}
		return c.Child, nil
	}
	if idx == 0 {
		return p.FirstChild(), nil
	}
	c, err := p.InternalCellAt(uint16(idx - 1))
	if err != nil {
		return block.None, err
	}
	return c.Child, nil
}

// InsertSeparator adds a new (key, child) separator in sorted order.
func (p *Page) InsertSeparator(c *InternalCell) error {
	if !p.FitsInternal(len(c.Key)) {
		return ErrPageFull
	}
	idx, exists := p.Search(c.Key)
	size := internalCellSize(len(c.Key))
	newFree := p.freePtr() - uint16(size)
	p.writeInternalCell(int(newFree), c)

	n := p.NumCells()
	if exists {
		p.setCellOffset(uint16(idx), newFree)
		p.setFreePtr(newFree)
		p.dirty = true
		return nil
	}
	for i := n; i > uint16(idx); i-- {
		p.setCellOffset(i, p.cellOffset(i-1))
	}
	p.setCellOffset(uint16(idx), newFree)
	p.setNumCells(n + 1)
	p.setFreePtr(newFree)
	p.dirty = true
	return nil
}

// ReplaceChild rewrites whichever child pointer currently equals
// oldChild (FirstChild or a separator's child) to newChild. Used by
// the B+tree layer to thread a freshly copy-on-written child's new
// block id up into its still-live parent clone.
func (p *Page) ReplaceChild(oldChild, newChild block.ID) error {
	if p.FirstChild() == oldChild {
		p.SetFirstChild(newChild)
		return nil
	}
	n := p.NumCells()
	for i := uint16(0); i < n; i++ {
		c, err := p.InternalCellAt(i)
		if err != nil {
			return err
		}
		if c.Child == oldChild {
			off := int(p.cellOffset(i))
			binary.LittleEndian.PutUint64(p.buf[off+len(c.Key)+varintSize(uint64(len(c.Key))):], uint64(newChild))
			p.dirty = true
			return nil
		}
	}
	return fmt.Errorf("page: child %d not found", oldChild)
}

// NumChildren reports how many children this internal page routes
// to: one more than its separator count.
func (p *Page) NumChildren() int { return int(p.NumCells()) + 1 }

// ChildAt returns the idx'th child pointer: idx 0 is FirstChild,
// idx i>0 is the child of separator slot i-1.
func (p *Page) ChildAt(idx int) (block.ID, error) {
	if idx == 0 {
		return p.FirstChild(), nil
	}
	c, err := p.InternalCellAt(uint16(idx - 1))
	if err != nil {
		return block.None, err
	}
	return c.Child, nil
}

// ChildIndexFor is ChildFor plus the zero-based child index, so a
// cursor can record its descent path for later next-leaf lookups.
func (p *Page) ChildIndexFor(key []byte) (idx int, id block.ID, err error) {
	sidx, found := p.Search(key)
	if found {
		c, err := p.InternalCellAt(uint16(sidx))
		if err != nil {
			return 0, block.None, err
		}
		return sidx + 1, c.Child, nil
	}
	if sidx == 0 {
		return 0, p.FirstChild(), nil
	}
	c, err := p.InternalCellAt(uint16(sidx - 1))
	if err != nil {
		return 0, block.None, err
	}
	return sidx, c.Child, nil
}

// AllInternalCells decodes every separator, in slot order.
func (p *Page) AllInternalCells() ([]*InternalCell, error) {
	n := p.NumCells()
	out := make([]*InternalCell, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := p.InternalCellAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
