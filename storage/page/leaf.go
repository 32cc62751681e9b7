package page

import (
	"encoding/binary"
	"fmt"
)

// leafCellSize returns the encoded size of a leaf cell.
func leafCellSize(keyLen, valueLen int) int {
	return varintSize(uint64(keyLen)) + varintSize(uint64(valueLen)) + keyLen + valueLen + footerSize
}

// GetLeaf returns the decoded cell for key, if present.
func (p *Page) GetLeaf(key []byte) (*LeafCell, bool, error) {
	idx, ok := p.Search(key)
	if !ok {
		return nil, false, nil
	}
	cell, err := p.LeafCellAt(uint16(idx))
	if err != nil {
		return nil, false, err
	}
	return cell, true, nil
}

// LeafCellAt decodes the cell at slot index.
func (p *Page) LeafCellAt(index uint16) (*LeafCell, error) {
	if index >= p.NumCells() {
		return nil, ErrCellNotFound
	}
	off := int(p.cellOffset(index))
	return p.parseLeafCell(off)
}

func (p *Page) parseLeafCell(off int) (*LeafCell, error) {
	keyLen, n1 := uvarint(p.buf[off:])
	if n1 <= 0 {
		return nil, fmt.Errorf("page: invalid key length varint")
	}
	valueLen, n2 := uvarint(p.buf[off+n1:])
	if n2 <= 0 {
		return nil, fmt.Errorf("page: invalid value length varint")
	}
	start := off + n1 + n2
	keyEnd := start + int(keyLen)
	valEnd := keyEnd + int(valueLen)
	footerEnd := valEnd + footerSize
	if footerEnd > p.capacity {
		return nil, fmt.Errorf("page: cell overruns page capacity")
	}

	key := make([]byte, keyLen)
	copy(key, p.buf[start:keyEnd])
	var val []byte
	if valueLen > 0 {
		val = make([]byte, valueLen)
		copy(val, p.buf[keyEnd:valEnd])
	}

	v := Version{
		TxnID:   binary.LittleEndian.Uint64(p.buf[valEnd:]),
		BeginTS: binary.LittleEndian.Uint64(p.buf[valEnd+8:]),
		EndTS:   binary.LittleEndian.Uint64(p.buf[valEnd+16:]),
	}
	return &LeafCell{Key: key, Value: val, Version: v}, nil
}

func (p *Page) writeLeafCell(off int, c *LeafCell) {
	n1 := putUvarint(p.buf[off:], uint64(len(c.Key)))
	n2 := putUvarint(p.buf[off+n1:], uint64(len(c.Value)))
	start := off + n1 + n2
	copy(p.buf[start:], c.Key)
	valOff := start + len(c.Key)
	copy(p.buf[valOff:], c.Value)
	footOff := valOff + len(c.Value)
	binary.LittleEndian.PutUint64(p.buf[footOff:], c.Version.TxnID)
	binary.LittleEndian.PutUint64(p.buf[footOff+8:], c.Version.BeginTS)
	binary.LittleEndian.PutUint64(p.buf[footOff+16:], c.Version.EndTS)
}

// StampLeafVersion rewrites the MVCC footer of key's cell in place,
// provided the cell still belongs to v.TxnID. The key and value bytes
// are untouched, which is why this is the one mutation applied to a
// resident page rather than a CoW clone; the caller must hold the
// page under an exclusive pin. Returns false without touching the
// page when key is absent or its cell was already replaced by a
// different transaction's write.
func (p *Page) StampLeafVersion(key []byte, v Version) (bool, error) {
	idx, ok := p.Search(key)
	if !ok {
		return false, nil
	}
	off := int(p.cellOffset(uint16(idx)))
	keyLen, n1 := uvarint(p.buf[off:])
	if n1 <= 0 {
		return false, fmt.Errorf("page: invalid key length varint")
	}
	valueLen, n2 := uvarint(p.buf[off+n1:])
	if n2 <= 0 {
		return false, fmt.Errorf("page: invalid value length varint")
	}
	footOff := off + n1 + n2 + int(keyLen) + int(valueLen)
	if footOff+footerSize > p.capacity {
		return false, fmt.Errorf("page: cell overruns page capacity")
	}
	if binary.LittleEndian.Uint64(p.buf[footOff:]) != v.TxnID {
		return false, nil
	}
	binary.LittleEndian.PutUint64(p.buf[footOff+8:], v.BeginTS)
	binary.LittleEndian.PutUint64(p.buf[footOff+16:], v.EndTS)
	p.dirty = true
	return true, nil
}

// FreeBytes reports how much room remains for new cell data.
func (p *Page) FreeBytes() int {
	dirEnd := cellDirOffset(p.NumCells() + 1)
	return int(p.freePtr()) - dirEnd
}

// FitsLeaf reports whether a leaf cell of this shape would fit
// without a split.
func (p *Page) FitsLeaf(keyLen, valueLen int) bool {
	return leafCellSize(keyLen, valueLen) <= p.FreeBytes()
}

// PutLeaf inserts or overwrites the cell for key, maintaining sort
// order. The caller (btree, under copy-on-write) is responsible for
// operating on a freshly cloned page, never the durable original.
func (p *Page) PutLeaf(c *LeafCell) error {
	if !p.FitsLeaf(len(c.Key), len(c.Value)) {
		// An update that shrinks a cell may still fit once the old
		// slot is reclaimed; check after a tentative delete.
		if idx, ok := p.Search(c.Key); ok {
			clone := p.Clone(p.id)
			if err := clone.DeleteCell(uint16(idx)); err != nil {
				return err
			}
			if !clone.FitsLeaf(len(c.Key), len(c.Value)) {
				return ErrPageFull
			}
			if err := clone.insertLeafAt(c); err != nil {
				return err
			}
			p.buf = clone.buf
			p.dirty = true
			return nil
		}
		return ErrPageFull
	}
	return p.insertLeafAt(c)
}

func (p *Page) insertLeafAt(c *LeafCell) error {
	idx, exists := p.Search(c.Key)
	size := leafCellSize(len(c.Key), len(c.Value))
	newFree := p.freePtr() - uint16(size)
	p.writeLeafCell(int(newFree), c)

	n := p.NumCells()
	if exists {
		// Shouldn't happen: caller deletes the old slot first. Guard
		// anyway by overwriting in place.
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

// DeleteCell removes the slot at index from the directory. The cell
// bytes themselves are not reclaimed; a CoW split naturally compacts
// the page by rewriting only live cells.
func (p *Page) DeleteCell(index uint16) error {
	n := p.NumCells()
	if index >= n {
		return ErrCellNotFound
	}
	for i := index; i < n-1; i++ {
		p.setCellOffset(i, p.cellOffset(i+1))
	}
	p.setNumCells(n - 1)
	p.dirty = true
	return nil
}

// AllLeafCells decodes every live cell, in slot order (already sorted
// by key). Used by split and by range-scan page loading.
func (p *Page) AllLeafCells() ([]*LeafCell, error) {
	n := p.NumCells()
	out := make([]*LeafCell, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := p.LeafCellAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
