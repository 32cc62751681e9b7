package page

import "github.com/gabrielelanaro/wrongo/storage/block"

// Split and merge are pure page-codec operations: they rewrite cell
// bytes between two page buffers and hand back the separator key the
// caller (storage/btree) threads up into the parent. Neither function
// allocates a block id or touches the page cache; that belongs to
// the tree layer, which owns copy-on-write.
//
// Both splits collect every cell in sorted order, split at the
// midpoint, and rebuild the halves from scratch so the new pages
// start with a clean, compacted layout rather than inheriting the
// source page's fragmentation.

// SplitLeafInto redistributes this leaf's cells across p (kept) and
// right (new), split at the midpoint, and returns the separator key
// for the parent: right's lowest key.
func (p *Page) SplitLeafInto(right *Page) ([]byte, error) {
	cells, err := p.AllLeafCells()
	if err != nil {
		return nil, err
	}
	mid := len(cells) / 2

	p.resetLeaf()
	for _, c := range cells[:mid] {
		if err := p.insertLeafAt(c); err != nil {
			return nil, err
		}
	}
	right.resetLeaf()
	for _, c := range cells[mid:] {
		if err := right.insertLeafAt(c); err != nil {
			return nil, err
		}
	}
	return cells[mid].Key, nil
}

// SplitInternalInto redistributes this internal page's separators
// across p (kept) and right (new). The middle separator's key is
// promoted to the parent and does NOT appear in either child; its
// child pointer becomes right's FirstChild, per standard B+tree
// internal-split rules.
func (p *Page) SplitInternalInto(right *Page) ([]byte, error) {
	cells, err := p.AllInternalCells()
	if err != nil {
		return nil, err
	}
	firstChild := p.FirstChild()
	mid := len(cells) / 2
	promoted := cells[mid]

	p.resetInternal(firstChild)
	for _, c := range cells[:mid] {
		if err := p.InsertSeparator(c); err != nil {
			return nil, err
		}
	}
	right.resetInternal(promoted.Child)
	for _, c := range cells[mid+1:] {
		if err := right.InsertSeparator(c); err != nil {
			return nil, err
		}
	}
	return promoted.Key, nil
}

func (p *Page) resetLeaf() {
	p.setNumCells(0)
	p.setFreePtr(uint16(p.capacity))
	p.dirty = true
}

func (p *Page) resetInternal(firstChild block.ID) {
	p.setNumCells(0)
	p.setFreePtr(uint16(p.capacity))
	p.setFirstChild(firstChild)
	p.dirty = true
}

// MergeLeafWith appends right's cells after this page's cells in
// place, for the case where a delete leaves a leaf under the
// occupancy threshold and the combined occupancy fits. Caller is
// responsible for removing right's separator from the parent
// afterward.
func (p *Page) MergeLeafWith(right *Page) error {
	left, err := p.AllLeafCells()
	if err != nil {
		return err
	}
	rightCells, err := right.AllLeafCells()
	if err != nil {
		return err
	}
	p.resetLeaf()
	for _, c := range append(left, rightCells...) {
		if err := p.insertLeafAt(c); err != nil {
			return err
		}
	}
	return nil
}

// MergeInternalWith appends right's separators after this page's,
// reinserting demotedKey (the parent separator between the two
// children) as the connector between the two runs, with right's
// FirstChild attached to it.
func (p *Page) MergeInternalWith(right *Page, demotedKey []byte) error {
	left, err := p.AllInternalCells()
	if err != nil {
		return err
	}
	rightCells, err := right.AllInternalCells()
	if err != nil {
		return err
	}
	firstChild := p.FirstChild()
	connector := &InternalCell{Key: demotedKey, Child: right.FirstChild()}
	merged := append(append(left, connector), rightCells...)

	p.resetInternal(firstChild)
	for _, c := range merged {
		if err := p.InsertSeparator(c); err != nil {
			return err
		}
	}
	return nil
}
