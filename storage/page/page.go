// Package page implements the leaf/internal page layouts: slot
// arrays, binary search, and the pure split/merge primitives the
// B+tree drives under copy-on-write. Every operation here is pure
// over a byte buffer: no I/O, no locking, no knowledge of block ids
// beyond the opaque child pointers an internal page stores.
package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gabrielelanaro/wrongo/storage/block"
)

// Kind tags a page as leaf or internal, stored as the page's first byte.
type Kind byte

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

// Header layout (little-endian), starting at buf[0]:
//
//	type(1) numCells(2) freePtr(2) firstChild(8)
//
// firstChild is only meaningful for internal pages; leaf pages waste
// the 8 bytes for a uniform, simpler header.
const (
	offType       = 0
	offNumCells   = 1
	offFreePtr    = 3
	offFirstChild = 5
	HeaderSize    = 13

	cellDirEntrySize = 2

	// footerSize is the fixed MVCC footer every leaf cell carries:
	// txn-id(8) + begin-ts(8) + end-ts(8). The chain to the version
	// this one superseded is not stored on-page; it lives in the
	// in-memory shard index (storage/mvcc). Duplicating a full
	// backward chain on every page would be redundant with that index
	// and would make every update touch O(chain length) bytes instead
	// of O(1).
	footerSize = 24
)

var (
	ErrPageFull     = errors.New("page is full")
	ErrCellNotFound = errors.New("cell not found")
)

// Version is the MVCC footer carried by a live leaf cell.
type Version struct {
	TxnID   uint64
	BeginTS uint64 // 0 means "tentative, not yet committed"
	EndTS   uint64 // ^uint64(0) means "still current"
}

const TSInfinite = ^uint64(0)

// LeafCell is a decoded (key, value, version) leaf slot. A nil Value
// marks a tombstone; it is stored as a zero-length value, so any
// zero-length value decodes back as nil.
type LeafCell struct {
	Key     []byte
	Value   []byte
	Version Version
}

// InternalCell is a decoded (separator key, child) internal slot.
// Cell(K, child) means child holds keys >= K.
type InternalCell struct {
	Key   []byte
	Child block.ID
}

// Page wraps one raw page buffer. buf has length == the block file's
// full page size; the codec only ever touches buf[:capacity], leaving
// the trailing bytes for the block layer's CRC32 footer.
type Page struct {
	id       block.ID
	buf      []byte
	capacity int
	dirty    bool
}

// New creates a fresh, empty page of the given kind.
func New(id block.ID, kind Kind, pageSize int) *Page {
	p := &Page{id: id, buf: make([]byte, pageSize), capacity: pageSize - 4, dirty: true}
	p.buf[offType] = byte(kind)
	p.setNumCells(0)
	p.setFreePtr(uint16(p.capacity))
	p.setFirstChild(block.None)
	return p
}

// Load wraps an existing raw page buffer (as read from the block file,
// full page-size length) without copying.
func Load(id block.ID, buf []byte) (*Page, error) {
	if len(buf) < HeaderSize+4 {
		return nil, fmt.Errorf("page: buffer too small: %d bytes", len(buf))
	}
	kind := Kind(buf[offType])
	if kind != KindLeaf && kind != KindInternal {
		return nil, fmt.Errorf("page: unknown type tag %d", buf[offType])
	}
	return &Page{id: id, buf: buf, capacity: len(buf) - 4}, nil
}

func (p *Page) ID() block.ID    { return p.id }
func (p *Page) Kind() Kind      { return Kind(p.buf[offType]) }
func (p *Page) IsLeaf() bool    { return p.Kind() == KindLeaf }
func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }

// Bytes returns the full page buffer, ready to hand to block.WriteBlock.
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) NumCells() uint16 { return binary.LittleEndian.Uint16(p.buf[offNumCells:]) }
func (p *Page) setNumCells(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[offNumCells:], n)
}

func (p *Page) freePtr() uint16 { return binary.LittleEndian.Uint16(p.buf[offFreePtr:]) }
func (p *Page) setFreePtr(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offFreePtr:], v)
}

// FirstChild is the internal page's leftmost child: keys less than
// every separator in the page route here.
func (p *Page) FirstChild() block.ID {
	return block.ID(binary.LittleEndian.Uint64(p.buf[offFirstChild:]))
}

func (p *Page) SetFirstChild(id block.ID) {
	binary.LittleEndian.PutUint64(p.buf[offFirstChild:], uint64(id))
	p.dirty = true
}

func (p *Page) setFirstChild(id block.ID) {
	binary.LittleEndian.PutUint64(p.buf[offFirstChild:], uint64(id))
}

func cellDirOffset(n uint16) int { return HeaderSize + int(n)*cellDirEntrySize }

func (p *Page) cellOffset(n uint16) uint16 {
	return binary.LittleEndian.Uint16(p.buf[cellDirOffset(n):])
}

func (p *Page) setCellOffset(n uint16, off uint16) {
	binary.LittleEndian.PutUint16(p.buf[cellDirOffset(n):], off)
}

// keyAt returns just the key bytes for slot i, for binary search,
// without paying for a full cell decode.
func (p *Page) keyAt(i uint16) ([]byte, error) {
	off := int(p.cellOffset(i))
	if p.IsLeaf() {
		keyLen, n := uvarint(p.buf[off:])
		if n <= 0 {
			return nil, fmt.Errorf("page: corrupt leaf cell at slot %d", i)
		}
		_, n2 := uvarint(p.buf[off+n:])
		if n2 <= 0 {
			return nil, fmt.Errorf("page: corrupt leaf cell at slot %d", i)
		}
		start := off + n + n2
		return p.buf[start : start+int(keyLen)], nil
	}
	keyLen, n := uvarint(p.buf[off:])
	if n <= 0 {
		return nil, fmt.Errorf("page: corrupt internal cell at slot %d", i)
	}
	start := off + n
	return p.buf[start : start+int(keyLen)], nil
}

// Search returns (index, true) if key is present, else (insertion
// point, false).
func (p *Page) Search(key []byte) (int, bool) {
	n := int(p.NumCells())
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := p.keyAt(uint16(mid))
		if err != nil {
			return lo, false
		}
		switch bytes.Compare(key, k) {
		case 0:
			return mid, true
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// Clone deep-copies the page into a new block id, for copy-on-write.
func (p *Page) Clone(newID block.ID) *Page {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &Page{id: newID, buf: buf, capacity: p.capacity, dirty: true}
}
