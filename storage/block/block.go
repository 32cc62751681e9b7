// Package block implements the fixed-size page file: the header page
// with its free list and two root-page-id slots, and raw page I/O.
// Everything above this layer (page cache, page codec, B+tree) treats
// a block id as an opaque uint64 and a block's contents as an opaque
// byte buffer; this package owns the only code that seeks into the
// file.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/gabrielelanaro/wrongo/storage/errs"
	"golang.org/x/sys/unix"
)

// ID is a block (page) identifier. 0 is reserved for the header page
// and doubles as the NONE sentinel; it is never a valid data block.
type ID uint64

const None ID = 0

const (
	magic = "WRNG"

	headerVersion = 1

	// Header layout, little-endian: magic, version, page size, page
	// count, free-list head, retired count, two root slots, header
	// CRC. Each root slot wraps its block id in a {generation, crc32}
	// pair so a torn write to one slot never disturbs the other.
	offMagic        = 0
	offVersion      = 4
	offPageSize     = 8
	offPageCount    = 16
	offFreeListHead = 24
	offRetiredCount = 32
	offRootSlotA    = 40
	offRootSlotB    = 60
	rootSlotSize    = 20 // blockID(8) + generation(8) + crc32(4)
	offHeaderCRC    = offRootSlotB + rootSlotSize
	headerFixedSize = offHeaderCRC + 4
)

// rootSlot is one of the two root-pointer records in the header.
type rootSlot struct {
	root ID
	gen  uint64
	crc  uint32
}

func (s rootSlot) valid() bool {
	return s.crc == s.checksum()
}

func (s rootSlot) checksum() uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.root))
	binary.LittleEndian.PutUint64(buf[8:16], s.gen)
	return crc32.ChecksumIEEE(buf[:])
}

func encodeRootSlot(buf []byte, s rootSlot) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.root))
	binary.LittleEndian.PutUint64(buf[8:16], s.gen)
	binary.LittleEndian.PutUint32(buf[16:20], s.crc)
}

func decodeRootSlot(buf []byte) rootSlot {
	return rootSlot{
		root: ID(binary.LittleEndian.Uint64(buf[0:8])),
		gen:  binary.LittleEndian.Uint64(buf[8:16]),
		crc:  binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// File is the fixed-size page file: a header page at offset 0 followed
// by pageSize-byte data pages.
type File struct {
	mu       sync.Mutex
	f        *os.File
	locked   bool
	pageSize int

	pageCount    uint64
	freeListHead ID
	retiredCount uint64
	slotA, slotB rootSlot

	// pendingDiscard holds blocks freed since the last checkpoint
	// commit. They are not reachable from any live root, but they are
	// not returned by AllocateBlock either, until MergeDiscards folds
	// them into the on-disk free list: a retired block stays allocated
	// until the checkpoint that superseded it is durable.
	pendingDiscard map[ID]struct{}
}

// Create makes a fresh block file with an empty root leaf convention
// left to the caller (block doesn't know about page types); it only
// establishes page 1 as allocated and both root slots pointing at it.
func Create(path string, pageSize int) (*File, error) {
	if pageSize < 256 {
		return nil, errs.New(errs.Storage, "block.Create", fmt.Errorf("page size %d too small", pageSize))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errs.New(errs.IO, "block.Create", err)
	}
	bf := &File{
		f:              f,
		pageSize:       pageSize,
		pageCount:      2, // page 0 header, page 1 initial root
		freeListHead:   None,
		pendingDiscard: make(map[ID]struct{}),
	}
	bf.slotA = rootSlot{root: 1, gen: 1}
	bf.slotA.crc = bf.slotA.checksum()
	bf.slotB = bf.slotA

	if err := bf.lockExclusive(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := bf.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	// Zero-initialize page 1 so a read before the caller writes it
	// back never trips a checksum mismatch.
	blank := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(blank[pageSize-4:], crc32.ChecksumIEEE(blank[:pageSize-4]))
	bf.mu.Lock()
	err = bf.writeRawLocked(1, blank)
	bf.mu.Unlock()
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return bf, nil
}

// Open opens an existing block file, selecting whichever root slot has
// the higher valid generation.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.New(errs.IO, "block.Open", err)
	}
	bf := &File{f: f, pendingDiscard: make(map[ID]struct{})}
	if err := bf.lockExclusive(); err != nil {
		f.Close()
		return nil, err
	}
	if err := bf.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return bf, nil
}

// lockExclusive takes an advisory flock so a second process cannot
// open the same database directory concurrently; this is a
// single-node embedded store.
func (bf *File) lockExclusive() error {
	if err := unix.Flock(int(bf.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errs.New(errs.Storage, "block.lock", fmt.Errorf("database already open by another process: %w", err))
	}
	bf.locked = true
	return nil
}

func (bf *File) writeHeader() error {
	buf := make([]byte, bf.pageSize)
	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint16(buf[offVersion:], headerVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], uint32(bf.pageSize))
	binary.LittleEndian.PutUint64(buf[offPageCount:], bf.pageCount)
	binary.LittleEndian.PutUint64(buf[offFreeListHead:], uint64(bf.freeListHead))
	binary.LittleEndian.PutUint64(buf[offRetiredCount:], bf.retiredCount)
	encodeRootSlot(buf[offRootSlotA:], bf.slotA)
	encodeRootSlot(buf[offRootSlotB:], bf.slotB)
	headerCRC := crc32.ChecksumIEEE(buf[:offHeaderCRC])
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], headerCRC)

	if _, err := bf.f.WriteAt(buf, 0); err != nil {
		return errs.New(errs.IO, "block.writeHeader", err)
	}
	return nil
}

func (bf *File) readHeader() error {
	// The page size isn't known yet, so read a generously sized
	// prefix first; headerFixedSize is tiny relative to any real
	// page size (>=256B).
	prefix := make([]byte, headerFixedSize)
	n, err := bf.f.ReadAt(prefix, 0)
	if err != nil || n < headerFixedSize {
		return errs.New(errs.Storage, "block.readHeader", fmt.Errorf("short header read"))
	}
	if string(prefix[offMagic:offMagic+4]) != magic {
		return errs.New(errs.Storage, "block.readHeader", fmt.Errorf("bad magic"))
	}
	headerCRC := binary.LittleEndian.Uint32(prefix[offHeaderCRC:])
	if crc32.ChecksumIEEE(prefix[:offHeaderCRC]) != headerCRC {
		return errs.ErrPageCorruption
	}

	bf.pageSize = int(binary.LittleEndian.Uint32(prefix[offPageSize:]))
	bf.pageCount = binary.LittleEndian.Uint64(prefix[offPageCount:])
	bf.freeListHead = ID(binary.LittleEndian.Uint64(prefix[offFreeListHead:]))
	bf.retiredCount = binary.LittleEndian.Uint64(prefix[offRetiredCount:])
	bf.slotA = decodeRootSlot(prefix[offRootSlotA:])
	bf.slotB = decodeRootSlot(prefix[offRootSlotB:])
	return nil
}

// PageSize returns the page size the file was created with.
func (bf *File) PageSize() int {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.pageSize
}

// CurrentRootBlockID returns the root from the slot with the highest
// generation whose checksum is valid.
func (bf *File) CurrentRootBlockID() ID {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.currentLocked().root
}

func (bf *File) currentLocked() rootSlot {
	aOK, bOK := bf.slotA.valid(), bf.slotB.valid()
	switch {
	case aOK && bOK:
		if bf.slotA.gen >= bf.slotB.gen {
			return bf.slotA
		}
		return bf.slotB
	case aOK:
		return bf.slotA
	case bOK:
		return bf.slotB
	default:
		return rootSlot{}
	}
}

// SetRootBlockID durably swaps the root slots so the given block id
// becomes current: the older-generation slot is overwritten, then the
// header is rewritten so the new slot wins selection on the next open.
// Crashing mid-write leaves the other slot intact and still
// selectable.
func (bf *File) SetRootBlockID(id ID) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	next := rootSlot{root: id, gen: bf.nextGenerationLocked()}
	next.crc = next.checksum()

	if bf.slotA.gen <= bf.slotB.gen {
		bf.slotA = next
	} else {
		bf.slotB = next
	}
	if err := bf.writeHeader(); err != nil {
		return err
	}
	if err := bf.f.Sync(); err != nil {
		return errs.New(errs.IO, "block.SetRootBlockID", err)
	}
	return nil
}

func (bf *File) nextGenerationLocked() uint64 {
	g := bf.slotA.gen
	if bf.slotB.gen > g {
		g = bf.slotB.gen
	}
	return g + 1
}

// AllocateBlock pops from the on-disk free list if non-empty, else
// grows the file by one page.
func (bf *File) AllocateBlock() (ID, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.freeListHead != None {
		id := bf.freeListHead
		next, err := bf.readFreeListNextLocked(id)
		if err != nil {
			return None, err
		}
		bf.freeListHead = next
		if err := bf.writeHeader(); err != nil {
			return None, err
		}
		return id, nil
	}

	id := ID(bf.pageCount)
	bf.pageCount++
	if err := bf.writeHeader(); err != nil {
		return None, err
	}
	return id, nil
}

func (bf *File) readFreeListNextLocked(id ID) (ID, error) {
	buf, err := bf.readRawLocked(id, false)
	if err != nil {
		return None, err
	}
	return ID(binary.LittleEndian.Uint64(buf[:8])), nil
}

// FreeBlock adds id to the in-memory pending-discard set. It is not
// reachable from the free list until MergeDiscards runs, so a crashed
// allocation that wrote a copy-on-write page cannot resurrect as a
// live page.
func (bf *File) FreeBlock(id ID) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.pendingDiscard[id] = struct{}{}
}

// MergeDiscards folds the pending-discard set into the on-disk free
// list. Called only by the checkpoint coordinator's commit phase,
// after the CHECKPOINT WAL record is durable.
func (bf *File) MergeDiscards() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	for id := range bf.pendingDiscard {
		buf := make([]byte, bf.pageSize)
		binary.LittleEndian.PutUint64(buf[:8], uint64(bf.freeListHead))
		if err := bf.writeRawLocked(id, buf); err != nil {
			return err
		}
		bf.freeListHead = id
		bf.retiredCount++
		delete(bf.pendingDiscard, id)
	}
	return bf.writeHeader()
}

// ReadBlock reads a data page. When verify is true, a stored CRC32
// footer is checked and ErrPageCorruption returned on mismatch.
func (bf *File) ReadBlock(id ID, verify bool) ([]byte, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.readRawLocked(id, verify)
}

func (bf *File) readRawLocked(id ID, verify bool) ([]byte, error) {
	if id == None || uint64(id) >= bf.pageCount {
		return nil, errs.New(errs.Storage, "block.ReadBlock", fmt.Errorf("block %d out of range", id))
	}
	buf := make([]byte, bf.pageSize)
	n, err := bf.f.ReadAt(buf, int64(id)*int64(bf.pageSize))
	if err != nil || n != bf.pageSize {
		return nil, errs.ErrTruncatedPage
	}
	if verify {
		stored := binary.LittleEndian.Uint32(buf[bf.pageSize-4:])
		if crc32.ChecksumIEEE(buf[:bf.pageSize-4]) != stored {
			return nil, errs.ErrPageCorruption
		}
	}
	return buf, nil
}

// WriteBlock writes a data page, stamping the trailing CRC32 footer.
func (bf *File) WriteBlock(id ID, payload []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if len(payload) != bf.pageSize {
		return errs.New(errs.Storage, "block.WriteBlock", fmt.Errorf("payload size %d != page size %d", len(payload), bf.pageSize))
	}
	buf := make([]byte, bf.pageSize)
	copy(buf, payload)
	crc := crc32.ChecksumIEEE(buf[:bf.pageSize-4])
	binary.LittleEndian.PutUint32(buf[bf.pageSize-4:], crc)
	return bf.writeRawLocked(id, buf)
}

func (bf *File) writeRawLocked(id ID, buf []byte) error {
	if _, err := bf.f.WriteAt(buf, int64(id)*int64(bf.pageSize)); err != nil {
		return errs.New(errs.IO, "block.writeRaw", err)
	}
	return nil
}

// UsablePayloadSize is the number of bytes the page codec may use per
// page: the full page minus the trailing CRC32 footer. The page
// codec further reserves its own 1-byte type tag from this.
func (bf *File) UsablePayloadSize() int {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.pageSize - 4
}

// SyncAll forces the file to durable storage.
func (bf *File) SyncAll() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if err := bf.f.Sync(); err != nil {
		return errs.New(errs.IO, "block.SyncAll", err)
	}
	return nil
}

// RetiredCount reports how many blocks have been folded into the free
// list by a checkpoint, for tests and Stats.
func (bf *File) RetiredCount() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.retiredCount
}

// PageCount reports the current number of allocated pages (including
// the header page).
func (bf *File) PageCount() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.pageCount
}

// Close releases the flock and closes the file.
func (bf *File) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.locked {
		unix.Flock(int(bf.f.Fd()), unix.LOCK_UN)
	}
	if err := bf.f.Close(); err != nil {
		return errs.New(errs.IO, "block.Close", err)
	}
	return nil
}
