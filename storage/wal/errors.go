package wal

import "errors"

var (
	// errShortBuffer means fewer bytes are available than the record
	// header claims; scanning stops here without treating it as
	// corruption (the writer may still be mid-append).
	errShortBuffer = errors.New("wal: short buffer")

	// ErrRecordCorrupt means a record's CRC failed. Once at least one
	// good record has been read, the iterator treats it as a torn
	// write and stops cleanly; a bad CRC on the very first record is
	// fatal.
	ErrRecordCorrupt = errors.New("wal: record corrupt")

	// ErrSuperblockCorrupt means the 512-byte WAL superblock's header
	// CRC did not match.
	ErrSuperblockCorrupt = errors.New("wal: superblock corrupt")
)
