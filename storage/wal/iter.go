package wal

import (
	"io"
	"os"

	"github.com/gabrielelanaro/wrongo/storage/errs"
)

// Iterator replays WAL records in file order from the head of the
// log, stopping cleanly at the first corrupt or truncated record
// (torn-write tolerance).
type Iterator struct {
	f       *os.File
	buf     []byte
	readPos int
	err     error
}

// OpenIterator opens dir's WAL file read-only and positions the
// iterator to scan every record (recovery filters by LSN itself
// using each record's embedded LSN field). The WAL need not be
// otherwise open; this is safe to call standalone during open-time
// recovery before constructing a writable *WAL.
func OpenIterator(dir string) (*Iterator, error) {
	f, err := os.Open(logPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return &Iterator{}, nil
		}
		return nil, errs.New(errs.IO, "wal.OpenIterator", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, errs.New(errs.IO, "wal.OpenIterator", err)
	}
	return &Iterator{buf: data}, nil
}

// Next returns the next record, or (Record{}, false, nil) at clean
// end of log (including a torn tail). A non-nil error is fatal
// corruption (a bad CRC before any record has been returned).
func (it *Iterator) Next() (Record, bool, error) {
	if it.err != nil {
		return Record{}, false, it.err
	}
	if it.readPos >= len(it.buf) {
		return Record{}, false, nil
	}
	rec, consumed, err := decodeRecord(it.buf[it.readPos:])
	if err == errShortBuffer {
		// Torn tail: fewer bytes than the header/payload promised.
		// Treat as clean end of log.
		return Record{}, false, nil
	}
	if err == ErrRecordCorrupt {
		if it.readPos == 0 {
			it.err = errs.New(errs.Storage, "wal.recover", ErrRecordCorrupt)
			return Record{}, false, it.err
		}
		// Torn write in the tail: everything read so far is valid.
		return Record{}, false, nil
	}
	if err != nil {
		it.err = err
		return Record{}, false, err
	}
	it.readPos += consumed
	return rec, true, nil
}
