package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"

	natomic "github.com/natefinch/atomic"
)

// The WAL carries a 512-byte superblock: magic, version, page size
// (informational), creation timestamp, last durable LSN, last
// checkpoint LSN, header CRC.
const (
	superblockSize = 512

	sbOffMagic             = 0
	sbOffVersion           = 4
	sbOffPageSize          = 8
	sbOffCreatedAtUnixNano = 16
	sbOffLastDurableLSN    = 24
	sbOffLastCheckpointLSN = 32
	sbOffCRC               = 40
	sbFixedSize            = sbOffCRC + 4
)

const walMagic = "WLOG"
const walVersion = 1

type superblock struct {
	pageSize          uint32
	createdAtUnixNano uint64
	lastDurableLSN    uint64
	lastCheckpointLSN uint64
}

func (s superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf[sbOffMagic:], walMagic)
	binary.LittleEndian.PutUint16(buf[sbOffVersion:], walVersion)
	binary.LittleEndian.PutUint32(buf[sbOffPageSize:], s.pageSize)
	binary.LittleEndian.PutUint64(buf[sbOffCreatedAtUnixNano:], s.createdAtUnixNano)
	binary.LittleEndian.PutUint64(buf[sbOffLastDurableLSN:], s.lastDurableLSN)
	binary.LittleEndian.PutUint64(buf[sbOffLastCheckpointLSN:], s.lastCheckpointLSN)
	crc := crc32.ChecksumIEEE(buf[:sbOffCRC])
	binary.LittleEndian.PutUint32(buf[sbOffCRC:], crc)
	return buf
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < superblockSize {
		return superblock{}, errShortBuffer
	}
	if string(buf[sbOffMagic:sbOffMagic+4]) != walMagic {
		return superblock{}, ErrSuperblockCorrupt
	}
	wantCRC := binary.LittleEndian.Uint32(buf[sbOffCRC:])
	gotCRC := crc32.ChecksumIEEE(buf[:sbOffCRC])
	if wantCRC != gotCRC {
		return superblock{}, ErrSuperblockCorrupt
	}
	return superblock{
		pageSize:          binary.LittleEndian.Uint32(buf[sbOffPageSize:]),
		createdAtUnixNano: binary.LittleEndian.Uint64(buf[sbOffCreatedAtUnixNano:]),
		lastDurableLSN:    binary.LittleEndian.Uint64(buf[sbOffLastDurableLSN:]),
		lastCheckpointLSN: binary.LittleEndian.Uint64(buf[sbOffLastCheckpointLSN:]),
	}, nil
}

// writeSuperblockAtomic replaces the superblock in place using
// natefinch/atomic's write-then-rename, so a crash mid-write never
// leaves a torn superblock: the rename either lands the whole new
// block or the old one stays.
//
// The WAL superblock lives in its own small file (wrongo.wal.superblock)
// rather than as the first 512 bytes of the append-only log file,
// precisely so it can be atomically replaced by a rename without
// truncating or reopening the log itself.
func writeSuperblockAtomic(path string, sb superblock) error {
	data := sb.encode()
	return natomic.WriteFile(path, bytes.NewReader(data))
}

func readSuperblockFile(path string) (superblock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return superblock{}, err
	}
	return decodeSuperblock(data)
}
