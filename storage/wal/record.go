package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType tags a WAL record.
type RecordType byte

const (
	TypeBegin      RecordType = 1
	TypeUpdate     RecordType = 2
	TypeCommit     RecordType = 3
	TypeAbort      RecordType = 4
	TypeCheckpoint RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeUpdate:
		return "UPDATE"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Record header layout, little-endian:
//
//	offset 0  : type u8
//	offset 1  : reserved u8
//	offset 2  : payload_len u16
//	offset 4  : lsn u64
//	offset 12 : txn_id u64
//	offset 20 : payload_crc u32
//	offset 24 : reserved u64
//	offset 32 : payload
//
// Each record carries two CRCs: one over the payload alone and one
// over the full header-plus-payload. The second lives in the first 4
// bytes of the offset-24 reserved field, leaving the trailing 4 bytes
// genuinely reserved (zero).
const (
	recOffType       = 0
	recOffReserved1  = 1
	recOffPayloadLen = 2
	recOffLSN        = 4
	recOffTxnID      = 12
	recOffPayloadCRC = 20
	recOffFullCRC    = 24
	recOffReserved2  = 28
	RecordHeaderSize = 32
)

// Record is one decoded WAL entry.
type Record struct {
	Type    RecordType
	LSN     uint64
	TxnID   uint64
	Payload []byte
}

// Encode serializes r into a standalone header+payload buffer.
func (r Record) Encode() []byte {
	buf := make([]byte, RecordHeaderSize+len(r.Payload))
	buf[recOffType] = byte(r.Type)
	binary.LittleEndian.PutUint16(buf[recOffPayloadLen:], uint16(len(r.Payload)))
	binary.LittleEndian.PutUint64(buf[recOffLSN:], r.LSN)
	binary.LittleEndian.PutUint64(buf[recOffTxnID:], r.TxnID)
	copy(buf[RecordHeaderSize:], r.Payload)

	payloadCRC := crc32.ChecksumIEEE(r.Payload)
	binary.LittleEndian.PutUint32(buf[recOffPayloadCRC:], payloadCRC)

	fullCRC := crc32.ChecksumIEEE(buf[:recOffFullCRC])
	fullCRC = crc32.Update(fullCRC, crc32.IEEETable, buf[RecordHeaderSize:])
	binary.LittleEndian.PutUint32(buf[recOffFullCRC:], fullCRC)
	return buf
}

// decodeRecord parses one record from the front of buf, returning the
// record and the number of bytes consumed. errShortBuffer means "not
// enough bytes yet" (the caller should stop, not treat it as
// corruption); ErrRecordCorrupt means a CRC failed.
func decodeRecord(buf []byte) (rec Record, consumed int, err error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, errShortBuffer
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[recOffPayloadLen:]))
	total := RecordHeaderSize + payloadLen
	if len(buf) < total {
		return Record{}, 0, errShortBuffer
	}

	wantPayloadCRC := binary.LittleEndian.Uint32(buf[recOffPayloadCRC:])
	gotPayloadCRC := crc32.ChecksumIEEE(buf[RecordHeaderSize:total])
	if gotPayloadCRC != wantPayloadCRC {
		return Record{}, total, ErrRecordCorrupt
	}

	wantFullCRC := binary.LittleEndian.Uint32(buf[recOffFullCRC:])
	gotFullCRC := crc32.ChecksumIEEE(buf[:recOffFullCRC])
	gotFullCRC = crc32.Update(gotFullCRC, crc32.IEEETable, buf[RecordHeaderSize:total])
	if gotFullCRC != wantFullCRC {
		return Record{}, total, ErrRecordCorrupt
	}

	rec = Record{
		Type:    RecordType(buf[recOffType]),
		LSN:     binary.LittleEndian.Uint64(buf[recOffLSN:]),
		TxnID:   binary.LittleEndian.Uint64(buf[recOffTxnID:]),
		Payload: append([]byte(nil), buf[RecordHeaderSize:total]...),
	}
	return rec, total, nil
}

// UpdatePayload is the decoded body of a TypeUpdate record.
type UpdatePayload struct {
	TableID  uint32
	Key      []byte
	HasValue bool
	Value    []byte
}

// EncodeUpdatePayload serializes an update payload: table-id(u32),
// key length(u32), key bytes, value-presence flag, value length(u32),
// value bytes.
func EncodeUpdatePayload(p UpdatePayload) []byte {
	size := 4 + 4 + len(p.Key) + 1 + 4 + len(p.Value)
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], p.TableID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Key)))
	off += 4
	copy(buf[off:], p.Key)
	off += len(p.Key)
	if p.HasValue {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Value)))
	off += 4
	copy(buf[off:], p.Value)
	return buf
}

// DecodeUpdatePayload parses an update record's payload.
func DecodeUpdatePayload(buf []byte) (UpdatePayload, error) {
	if len(buf) < 9 {
		return UpdatePayload{}, fmt.Errorf("wal: update payload too short")
	}
	off := 0
	tableID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+keyLen+1+4 > len(buf) {
		return UpdatePayload{}, fmt.Errorf("wal: update payload truncated (key)")
	}
	key := append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	hasValue := buf[off] == 1
	off++
	valLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+valLen > len(buf) {
		return UpdatePayload{}, fmt.Errorf("wal: update payload truncated (value)")
	}
	val := append([]byte(nil), buf[off:off+valLen]...)
	return UpdatePayload{TableID: tableID, Key: key, HasValue: hasValue, Value: val}, nil
}

// EncodeCheckpointPayload serializes the new durable root block id.
func EncodeCheckpointPayload(rootID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, rootID)
	return buf
}

// DecodeCheckpointPayload parses a checkpoint record's payload.
func DecodeCheckpointPayload(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("wal: checkpoint payload too short")
	}
	return binary.LittleEndian.Uint64(buf), nil
}
