package eventlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// headerSize is the fixed on-disk record header:
// {event_id:u64, sequence:u64, timestamp:i64, prev_crc:u32, crc32:u32,
// agg_len:u32, type_len:u32, payload_len:u32}, padded with four reserved
// bytes to round out to 48 bytes for alignment.
const headerSize = 48

// Event is a single immutable record in a per-aggregate write-ahead log.
// Sequence numbers are gap-free per aggregate, starting at 0.
type Event struct {
	EventID   uint64
	Sequence  uint64
	Aggregate string
	Type      string
	Payload   []byte
	Timestamp int64 // milliseconds since epoch
	PrevCRC   uint32
	CRC       uint32
}

// encode serializes e to its wire format: the 48-byte header followed by
// aggregate, type, and payload bytes concatenated. The CRC field covers every
// preceding field, i.e. everything except itself.
func (e *Event) encode() []byte {
	agg := []byte(e.Aggregate)
	typ := []byte(e.Type)

	buf := make([]byte, headerSize+len(agg)+len(typ)+len(e.Payload))
	writeHeader(buf, e, uint32(len(agg)), uint32(len(typ)), uint32(len(e.Payload)))
	off := headerSize
	off += copy(buf[off:], agg)
	off += copy(buf[off:], typ)
	copy(buf[off:], e.Payload)
	return buf
}

func writeHeader(buf []byte, e *Event, aggLen, typeLen, payloadLen uint32) {
	binary.LittleEndian.PutUint64(buf[0:8], e.EventID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Timestamp))
	binary.LittleEndian.PutUint32(buf[24:28], e.PrevCRC)
	binary.LittleEndian.PutUint32(buf[28:32], e.CRC)
	binary.LittleEndian.PutUint32(buf[32:36], aggLen)
	binary.LittleEndian.PutUint32(buf[36:40], typeLen)
	binary.LittleEndian.PutUint32(buf[40:44], payloadLen)
	// bytes [44:48] are reserved and stay zero.
}

// checksum computes the CRC32 (IEEE) over the encoded record with the four
// crc32 bytes left out: a self checksum over every other field, including
// the predecessor's checksum.
func checksum(e *Event) uint32 {
	zeroed := *e
	zeroed.CRC = 0
	buf := zeroed.encode()
	// Exclude the crc32 field itself (bytes [28:32]) from the hashed region.
	h := crc32.NewIEEE()
	h.Write(buf[0:28])
	h.Write(buf[32:])
	return h.Sum32()
}

// decodeRecord reads exactly one record from r. io.EOF means the reader was
// already exhausted at a record boundary (clean end). Any other error,
// including a short read mid-header or mid-payload, signals a torn write and
// the caller should stop scanning (the record is incomplete, not corrupt).
func decodeRecord(r io.Reader) (*Event, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	e := &Event{
		EventID:   binary.LittleEndian.Uint64(header[0:8]),
		Sequence:  binary.LittleEndian.Uint64(header[8:16]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[16:24])),
		PrevCRC:   binary.LittleEndian.Uint32(header[24:28]),
		CRC:       binary.LittleEndian.Uint32(header[28:32]),
	}
	aggLen := binary.LittleEndian.Uint32(header[32:36])
	typeLen := binary.LittleEndian.Uint32(header[36:40])
	payloadLen := binary.LittleEndian.Uint32(header[40:44])

	rest := make([]byte, int(aggLen)+int(typeLen)+int(payloadLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	e.Aggregate = string(rest[0:aggLen])
	e.Type = string(rest[aggLen : aggLen+typeLen])
	e.Payload = append([]byte(nil), rest[aggLen+typeLen:]...)
	return e, nil
}

// verifyChecksum reports whether e's self checksum matches its content.
func verifyChecksum(e *Event) bool {
	return checksum(e) == e.CRC
}

// encodedSize returns the on-disk size of e without allocating the encoding,
// used by the segment writer to decide when to rotate.
func encodedSize(e *Event) int64 {
	return int64(headerSize + len(e.Aggregate) + len(e.Type) + len(e.Payload))
}
