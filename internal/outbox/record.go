package outbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
)

// Record layout, little endian:
//
//	0   magic "OBX1"
//	4   format version
//	6   header size
//	8   event type, schema version, source, flags (uint16 each)
//	16  payload length
//	20  seq, ts event, ts recv, trace id (uint64 each)
//	52  crc32c of bytes 0..52
//	56  payload
//	    crc32c of header and payload
//
// The header crc lets a reader reject a damaged length before it trusts it.
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4

	headerCRCOffset = 52

	// maxAckPayload bounds an ack record, which only carries a seq.
	maxAckPayload = 64
)

var (
	recordMagic = [4]byte{'O', 'B', 'X', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("outbox: invalid magic")
	ErrUnsupportedRecordVer    = errors.New("outbox: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("outbox: invalid header size")
	ErrHeaderChecksum          = errors.New("outbox: header checksum mismatch")
	ErrUnknownRecordType       = errors.New("outbox: unknown record type")
	ErrMalformedAck            = errors.New("outbox: malformed ack record")
	ErrSeqRegression           = errors.New("outbox: seq does not increase")
)

// RecordError locates a record that could not be decoded. Seq and Type are
// zero when the header itself was unreadable.
type RecordError struct {
	Offset int64
	Seq    uint64
	Type   schema.EventType
	Err    error
}

func (e *RecordError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("outbox record at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("outbox record %s seq %d at offset %d: %v", e.Type, e.Seq, e.Offset, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

func encodeHeader(dst []byte, header schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(header.Type))
	binary.LittleEndian.PutUint16(dst[10:12], header.Version)
	binary.LittleEndian.PutUint16(dst[12:14], header.Source)
	binary.LittleEndian.PutUint16(dst[14:16], header.Flags)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[20:28], header.Seq)
	binary.LittleEndian.PutUint64(dst[28:36], uint64(header.TsEvent))
	binary.LittleEndian.PutUint64(dst[36:44], uint64(header.TsRecv))
	binary.LittleEndian.PutUint64(dst[44:52], header.TraceID)
	binary.LittleEndian.PutUint32(dst[headerCRCOffset:recordHeaderSize], crc32.Checksum(dst[:headerCRCOffset], crcTable))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeRecordHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	if crc32.Checksum(src[:headerCRCOffset], crcTable) != binary.LittleEndian.Uint32(src[headerCRCOffset:recordHeaderSize]) {
		return schema.EventHeader{}, 0, ErrHeaderChecksum
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	h := schema.EventHeader{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[8:10])),
		Version: binary.LittleEndian.Uint16(src[10:12]),
		Source:  binary.LittleEndian.Uint16(src[12:14]),
		Flags:   binary.LittleEndian.Uint16(src[14:16]),
		Seq:     binary.LittleEndian.Uint64(src[20:28]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[28:36])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[36:44])),
		TraceID: binary.LittleEndian.Uint64(src[44:52]),
	}
	payloadLen := binary.LittleEndian.Uint32(src[16:20])
	return h, payloadLen, validateRecord(h, payloadLen)
}

// validateRecord applies the rules of each record kind. Acks are never
// deliverable and only carry the acknowledged seq.
func validateRecord(h schema.EventHeader, payloadLen uint32) error {
	if !h.Type.Known() {
		return errors.Wrapf(ErrUnknownRecordType, "type: %d", uint16(h.Type))
	}
	if h.Type == schema.EventOutboxAck {
		if h.Flags&FlagDeliver != 0 {
			return errors.Wrap(ErrMalformedAck, "ack is flagged deliverable")
		}
		if payloadLen == 0 || payloadLen > maxAckPayload {
			return errors.Wrapf(ErrMalformedAck, "payload length: %d", payloadLen)
		}
	}
	return nil
}
