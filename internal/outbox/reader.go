package outbox

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
)

var ErrChecksumMismatch = errors.New("outbox: checksum mismatch")

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes the records of one segment in order. Every failure other
// than a clean io.EOF is a *RecordError pointing at the offending record.
type Reader struct {
	r         *bufio.Reader
	opts      ReaderOptions
	headerBuf []byte
	payload   []byte
	offset    int64
	lastSeq   uint64
}

// NewReader wraps an io.Reader with record decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		opts:      opts,
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Offset is the byte offset just past the last record returned by Next.
func (r *Reader) Offset() int64 {
	return r.offset
}

// LastSeq is the seq of the last record returned by Next.
func (r *Reader) LastSeq() uint64 {
	return r.lastSeq
}

// Next returns the next record header and payload.
// The payload is only valid until the next call to Next.
// A record cut short by a crash surfaces as io.ErrUnexpectedEOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, r.fail(schema.EventHeader{}, io.ErrUnexpectedEOF)
	}

	header, payloadLen, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return header, nil, r.fail(header, err)
	}
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return header, nil, r.fail(header, ErrPayloadTooLarge)
	}
	if r.lastSeq > 0 && header.Seq <= r.lastSeq {
		return header, nil, r.fail(header, errors.Wrapf(ErrSeqRegression, "previous: %d", r.lastSeq))
	}

	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return header, nil, r.fail(header, io.ErrUnexpectedEOF)
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return header, nil, r.fail(header, io.ErrUnexpectedEOF)
	}
	if !r.opts.DisableChecksum {
		if sum := checksum(r.headerBuf, r.payload); sum != binary.LittleEndian.Uint32(checksumBuf[:]) {
			return header, nil, r.fail(header, ErrChecksumMismatch)
		}
	}

	r.offset += int64(recordHeaderSize) + int64(payloadLen) + recordChecksumSize
	r.lastSeq = header.Seq
	return header, r.payload, nil
}

func (r *Reader) fail(header schema.EventHeader, err error) error {
	return &RecordError{Offset: r.offset, Seq: header.Seq, Type: header.Type, Err: err}
}

// isTornTail reports whether a decode failure looks like a record that a
// crash left half written.
func isTornTail(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrHeaderChecksum)
}
