package outbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/codec"
	"predmkt/internal/schema"
)

// FlagDeliver marks an entry that a consumer must process and acknowledge.
const FlagDeliver uint16 = 1 << 0

var (
	ErrClosed          = errors.New("outbox: closed")
	ErrPayloadTooLarge = errors.New("outbox: payload too large")
	ErrBroken          = errors.New("outbox: writer broken by an earlier failure")
)

const maxPayloadLen = uint64(^uint32(0))

// Entry is one durable record.
type Entry struct {
	Header  schema.EventHeader
	Payload []byte
}

// Seq returns the position of the entry in the outbox.
func (e Entry) Seq() uint64 { return e.Header.Seq }

// Outbox is a segmented append-only journal. Append returns only after the
// record is flushed and synced, so anything acknowledged to a caller
// survives a crash. Entries flagged with FlagDeliver stay pending until
// acknowledged with Ack, including across restarts.
type Outbox struct {
	cfg Config

	mu        sync.Mutex
	seg       *segmentWriter
	segID     uint64
	seq       uint64
	headerBuf []byte
	pending   map[uint64]Entry
	broken    error
	closed    bool

	notify chan struct{}
}

// Open scans existing segments, repairs a torn tail left by a crash and
// rebuilds the pending set.
func Open(cfg Config) (*Outbox, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create outbox dir")
	}
	o := &Outbox{
		cfg:       cfg,
		headerBuf: make([]byte, recordHeaderSize),
		pending:   make(map[uint64]Entry),
		notify:    make(chan struct{}, 1),
	}
	if err := o.scan(); err != nil {
		return nil, err
	}
	if len(o.pending) > 0 {
		logs.Infof("outbox opened, seq: %d, pending: %d", o.seq, len(o.pending))
		o.signal()
	}
	return o, nil
}

func (o *Outbox) scan() error {
	files, err := listSegments(o.cfg.Dir, o.cfg.FilePrefix)
	if err != nil {
		return errors.Wrap(err, "list outbox segments")
	}
	for i, path := range files {
		if id := segmentIndex(filepath.Base(path), o.cfg.FilePrefix); id > o.segID {
			o.segID = id
		}
		if err := o.scanFile(path, i == len(files)-1); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) scanFile(path string, last bool) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open segment %s", path)
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{})
	for {
		header, payload, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !last || !isTornTail(err) {
				return errors.Wrapf(err, "read segment %s", path)
			}
			logs.Warnf("outbox: truncating torn tail, file: %s, offset: %d, err: %+v", path, reader.Offset(), err)
			if err := os.Truncate(path, reader.Offset()); err != nil {
				return errors.Wrapf(err, "truncate segment %s", path)
			}
			return nil
		}
		o.track(header, payload)
	}
}

// track updates seq and the pending set for one decoded record.
func (o *Outbox) track(header schema.EventHeader, payload []byte) {
	if header.Seq > o.seq {
		o.seq = header.Seq
	}
	switch {
	case header.Type == schema.EventOutboxAck:
		ack, err := codec.DecodeOutboxAck(payload)
		if err != nil {
			logs.Errorf("outbox: decode ack, seq: %d, err: %+v", header.Seq, err)
			return
		}
		delete(o.pending, ack.Seq)
	case header.Flags&FlagDeliver != 0:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		o.pending[header.Seq] = Entry{Header: header, Payload: cp}
	}
}

// Append journals an event and returns its sequence number. The header's
// Seq and TsRecv are assigned here.
func (o *Outbox) Append(header schema.EventHeader, payload []byte) (uint64, error) {
	if uint64(len(payload)) > maxPayloadLen {
		return 0, ErrPayloadTooLarge
	}
	if err := validateRecord(header, uint32(len(payload))); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	seq, err := o.appendLocked(header, payload)
	if err != nil {
		return 0, err
	}
	if header.Flags&FlagDeliver != 0 {
		o.signal()
	}
	return seq, nil
}

// Ack marks a delivered entry as processed. Acking an unknown or already
// acknowledged seq is a no-op.
func (o *Outbox) Ack(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.pending[seq]; !ok {
		return nil
	}
	payload, err := codec.EncodeOutboxAck(schema.OutboxAck{Seq: seq})
	if err != nil {
		return err
	}
	header := schema.EventHeader{Type: schema.EventOutboxAck, Version: schema.SchemaVersion}
	_, err = o.appendLocked(header, payload)
	return err
}

func (o *Outbox) appendLocked(header schema.EventHeader, payload []byte) (uint64, error) {
	if o.closed {
		return 0, ErrClosed
	}
	if o.broken != nil {
		return 0, errors.Wrap(ErrBroken, o.broken.Error())
	}

	now := time.Now().UTC()
	header.Seq = o.seq + 1
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	if header.TsEvent == 0 {
		header.TsEvent = now.UnixNano()
	}
	header.TsRecv = now.UnixNano()

	if err := o.writeRecord(header, payload, now); err != nil {
		o.broken = err
		return 0, errors.Wrap(err, "append outbox record")
	}
	o.seq = header.Seq
	o.track(header, payload)
	return header.Seq, nil
}

func (o *Outbox) writeRecord(header schema.EventHeader, payload []byte, now time.Time) error {
	recordSize := int64(recordHeaderSize + len(payload) + recordChecksumSize)
	if o.shouldRotate(now, recordSize) {
		if err := closeSegment(o.seg); err != nil {
			return err
		}
		o.seg = nil
		seg, err := o.openSegment(now)
		if err != nil {
			return err
		}
		o.seg = seg
	}

	encodeHeader(o.headerBuf, header, len(payload))
	var checksumBuf [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(checksumBuf[:], checksum(o.headerBuf, payload))

	if _, err := o.seg.buf.Write(o.headerBuf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := o.seg.buf.Write(payload); err != nil {
			return err
		}
	}
	if _, err := o.seg.buf.Write(checksumBuf[:]); err != nil {
		return err
	}
	if err := o.seg.buf.Flush(); err != nil {
		return err
	}
	if !o.cfg.NoSync {
		if err := o.seg.file.Sync(); err != nil {
			return err
		}
	}
	o.seg.size += recordSize
	return nil
}

func (o *Outbox) shouldRotate(now time.Time, nextSize int64) bool {
	if o.seg == nil {
		return true
	}
	if o.cfg.SegmentMaxBytes > 0 && o.seg.size+nextSize > o.cfg.SegmentMaxBytes {
		return true
	}
	if o.cfg.SegmentMaxDuration > 0 && now.Sub(o.seg.openedAt) >= o.cfg.SegmentMaxDuration {
		return true
	}
	return false
}

// openSegment names segments by a zero-padded counter so lexical order is
// append order across restarts.
func (o *Outbox) openSegment(now time.Time) (*segmentWriter, error) {
	for {
		o.segID++
		name := fmt.Sprintf("%s-%010d-%s.obx", o.cfg.FilePrefix, o.segID, now.Format("20060102T150405"))
		path := filepath.Join(o.cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, err
		}
		return &segmentWriter{
			file:     file,
			buf:      bufio.NewWriterSize(file, o.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

func segmentIndex(name, prefix string) uint64 {
	rest := strings.TrimPrefix(name, prefix+"-")
	if len(rest) < 10 {
		return 0
	}
	id, err := strconv.ParseUint(rest[:10], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func closeSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Notify fires after new deliverable entries are appended.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Pending returns unacknowledged deliverable entries ordered by seq.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.pending))
	for _, e := range o.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.Seq < out[j].Header.Seq })
	return out
}

// PendingCount returns the number of unacknowledged deliverable entries.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Seq returns the last assigned sequence number.
func (o *Outbox) Seq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

// Replay walks every record with Seq > afterSeq in append order.
func (o *Outbox) Replay(ctx context.Context, afterSeq uint64, handler func(schema.EventHeader, []byte) error) error {
	p, err := NewPlayback(PlaybackConfig{
		Dir:        o.cfg.Dir,
		FilePrefix: o.cfg.FilePrefix,
		AfterSeq:   afterSeq,
	})
	if err != nil {
		return err
	}
	return p.Run(ctx, handler)
}

// Close flushes and syncs the open segment.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	err := closeSegment(o.seg)
	o.seg = nil
	return err
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}
