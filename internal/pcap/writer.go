// Package pcap writes classic libpcap capture streams.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Common link-layer (DLT) identifiers used in pcap global headers.
// The values match the tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
)

const (
	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16
)

var (
	// ErrHeaderAlreadyWritten indicates the global header has already been
	// emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the global header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
)

// CaptureInfo describes metadata associated with a captured packet.
// Timestamp uses microsecond resolution when serialized into the pcap record.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits classic libpcap-formatted streams. It is safe for concurrent
// use; each record is written with a single call to the underlying writer.
type Writer struct {
	mu            sync.Mutex
	w             io.Writer
	headerWritten bool
	snapLen       uint32
	buf           []byte
}

// NewWriter wraps the supplied io.Writer. The caller must invoke WriteFileHeader
// once before any packets are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header. It must be called
// exactly once per Writer instance before WritePacket is used.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WriteFrame records a whole frame seen at ts.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	return w.WritePacket(CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// WritePacket appends a captured packet record to the stream. Data beyond
// the snap length is cut off; the record keeps the original length.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	switch {
	case ci.CaptureLength < 0:
		return fmt.Errorf("pcap: negative capture length %d", ci.CaptureLength)
	case ci.Length < 0:
		return fmt.Errorf("pcap: negative original length %d", ci.Length)
	case ci.CaptureLength > len(data):
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	case ci.Length > math.MaxUint32:
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}
	capLen := ci.CaptureLength
	if w.snapLen != 0 && uint32(capLen) > w.snapLen {
		capLen = int(w.snapLen)
	}
	if ci.Length < capLen {
		ci.Length = capLen
	}

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	rec := w.buf[:0]
	rec = binary.LittleEndian.AppendUint32(rec, tsSec)
	rec = binary.LittleEndian.AppendUint32(rec, tsUsec)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(capLen))
	rec = binary.LittleEndian.AppendUint32(rec, uint32(ci.Length))
	rec = append(rec, data[:capLen]...)
	w.buf = rec

	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("pcap: write record: %w", err)
	}
	return nil
}
