package packet

import (
	"fmt"

	"github.com/filegrind/tes-scene/wire"
)

// FramingErrorType discriminates packet-framing failures.
type FramingErrorType int

const (
	// FramingErrorBadMarker indicates the leading 4 bytes don't match Marker.
	FramingErrorBadMarker FramingErrorType = iota
	// FramingErrorCRCMismatch indicates the trailing CRC doesn't match the computed one.
	FramingErrorCRCMismatch
	// FramingErrorTooShort indicates fewer bytes were supplied than TotalSize() requires.
	FramingErrorTooShort
	// FramingErrorPayloadTooLarge indicates an assembled payload exceeds MaxPayloadSize.
	FramingErrorPayloadTooLarge
)

// FramingError reports a packet-framing failure.
type FramingError struct {
	Type    FramingErrorType
	Message string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("packet: %s", e.Message)
}

func newFramingError(t FramingErrorType, format string, args ...interface{}) error {
	return &FramingError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// ParseHeader decodes the fixed 16-byte header from the front of buf.
// buf must have at least HeaderSize bytes.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	marker, err := wire.ReadUint32(buf, 0)
	if err != nil {
		return h, err
	}
	versionMajor, err := wire.ReadUint16(buf, 4)
	if err != nil {
		return h, err
	}
	versionMinor, err := wire.ReadUint16(buf, 6)
	if err != nil {
		return h, err
	}
	routingID, err := wire.ReadUint16(buf, 8)
	if err != nil {
		return h, err
	}
	messageID, err := wire.ReadUint16(buf, 10)
	if err != nil {
		return h, err
	}
	payloadSize, err := wire.ReadUint16(buf, 12)
	if err != nil {
		return h, err
	}
	payloadOffset, err := wire.ReadUint8(buf, 14)
	if err != nil {
		return h, err
	}
	flags, err := wire.ReadUint8(buf, 15)
	if err != nil {
		return h, err
	}
	h = Header{
		Marker:        marker,
		VersionMajor:  versionMajor,
		VersionMinor:  versionMinor,
		RoutingID:     RoutingID(routingID),
		MessageID:     messageID,
		PayloadSize:   payloadSize,
		PayloadOffset: payloadOffset,
		Flags:         flags,
	}
	return h, nil
}

// putHeader encodes h into the front of buf, which must have at least HeaderSize bytes.
func putHeader(buf []byte, h Header) error {
	if err := wire.WriteUint32(buf, 0, h.Marker); err != nil {
		return err
	}
	if err := wire.WriteUint16(buf, 4, h.VersionMajor); err != nil {
		return err
	}
	if err := wire.WriteUint16(buf, 6, h.VersionMinor); err != nil {
		return err
	}
	if err := wire.WriteUint16(buf, 8, uint16(h.RoutingID)); err != nil {
		return err
	}
	if err := wire.WriteUint16(buf, 10, h.MessageID); err != nil {
		return err
	}
	if err := wire.WriteUint16(buf, 12, h.PayloadSize); err != nil {
		return err
	}
	if err := wire.WriteUint8(buf, 14, h.PayloadOffset); err != nil {
		return err
	}
	return wire.WriteUint8(buf, 15, h.Flags)
}

// View is a read-only, borrowed view over one complete packet: header,
// payload and optional CRC. The underlying bytes must outlive the view;
// View never copies them. It carries a cursor into the payload for
// sequential field decoding by handlers.
type View struct {
	buf    []byte
	header Header
	cursor int
}

// NewView parses buf as a single complete packet. buf must hold at least
// header.TotalSize() bytes; any bytes past that are ignored, and the View
// covers only the packet itself.
func NewView(buf []byte) (*View, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Marker != Marker {
		return nil, newFramingError(FramingErrorBadMarker, "bad marker 0x%08X", h.Marker)
	}
	if len(buf) < h.TotalSize() {
		return nil, newFramingError(FramingErrorTooShort, "have %d bytes, need %d", len(buf), h.TotalSize())
	}
	return &View{buf: buf[:h.TotalSize()], header: h}, nil
}

// Header returns the decoded header.
func (v *View) Header() Header { return v.header }

// Payload returns the payload bytes (aliasing the view's buffer).
func (v *View) Payload() []byte {
	start := HeaderSize + int(v.header.PayloadOffset)
	end := start + int(v.header.PayloadSize)
	return v.buf[start:end]
}

// Bytes returns the full packet span (header, payload and CRC if present).
func (v *View) Bytes() []byte { return v.buf }

// CRC returns the trailing CRC and true, or (0, false) if the packet has none.
func (v *View) CRC() (uint16, bool) {
	if !v.header.HasCRC() {
		return 0, false
	}
	off := len(v.buf) - CRCSize
	val, err := wire.ReadUint16(v.buf, off)
	if err != nil {
		return 0, false
	}
	return val, true
}

// Validate checks the CRC, if present, against header+payload. A no-CRC
// packet always validates.
func (v *View) Validate() error {
	stored, ok := v.CRC()
	if !ok {
		return nil
	}
	computed := wire.CRC16(v.buf[:len(v.buf)-CRCSize])
	if computed != stored {
		return newFramingError(FramingErrorCRCMismatch, "crc mismatch: stored 0x%04X computed 0x%04X", stored, computed)
	}
	return nil
}

// Seek repositions the payload cursor.
func (v *View) Seek(offset int) { v.cursor = offset }

// Cursor returns the current payload cursor position.
func (v *View) Cursor() int { return v.cursor }

// Remaining returns the number of unread payload bytes from the cursor.
func (v *View) Remaining() int { return len(v.Payload()) - v.cursor }

func (v *View) advance(n int) (int, error) {
	payload := v.Payload()
	if v.cursor+n > len(payload) {
		return 0, newFramingError(FramingErrorTooShort, "payload read past end: cursor %d, want %d, have %d", v.cursor, n, len(payload)-v.cursor)
	}
	start := v.cursor
	v.cursor += n
	return start, nil
}

// ReadUint8 reads one byte from the payload at the cursor.
func (v *View) ReadUint8() (uint8, error) {
	start, err := v.advance(1)
	if err != nil {
		return 0, err
	}
	return wire.ReadUint8(v.Payload(), start)
}

// ReadUint16 reads a big-endian uint16 from the payload at the cursor.
func (v *View) ReadUint16() (uint16, error) {
	start, err := v.advance(2)
	if err != nil {
		return 0, err
	}
	return wire.ReadUint16(v.Payload(), start)
}

// ReadUint32 reads a big-endian uint32 from the payload at the cursor.
func (v *View) ReadUint32() (uint32, error) {
	start, err := v.advance(4)
	if err != nil {
		return 0, err
	}
	return wire.ReadUint32(v.Payload(), start)
}

// ReadUint64 reads a big-endian uint64 from the payload at the cursor.
func (v *View) ReadUint64() (uint64, error) {
	start, err := v.advance(8)
	if err != nil {
		return 0, err
	}
	return wire.ReadUint64(v.Payload(), start)
}

// ReadFloat32 reads an IEEE-754 float32 from the payload at the cursor.
func (v *View) ReadFloat32() (float32, error) {
	start, err := v.advance(4)
	if err != nil {
		return 0, err
	}
	return wire.ReadFloat32(v.Payload(), start)
}

// ReadFloat64 reads an IEEE-754 float64 from the payload at the cursor.
func (v *View) ReadFloat64() (float64, error) {
	start, err := v.advance(8)
	if err != nil {
		return 0, err
	}
	return wire.ReadFloat64(v.Payload(), start)
}

// ReadBytes reads n bytes from the payload at the cursor (aliasing, no copy).
func (v *View) ReadBytes(n int) ([]byte, error) {
	start, err := v.advance(n)
	if err != nil {
		return nil, err
	}
	return wire.ReadBytes(v.Payload(), start, n)
}

// Writer builds a single outgoing packet. Payload fields are appended
// sequentially; Finalise() completes the header and, unless suppressed,
// appends the trailing CRC.
type Writer struct {
	header  Header
	payload []byte
	noCRC   bool
}

// NewWriter starts a packet writer for the given routing/message ids.
func NewWriter(routingID RoutingID, messageID uint16) *Writer {
	return &Writer{
		header: Header{
			Marker:       Marker,
			VersionMajor: VersionMajor,
			VersionMinor: VersionMinor,
			RoutingID:    routingID,
			MessageID:    messageID,
		},
	}
}

// SuppressCRC marks the packet as carrying no trailing CRC (FlagNoCRC).
func (w *Writer) SuppressCRC() *Writer {
	w.noCRC = true
	return w
}

func (w *Writer) grow(n int) []byte {
	start := len(w.payload)
	w.payload = append(w.payload, make([]byte, n)...)
	return w.payload[start : start+n]
}

// WriteUint8 appends a byte to the payload.
func (w *Writer) WriteUint8(v uint8) { _ = wire.WriteUint8(w.grow(1), 0, v) }

// WriteUint16 appends a big-endian uint16 to the payload.
func (w *Writer) WriteUint16(v uint16) { _ = wire.WriteUint16(w.grow(2), 0, v) }

// WriteUint32 appends a big-endian uint32 to the payload.
func (w *Writer) WriteUint32(v uint32) { _ = wire.WriteUint32(w.grow(4), 0, v) }

// WriteUint64 appends a big-endian uint64 to the payload.
func (w *Writer) WriteUint64(v uint64) { _ = wire.WriteUint64(w.grow(8), 0, v) }

// WriteFloat32 appends an IEEE-754 float32 to the payload.
func (w *Writer) WriteFloat32(v float32) { _ = wire.WriteFloat32(w.grow(4), 0, v) }

// WriteFloat64 appends an IEEE-754 float64 to the payload.
func (w *Writer) WriteFloat64(v float64) { _ = wire.WriteFloat64(w.grow(8), 0, v) }

// WriteBytes appends raw bytes to the payload.
func (w *Writer) WriteBytes(data []byte) { copy(w.grow(len(data)), data) }

// Len returns the number of payload bytes written so far.
func (w *Writer) Len() int { return len(w.payload) }

// Finalise assembles the complete packet: header, payload and (unless
// suppressed) a trailing CRC, asserting the total size fits the protocol's
// 16-bit payload-size field.
func (w *Writer) Finalise() ([]byte, error) {
	if err := wire.CheckRange16(len(w.payload)); err != nil {
		return nil, newFramingError(FramingErrorPayloadTooLarge, "payload of %d bytes exceeds %d", len(w.payload), MaxPayloadSize)
	}
	w.header.PayloadSize = uint16(len(w.payload))
	w.header.PayloadOffset = 0
	if w.noCRC {
		w.header.Flags |= FlagNoCRC
	} else {
		w.header.Flags &^= FlagNoCRC
	}

	buf := make([]byte, HeaderSize+len(w.payload))
	if err := putHeader(buf, w.header); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], w.payload)

	if w.noCRC {
		return buf, nil
	}
	crc := wire.CRC16(buf)
	out := make([]byte, len(buf)+CRCSize)
	copy(out, buf)
	_ = wire.WriteUint16(out, len(buf), crc)
	return out, nil
}
