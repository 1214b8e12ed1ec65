// Package streamio implements the packet stream reader: it consumes an
// ordered byte stream (file or socket), resynchronises on the packet
// marker, extracts complete packets, reports dropped bytes, and supports
// byte-offset seeking (spec.md §4.4).
package streamio

import (
	"errors"
	"io"

	"github.com/filegrind/tes-scene/packet"
)

// Status is the outcome of a single ExtractPacket call.
type Status int

const (
	// StatusSuccess indicates a clean packet was extracted with no bytes dropped.
	StatusSuccess Status = iota
	// StatusDropped indicates a packet was extracted, but bytes were skipped before it.
	StatusDropped
	// StatusIncomplete indicates no complete packet is buffered yet: either no
	// marker has been found so far, or the packet after it is only partly read.
	StatusIncomplete
	// StatusEnd indicates the source is exhausted and no more packets are available.
	StatusEnd
	// StatusNoStream indicates no source has been configured.
	StatusNoStream
)

// Source is anything a Reader can pull bytes from and, optionally, seek.
// Network connections implement Read but not Seek; files implement both.
type Source interface {
	Read(p []byte) (int, error)
}

// Seeker is implemented by sources that support byte-offset seeking (files,
// not live sockets).
type Seeker interface {
	Seek(offset int64, whence int) (int64, error)
}

const initialChunkSize = 1024

// Extracted is the result of one ExtractPacket call.
type Extracted struct {
	View   *packet.View
	Status Status
	// Offset is the absolute stream byte position the packet's marker starts at.
	Offset int64
	// Dropped is the number of bytes skipped before this packet (0 for StatusSuccess).
	Dropped int
}

// Reader extracts complete packets from a byte stream, resynchronising on
// the marker whenever junk precedes a valid packet.
type Reader struct {
	source       Source
	ring         []byte
	anchorOffset int64
	chunkSize    int
	eof          bool
}

// NewReader wraps source for packet extraction.
func NewReader(source Source) *Reader {
	return &Reader{source: source, chunkSize: initialChunkSize}
}

// SetSource replaces the underlying source and clears buffered state.
func (r *Reader) SetSource(source Source) {
	r.source = source
	r.ring = nil
	r.anchorOffset = 0
	r.eof = false
}

func (r *Reader) readChunk() (int, error) {
	if r.source == nil {
		return 0, io.EOF
	}
	buf := make([]byte, r.chunkSize)
	n, err := r.source.Read(buf)
	if n > 0 {
		r.ring = append(r.ring, buf[:n]...)
	}
	return n, err
}

// ExtractPacket extracts the next complete packet from the stream. The
// returned View aliases the reader's internal ring buffer and is only
// valid until the next ExtractPacket or Seek call.
func (r *Reader) ExtractPacket() Extracted {
	if r.source == nil {
		return Extracted{Status: StatusNoStream}
	}

	// 1. Ensure enough bytes to at least attempt a scan.
	if len(r.ring) < packet.HeaderSize {
		if err := r.fill(packet.HeaderSize); err != nil && len(r.ring) == 0 {
			if errors.Is(err, io.ErrNoProgress) {
				return Extracted{Status: StatusIncomplete}
			}
			return Extracted{Status: StatusEnd}
		}
	}
	if len(r.ring) == 0 {
		return Extracted{Status: StatusEnd}
	}

	// 2. Scan for the marker, dropping any junk before it.
	markerIdx, found := r.scanMarker()
	if !found {
		// No marker anywhere in the ring. Keep only the last (markerSize-1)
		// bytes, since they could be a partial marker, and report the rest
		// as dropped. If the stream is at EOF, this is terminal.
		dropped := len(r.ring)
		keep := markerSize - 1
		if keep > dropped {
			keep = dropped
		}
		r.anchorOffset += int64(dropped - keep)
		r.ring = append([]byte(nil), r.ring[dropped-keep:]...)
		if r.eof {
			return Extracted{Status: StatusEnd, Dropped: dropped}
		}
		return Extracted{Status: StatusIncomplete, Dropped: dropped - keep}
	}

	dropped := markerIdx
	packetOffset := r.anchorOffset + int64(markerIdx)

	// 3. Ensure the header is fully buffered.
	if len(r.ring)-markerIdx < packet.HeaderSize {
		if err := r.fill(markerIdx + packet.HeaderSize); err != nil && len(r.ring)-markerIdx < packet.HeaderSize {
			return r.incomplete(dropped)
		}
	}

	h, err := packet.ParseHeader(r.ring[markerIdx:])
	if err != nil {
		return r.incomplete(dropped)
	}

	// 4. Ensure the whole packet is buffered.
	total := h.TotalSize()
	if len(r.ring)-markerIdx < total {
		if err := r.fill(markerIdx + total); err != nil && len(r.ring)-markerIdx < total {
			return r.incomplete(dropped)
		}
	}
	if len(r.ring)-markerIdx < total {
		return r.incomplete(dropped)
	}

	packetBytes := r.ring[markerIdx : markerIdx+total]
	view, verr := packet.NewView(packetBytes)

	// 6. Consume marker+packet from the ring for the next call.
	r.anchorOffset += int64(markerIdx + total)
	r.ring = append([]byte(nil), r.ring[markerIdx+total:]...)

	if verr != nil {
		// Treat as dropped bytes; resync continues on the next call.
		return Extracted{Status: StatusDropped, Dropped: dropped + total, Offset: packetOffset}
	}

	status := StatusSuccess
	if dropped > 0 {
		status = StatusDropped
	}
	return Extracted{View: view, Status: status, Offset: packetOffset, Dropped: dropped}
}

func (r *Reader) incomplete(dropped int) Extracted {
	if r.eof {
		return Extracted{Status: StatusEnd, Dropped: dropped}
	}
	return Extracted{Status: StatusIncomplete, Dropped: dropped}
}

const markerSize = 4

// scanMarker looks for the 4-byte marker anywhere in the ring, returning
// its index and true if found.
func (r *Reader) scanMarker() (int, bool) {
	for i := 0; i+markerSize <= len(r.ring); i++ {
		if r.ring[i] == byte(packet.Marker>>24) &&
			r.ring[i+1] == byte(packet.Marker>>16) &&
			r.ring[i+2] == byte(packet.Marker>>8) &&
			r.ring[i+3] == byte(packet.Marker) {
			return i, true
		}
	}
	return 0, false
}

// fill grows the ring to at least `want` bytes, reading chunks from the
// source until satisfied or the source is exhausted.
func (r *Reader) fill(want int) error {
	for len(r.ring) < want {
		n, err := r.readChunk()
		if n == 0 {
			if err != nil {
				if errors.Is(err, io.EOF) {
					r.eof = true
				}
				return err
			}
			return io.ErrNoProgress
		}
	}
	return nil
}

// Seek repositions the reader at an absolute stream byte offset, clearing
// all buffered state. The underlying source must implement Seeker.
func (r *Reader) Seek(offset int64) error {
	seeker, ok := r.source.(Seeker)
	if !ok {
		return errors.New("streamio: source does not support seeking")
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r.ring = nil
	r.anchorOffset = offset
	r.eof = false
	return nil
}

// Offset returns the absolute stream position of the next byte the reader
// will scan (i.e. the start of the buffered ring).
func (r *Reader) Offset() int64 { return r.anchorOffset }
