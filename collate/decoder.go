// Package collate implements the collated-packet container: a packet whose
// payload holds one or more complete inner packets, optionally GZIP
// compressed (spec.md §3.2, §4.3).
package collate

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/wire"
)

// CompressionLevel selects the GZIP compression level used by Encode,
// supplementing the spec's binary gzip-on/off flag with the level knob the
// original implementation exposes in CompressionLevel.h.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	CompressionFast
	CompressionDefault
	CompressionBest
)

func (c CompressionLevel) gzipLevel() int {
	switch c {
	case CompressionFast:
		return gzip.BestSpeed
	case CompressionBest:
		return gzip.BestCompression
	case CompressionDefault:
		return gzip.DefaultCompression
	default:
		return gzip.NoCompression
	}
}

// DecodeError reports a failure unwrapping a collated packet.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("collate: %s", e.Message) }

// Decoder unwraps a collated packet into its inner packets, in order. A
// non-collated source is yielded once, unchanged. Collated packets must not
// nest: if a collated source's inner stream itself begins with a COLLATED
// routing id, it is refused.
type Decoder struct {
	single   *packet.View
	yielded  bool
	isCollated bool
	buf      []byte
	cursor   int
}

// Set installs p as the current source. For a collated packet the payload
// is decompressed (if the gzip flag is set) and the cursor reset; otherwise
// p becomes the single item Next() will yield once.
func (d *Decoder) Set(p *packet.View) error {
	d.single = nil
	d.yielded = false
	d.isCollated = false
	d.buf = nil
	d.cursor = 0

	if p.Header().RoutingID != packet.RoutingCollated {
		d.single = p
		return nil
	}

	payload := p.Payload()
	if len(payload) < packet.CollatedHeaderSize {
		return &DecodeError{Message: "collated payload shorter than its header"}
	}
	flags := payload[0]
	uncompressedSize, err := wire.ReadUint32(payload, 2)
	if err != nil {
		return &DecodeError{Message: "truncated collated header"}
	}
	body := payload[packet.CollatedHeaderSize:]

	if flags&packet.CollatedFlagGZip != 0 {
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return &DecodeError{Message: fmt.Sprintf("gzip: %v", err)}
		}
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return &DecodeError{Message: fmt.Sprintf("gzip: %v", err)}
		}
		body = decompressed
	}

	if uint32(len(body)) != uncompressedSize {
		return &DecodeError{Message: fmt.Sprintf("uncompressed size mismatch: header says %d, got %d", uncompressedSize, len(body))}
	}

	d.isCollated = true
	d.buf = body
	return nil
}

// Next returns the next inner packet, or (nil, nil) when the source is
// exhausted. A corrupted inner marker terminates iteration for the current
// collated packet — it does not return an error, and does not affect the
// outer reader's position.
func (d *Decoder) Next() (*packet.View, error) {
	if !d.isCollated {
		if d.single == nil || d.yielded {
			return nil, nil
		}
		d.yielded = true
		return d.single, nil
	}

	if d.cursor >= len(d.buf) {
		return nil, nil
	}

	remaining := d.buf[d.cursor:]
	h, err := packet.ParseHeader(remaining)
	if err != nil || h.Marker != packet.Marker {
		d.cursor = len(d.buf)
		return nil, nil
	}
	if h.RoutingID == packet.RoutingCollated {
		// Collated packets must not nest; treat as corrupt and stop.
		d.cursor = len(d.buf)
		return nil, nil
	}
	total := h.TotalSize()
	if total > len(remaining) {
		d.cursor = len(d.buf)
		return nil, nil
	}

	view, err := packet.NewView(remaining[:total])
	if err != nil {
		d.cursor = len(d.buf)
		return nil, nil
	}
	d.cursor += total
	return view, nil
}

