package collate

import (
	"bytes"
	"compress/gzip"

	"github.com/filegrind/tes-scene/packet"
)

// Encode assembles a collated packet carrying the concatenation of inner
// (already-finalised) packets, compressing it when level != CompressionNone.
func Encode(inner [][]byte, level CompressionLevel) ([]byte, error) {
	concatenated := make([]byte, 0, totalLen(inner))
	for _, p := range inner {
		concatenated = append(concatenated, p...)
	}

	w := packet.NewWriter(packet.RoutingCollated, 0)
	flags := uint8(0)
	body := concatenated
	if level != CompressionNone {
		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, level.gzipLevel())
		if err != nil {
			return nil, err
		}
		if _, err := gz.Write(concatenated); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		flags |= packet.CollatedFlagGZip
		body = buf.Bytes()
	}

	w.WriteUint8(flags)
	w.WriteUint8(0) // reserved
	w.WriteUint32(uint32(len(concatenated)))
	w.WriteBytes(body)

	return w.Finalise()
}

func totalLen(packets [][]byte) int {
	n := 0
	for _, p := range packets {
		n += len(p)
	}
	return n
}
