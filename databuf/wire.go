package databuf

import (
	"math"

	"github.com/filegrind/tes-scene/packet"
)

// headerSize is the fixed size, in bytes, of the { offset, count,
// componentCount, asType } header written ahead of every DataBuffer payload.
const headerSize = 4 + 4 + 1 + 1

// packedIntRange is the integer half-range used when deriving a quantum.
// Origin is chosen as each component's midpoint so the packed integer stays
// within [-packedIntRange, packedIntRange].
func packedIntRange(asType PrimitiveType) float64 {
	if asType == PackedFloat16 {
		return float64(math.MaxInt16)
	}
	return float64(math.MaxInt32)
}

// WriteTo appends { offset, count, componentCount, asType } followed by
// count*componentCount elements (starting at element `offset`) encoded as
// asType, choosing count to fit byteLimit. It returns the number of elements
// written. For a packed asType it additionally emits one float32 origin per
// component and a single shared float32 quantum ahead of the packed
// integers, per spec.md §4.5.
func (db *DataBuffer) WriteTo(w *packet.Writer, offset int, asType PrimitiveType, byteLimit, receiveOffset int) (uint32, error) {
	if offset < 0 || offset > db.length {
		return 0, &Error{Message: "write offset out of range"}
	}
	available := db.length - offset
	elemSize := asType.byteSize()
	if elemSize == 0 {
		return 0, &Error{Message: asType.String() + " has no wire encoding"}
	}
	perElement := db.componentCount * elemSize

	overhead := headerSize
	if asType.packed() {
		overhead += db.componentCount*4 + 4
	}
	budget := byteLimit - overhead
	if budget < 0 {
		return 0, &Error{Message: "byte limit too small for a DataBuffer header"}
	}
	count := budget / perElement
	if count > available {
		count = available
	}
	if count < 0 {
		count = 0
	}

	w.WriteUint32(uint32(offset + receiveOffset))
	w.WriteUint32(uint32(count))
	w.WriteUint8(uint8(db.componentCount))
	w.WriteUint8(uint8(asType))

	if count == 0 {
		return 0, nil
	}

	if asType.packed() {
		origin := make([]float64, db.componentCount)
		spread := make([]float64, db.componentCount)
		for c := 0; c < db.componentCount; c++ {
			min, max := db.data[offset*db.elementStride+c], db.data[offset*db.elementStride+c]
			for e := offset; e < offset+count; e++ {
				v := db.data[e*db.elementStride+c]
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			origin[c] = (min + max) / 2
			spread[c] = max - min
		}
		maxSpread := 0.0
		for _, s := range spread {
			if s > maxSpread {
				maxSpread = s
			}
		}
		quantum := maxSpread / (2 * packedIntRange(asType))
		if quantum == 0 {
			quantum = 1
		}
		for c := 0; c < db.componentCount; c++ {
			w.WriteFloat32(float32(origin[c]))
		}
		w.WriteFloat32(float32(quantum))

		for e := offset; e < offset+count; e++ {
			for c := 0; c < db.componentCount; c++ {
				v := db.data[e*db.elementStride+c]
				packed := math.Round((v - origin[c]) / quantum)
				if asType == PackedFloat16 {
					w.WriteUint16(uint16(int16(packed)))
				} else {
					w.WriteUint32(uint32(int32(packed)))
				}
			}
		}
		return uint32(count), nil
	}

	for e := offset; e < offset+count; e++ {
		for c := 0; c < db.componentCount; c++ {
			encodeScalar(w, asType, db.data[e*db.elementStride+c])
		}
	}
	return uint32(count), nil
}

func encodeScalar(w *packet.Writer, asType PrimitiveType, v float64) {
	switch asType {
	case Int8:
		w.WriteUint8(uint8(int8(v)))
	case UInt8:
		w.WriteUint8(uint8(v))
	case Int16:
		w.WriteUint16(uint16(int16(v)))
	case UInt16:
		w.WriteUint16(uint16(v))
	case Int32:
		w.WriteUint32(uint32(int32(v)))
	case UInt32:
		w.WriteUint32(uint32(v))
	case Int64:
		w.WriteUint64(uint64(int64(v)))
	case UInt64:
		w.WriteUint64(uint64(v))
	case Float32:
		w.WriteFloat32(float32(v))
	case Float64:
		w.WriteFloat64(v)
	}
}

func decodeScalar(v *packet.View, asType PrimitiveType) (float64, error) {
	switch asType {
	case Int8:
		u, err := v.ReadUint8()
		return float64(int8(u)), err
	case UInt8:
		u, err := v.ReadUint8()
		return float64(u), err
	case Int16:
		u, err := v.ReadUint16()
		return float64(int16(u)), err
	case UInt16:
		u, err := v.ReadUint16()
		return float64(u), err
	case Int32:
		u, err := v.ReadUint32()
		return float64(int32(u)), err
	case UInt32:
		u, err := v.ReadUint32()
		return float64(u), err
	case Int64:
		u, err := v.ReadUint64()
		return float64(int64(u)), err
	case UInt64:
		u, err := v.ReadUint64()
		return float64(u), err
	case Float32:
		f, err := v.ReadFloat32()
		return float64(f), err
	case Float64:
		return v.ReadFloat64()
	default:
		return 0, &Error{Message: asType.String() + " has no wire decoding"}
	}
}

// ReadFrom decodes a DataBuffer payload previously produced by WriteTo,
// growing the buffer if it owns its storage and the incoming range exceeds
// its current length. Resizing a borrowed buffer is an error. The wire
// component count must match this buffer's component count.
func (db *DataBuffer) ReadFrom(v *packet.View) (uint32, error) {
	offset, err := v.ReadUint32()
	if err != nil {
		return 0, err
	}
	count, err := v.ReadUint32()
	if err != nil {
		return 0, err
	}
	wireComponents, err := v.ReadUint8()
	if err != nil {
		return 0, err
	}
	if int(wireComponents) != db.componentCount {
		return 0, &Error{Message: "component count on the wire does not match the buffer"}
	}
	asTypeRaw, err := v.ReadUint8()
	if err != nil {
		return 0, err
	}
	asType := PrimitiveType(asTypeRaw)

	need := int(offset) + int(count)
	if need > db.length {
		if err := db.resize(need); err != nil {
			return 0, err
		}
	}

	if count == 0 {
		return 0, nil
	}

	var origin []float64
	var quantum float64
	if asType.packed() {
		origin = make([]float64, db.componentCount)
		for c := 0; c < db.componentCount; c++ {
			f, err := v.ReadFloat32()
			if err != nil {
				return 0, err
			}
			origin[c] = float64(f)
		}
		q, err := v.ReadFloat32()
		if err != nil {
			return 0, err
		}
		quantum = float64(q)
	}

	for e := int(offset); e < int(offset)+int(count); e++ {
		for c := 0; c < db.componentCount; c++ {
			var value float64
			if asType.packed() {
				var raw int64
				if asType == PackedFloat16 {
					u, err := v.ReadUint16()
					if err != nil {
						return 0, err
					}
					raw = int64(int16(u))
				} else {
					u, err := v.ReadUint32()
					if err != nil {
						return 0, err
					}
					raw = int64(int32(u))
				}
				value = origin[c] + float64(raw)*quantum
			} else {
				var err error
				value, err = decodeScalar(v, asType)
				if err != nil {
					return 0, err
				}
			}
			if err := Set(db, e, c, value); err != nil {
				return 0, err
			}
		}
	}
	return count, nil
}
