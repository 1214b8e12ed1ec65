// Package databuf implements the typed, strided data buffer used to carry
// vertex/attribute arrays on the wire (spec.md §4.5). A DataBuffer always
// stores decoded values; the two packed/quantised primitive types exist only
// as an on-the-wire encoding chosen at Write time.
package databuf

import "fmt"

// PrimitiveType enumerates the element types a DataBuffer (or its wire
// encoding) can carry. PackedFloat16/PackedFloat32 are wire-only: a buffer's
// own storage type is never one of them.
type PrimitiveType uint8

const (
	Int8 PrimitiveType = iota
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	PackedFloat16
	PackedFloat32
)

func (t PrimitiveType) String() string {
	switch t {
	case Int8:
		return "Int8"
	case UInt8:
		return "UInt8"
	case Int16:
		return "Int16"
	case UInt16:
		return "UInt16"
	case Int32:
		return "Int32"
	case UInt32:
		return "UInt32"
	case Int64:
		return "Int64"
	case UInt64:
		return "UInt64"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case PackedFloat16:
		return "PackedFloat16"
	case PackedFloat32:
		return "PackedFloat32"
	default:
		return fmt.Sprintf("PrimitiveType(%d)", uint8(t))
	}
}

func (t PrimitiveType) packed() bool {
	return t == PackedFloat16 || t == PackedFloat32
}

// byteSize is the on-the-wire width of a single component of t.
func (t PrimitiveType) byteSize() int {
	switch t {
	case Int8, UInt8:
		return 1
	case Int16, UInt16, PackedFloat16:
		return 2
	case Int32, UInt32, Float32, PackedFloat32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		return 0
	}
}

// Error reports a DataBuffer contract violation: a bad shape, an
// out-of-range index, or an operation forbidden by ownership.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "databuf: " + e.Message }

// Numeric is the set of Go types Get/Set can widen or narrow a buffer
// element to or from.
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// DataBuffer is a typed, strided view over element data: `length` elements,
// each with `componentCount` components, spaced `elementStride` components
// apart in storage (elementStride >= componentCount allows the buffer to
// describe a single attribute within an interleaved vertex struct).
type DataBuffer struct {
	primitiveType  PrimitiveType
	componentCount int
	elementStride  int
	length         int
	owned          bool
	data           []float64
}

// NewOwned allocates a buffer that owns its storage and may grow on Read.
func NewOwned(primitiveType PrimitiveType, componentCount, length int) (*DataBuffer, error) {
	return newBuffer(primitiveType, componentCount, componentCount, length, true, nil)
}

// NewBorrowed wraps pre-existing storage; Read will refuse to grow it.
// storage must already hold at least (length-1)*elementStride+componentCount
// float64 values.
func NewBorrowed(primitiveType PrimitiveType, componentCount, elementStride, length int, storage []float64) (*DataBuffer, error) {
	return newBuffer(primitiveType, componentCount, elementStride, length, false, storage)
}

func newBuffer(primitiveType PrimitiveType, componentCount, elementStride, length int, owned bool, storage []float64) (*DataBuffer, error) {
	if primitiveType.packed() {
		return nil, &Error{Message: fmt.Sprintf("%s is a wire-only packed type, not a storage type", primitiveType)}
	}
	if componentCount <= 0 {
		return nil, &Error{Message: "component count must be positive"}
	}
	if elementStride < componentCount {
		return nil, &Error{Message: "element stride must be >= component count"}
	}
	if length < 0 {
		return nil, &Error{Message: "length must be non-negative"}
	}
	need := 0
	if length > 0 {
		need = (length-1)*elementStride + componentCount
	}
	if storage == nil {
		storage = make([]float64, need)
	} else if len(storage) < need {
		return nil, &Error{Message: "borrowed storage too small for the declared shape"}
	}
	return &DataBuffer{
		primitiveType:  primitiveType,
		componentCount: componentCount,
		elementStride:  elementStride,
		length:         length,
		owned:          owned,
		data:           storage,
	}, nil
}

func (db *DataBuffer) PrimitiveType() PrimitiveType { return db.primitiveType }
func (db *DataBuffer) ComponentCount() int          { return db.componentCount }
func (db *DataBuffer) ElementStride() int           { return db.elementStride }
func (db *DataBuffer) Length() int                  { return db.length }
func (db *DataBuffer) Owned() bool                  { return db.owned }

func (db *DataBuffer) index(elementIndex, componentIndex int) (int, error) {
	if elementIndex < 0 || elementIndex >= db.length {
		return 0, &Error{Message: fmt.Sprintf("element index %d out of range [0,%d)", elementIndex, db.length)}
	}
	if componentIndex < 0 || componentIndex >= db.componentCount {
		return 0, &Error{Message: fmt.Sprintf("component index %d out of range [0,%d)", componentIndex, db.componentCount)}
	}
	return elementIndex*db.elementStride + componentIndex, nil
}

// Get reads element[elementIndex].component[componentIndex], widening or
// narrowing the stored float64 to T.
func Get[T Numeric](db *DataBuffer, elementIndex, componentIndex int) (T, error) {
	idx, err := db.index(elementIndex, componentIndex)
	if err != nil {
		var zero T
		return zero, err
	}
	return T(db.data[idx]), nil
}

// Set writes v into element[elementIndex].component[componentIndex].
func Set[T Numeric](db *DataBuffer, elementIndex, componentIndex int, v T) error {
	idx, err := db.index(elementIndex, componentIndex)
	if err != nil {
		return err
	}
	db.data[idx] = float64(v)
	return nil
}

// resize grows an owned buffer to hold at least newLength elements at the
// current component count (stride becomes componentCount: resizing always
// repacks to tightly-strided storage). Borrowed buffers refuse to resize.
func (db *DataBuffer) resize(newLength int) error {
	if newLength <= db.length {
		return nil
	}
	if !db.owned {
		return &Error{Message: "cannot resize a borrowed buffer"}
	}
	need := (newLength-1)*db.componentCount + db.componentCount
	grown := make([]float64, need)
	for e := 0; e < db.length; e++ {
		for c := 0; c < db.componentCount; c++ {
			grown[e*db.componentCount+c] = db.data[e*db.elementStride+c]
		}
	}
	db.data = grown
	db.elementStride = db.componentCount
	db.length = newLength
	return nil
}
