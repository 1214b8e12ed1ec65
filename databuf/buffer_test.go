package databuf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/tes-scene/packet"
)

func TestGetSetWideningNarrowing(t *testing.T) {
	db, err := NewOwned(Float32, 3, 4)
	require.NoError(t, err)

	require.NoError(t, Set(db, 0, 0, float32(1.5)))
	require.NoError(t, Set(db, 0, 1, float32(-2.5)))

	v, err := Get[float64](db, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	iv, err := Get[int32](db, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(-2), iv)
}

func TestConstructRejectsPackedStorageType(t *testing.T) {
	_, err := NewOwned(PackedFloat16, 3, 4)
	require.Error(t, err)
}

func TestBorrowedRejectsResize(t *testing.T) {
	storage := make([]float64, 3*2)
	db, err := NewBorrowed(Float32, 3, 3, 2, storage)
	require.NoError(t, err)
	assert.Error(t, db.resize(10))
}

func TestIndexOutOfRange(t *testing.T) {
	db, err := NewOwned(Float32, 2, 2)
	require.NoError(t, err)
	_, err = Get[float32](db, 5, 0)
	assert.Error(t, err)
	_, err = Get[float32](db, 0, 5)
	assert.Error(t, err)
}

func roundTripDataBuffer(t *testing.T, asType PrimitiveType) *DataBuffer {
	t.Helper()

	src, err := NewOwned(Float32, 3, 5)
	require.NoError(t, err)
	values := [][3]float32{
		{0, 0, 0},
		{1.25, -3.5, 10},
		{2.5, -7, 20},
		{-1, 1, -1},
		{0.1, 0.2, 0.3},
	}
	for e, comps := range values {
		for c, v := range comps {
			require.NoError(t, Set(src, e, c, v))
		}
	}

	w := packet.NewWriter(packet.RoutingMeshShape, 1)
	n, err := src.WriteTo(w, 0, asType, 4096, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(5), n)
	buf, err := w.Finalise()
	require.NoError(t, err)

	view, err := packet.NewView(buf)
	require.NoError(t, err)

	dst, err := NewOwned(Float32, 3, 0)
	require.NoError(t, err)
	got, err := dst.ReadFrom(view)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got)
	assert.Equal(t, 5, dst.Length())

	for e, comps := range values {
		for c, want := range comps {
			v, err := Get[float32](dst, e, c)
			require.NoError(t, err)
			if asType == PackedFloat16 || asType == PackedFloat32 {
				assert.InDeltaf(t, float64(want), float64(v), 1.0, "component %d,%d", e, c)
			} else {
				assert.InDelta(t, float64(want), float64(v), 1e-4)
			}
		}
	}
	return dst
}

func TestWireRoundtripFloat32(t *testing.T) {
	roundTripDataBuffer(t, Float32)
}

func TestWireRoundtripInt16(t *testing.T) {
	db, err := NewOwned(Float32, 1, 3)
	require.NoError(t, err)
	require.NoError(t, Set(db, 0, 0, float32(1)))
	require.NoError(t, Set(db, 1, 0, float32(2)))
	require.NoError(t, Set(db, 2, 0, float32(3)))

	w := packet.NewWriter(packet.RoutingBox, 1)
	_, err = db.WriteTo(w, 0, Int16, 4096, 0)
	require.NoError(t, err)
	buf, err := w.Finalise()
	require.NoError(t, err)

	view, err := packet.NewView(buf)
	require.NoError(t, err)
	dst, err := NewOwned(Float32, 1, 0)
	require.NoError(t, err)
	n, err := dst.ReadFrom(view)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
	v, err := Get[int16](dst, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(2), v)
}

// TestPackedQuantisationTolerance exercises spec.md's quantised round-trip
// tolerance: decoded values must land within half a quantum of the source.
func TestPackedQuantisationTolerance(t *testing.T) {
	src, err := NewOwned(Float32, 1, 4)
	require.NoError(t, err)
	raw := []float32{0, 100, 50, -50}
	for e, v := range raw {
		require.NoError(t, Set(src, e, 0, v))
	}

	w := packet.NewWriter(packet.RoutingBox, 1)
	_, err = src.WriteTo(w, 0, PackedFloat16, 4096, 0)
	require.NoError(t, err)
	buf, err := w.Finalise()
	require.NoError(t, err)

	view, err := packet.NewView(buf)
	require.NoError(t, err)
	dst, err := NewOwned(Float32, 1, 0)
	require.NoError(t, err)
	_, err = dst.ReadFrom(view)
	require.NoError(t, err)

	quantum := 150.0 / (2 * math.MaxInt16)
	for e, want := range raw {
		v, err := Get[float32](dst, e, 0)
		require.NoError(t, err)
		assert.InDelta(t, float64(want), float64(v), quantum/2+1e-6)
	}
}

func TestComponentCountMismatchRejected(t *testing.T) {
	src, err := NewOwned(Float32, 2, 1)
	require.NoError(t, err)
	require.NoError(t, Set(src, 0, 0, float32(1)))
	require.NoError(t, Set(src, 0, 1, float32(2)))

	w := packet.NewWriter(packet.RoutingBox, 1)
	_, err = src.WriteTo(w, 0, Float32, 4096, 0)
	require.NoError(t, err)
	buf, err := w.Finalise()
	require.NoError(t, err)
	view, err := packet.NewView(buf)
	require.NoError(t, err)

	dst, err := NewOwned(Float32, 3, 0)
	require.NoError(t, err)
	_, err = dst.ReadFrom(view)
	assert.Error(t, err)
}
