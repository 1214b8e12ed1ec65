package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterViewRoundtrip(t *testing.T) {
	w := NewWriter(RoutingBox, 7)
	w.WriteUint32(42)
	w.WriteFloat32(1.5)
	buf, err := w.Finalise()
	require.NoError(t, err)

	v, err := NewView(buf)
	require.NoError(t, err)
	require.NoError(t, v.Validate())

	h := v.Header()
	assert.Equal(t, RoutingBox, h.RoutingID)
	assert.Equal(t, uint16(7), h.MessageID)
	assert.True(t, h.HasCRC())

	id, err := v.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)

	f, err := v.ReadFloat32()
	require.NoError(t, err)
	assert.InDelta(t, float32(1.5), f, 1e-6)
}

func TestWriterSuppressCRC(t *testing.T) {
	w := NewWriter(RoutingSphere, 1).SuppressCRC()
	w.WriteUint8(9)
	buf, err := w.Finalise()
	require.NoError(t, err)

	v, err := NewView(buf)
	require.NoError(t, err)
	_, ok := v.CRC()
	assert.False(t, ok)
	require.NoError(t, v.Validate())
}

func TestCRCTamperIsDetected(t *testing.T) {
	w := NewWriter(RoutingSphere, 1)
	w.WriteBytes([]byte{1, 2, 3, 4})
	buf, err := w.Finalise()
	require.NoError(t, err)

	// Flip one bit in the payload.
	buf[HeaderSize] ^= 0x01

	v, err := NewView(buf)
	require.NoError(t, err)
	err = v.Validate()
	require.Error(t, err)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingErrorCRCMismatch, fe.Type)
}

func TestBadMarkerRejected(t *testing.T) {
	w := NewWriter(RoutingSphere, 1)
	buf, err := w.Finalise()
	require.NoError(t, err)
	buf[0] ^= 0xFF

	_, err = NewView(buf)
	require.Error(t, err)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingErrorBadMarker, fe.Type)
}

func TestFinalisePayloadTooLarge(t *testing.T) {
	w := NewWriter(RoutingSphere, 1)
	w.WriteBytes(make([]byte, MaxPayloadSize+1))
	_, err := w.Finalise()
	require.Error(t, err)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FramingErrorPayloadTooLarge, fe.Type)
}

func TestVersionCompatibility(t *testing.T) {
	h := Header{VersionMajor: 1, VersionMinor: 0}
	assert.True(t, h.CompatibleWith(1, 0, 1, 0))
	h2 := Header{VersionMajor: 2, VersionMinor: 0}
	assert.False(t, h2.CompatibleWith(1, 0, 1, 0))
}
