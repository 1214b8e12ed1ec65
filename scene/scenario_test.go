package scene

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/tes-scene/collate"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/streamio"
)

func buildServerInfoPacket(t *testing.T, coordinateFrame uint8, timeUnitUs, defaultFrameTimeUnits uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingServerInfo, 0)
	w.WriteUint8(coordinateFrame)
	w.WriteUint32(timeUnitUs)
	w.WriteUint32(defaultFrameTimeUnits)
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildCreateBoxPacket(t *testing.T, id uint32, pos [3]float32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingBox, uint16(handlers.MsgCreate))
	handlers.EncodeCreate(w, handlers.CreateMessage{Id: handlers.Id{Numeric: id}, Transform: handlers.Transform{Position: pos}})
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildDestroyBoxPacket(t *testing.T, id uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingBox, uint16(handlers.MsgDestroy))
	handlers.EncodeDestroy(w, handlers.DestroyMessage{Id: handlers.Id{Numeric: id}})
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildFramePacket(t *testing.T, value32 uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingControl, uint16(packet.ControlFrame))
	w.WriteUint32(value32)
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

// drainStream feeds every packet the reader extracts through sc, unwrapping
// collated packets and promoting a frame (PrepareFrame) each time a FRAME
// control message ends one. Returns the count of Dropped extractions plus
// the packets that fail CRC validation.
func drainStream(t *testing.T, sc *Scene, data []byte) int {
	t.Helper()
	r := streamio.NewReader(bytes.NewReader(data))
	dropped := 0

	var dec collate.Decoder
	process := func(v *packet.View) {
		if err := v.Validate(); err != nil {
			dropped++
			return
		}
		ev, err := sc.ProcessMessage(v)
		require.NoError(t, err)
		if ev.FrameEnded {
			require.NoError(t, sc.PrepareFrame())
		}
	}

	for {
		ext := r.ExtractPacket()
		switch ext.Status {
		case streamio.StatusEnd, streamio.StatusNoStream:
			return dropped
		case streamio.StatusIncomplete:
			continue
		}
		if ext.Status == streamio.StatusDropped {
			dropped++
		}
		if ext.View == nil {
			continue
		}
		if ext.View.Header().RoutingID == packet.RoutingCollated {
			require.NoError(t, dec.Set(ext.View))
			for {
				inner, err := dec.Next()
				require.NoError(t, err)
				if inner == nil {
					break
				}
				process(inner)
			}
			continue
		}
		process(ext.View)
	}
}

// Scenario 1: replay a tiny file.
func TestScenarioReplayTinyFile(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := New(reg, nil)

	var stream bytes.Buffer
	stream.Write(buildServerInfoPacket(t, 0, 1000, 33))
	stream.Write(buildCreateBoxPacket(t, 7, [3]float32{1, 2, 3}))
	stream.Write(buildFramePacket(t, 33))
	stream.Write(buildDestroyBoxPacket(t, 7))
	stream.Write(buildFramePacket(t, 0))

	dropped := drainStream(t, sc, stream.Bytes())
	assert.Equal(t, 0, dropped)
	assert.Equal(t, uint32(2), sc.CurrentFrame())
	assert.Equal(t, 0, box.LiveCount())
}

// Scenario 2: transient shape visible for one frame only.
func TestScenarioTransient(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := New(reg, nil)

	var stream bytes.Buffer
	stream.Write(buildCreateBoxPacket(t, 0, [3]float32{0, 0, 0}))
	stream.Write(buildFramePacket(t, 16))

	drainStream(t, sc, stream.Bytes())
	assert.Equal(t, 0, box.LiveCount())
	assert.Equal(t, uint32(1), sc.CurrentFrame())
}

// Scenario 3: a corrupted marker mid-stream is dropped, not fatal.
func TestScenarioBadMarkerMidStream(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := New(reg, nil)

	var stream bytes.Buffer
	stream.Write(buildCreateBoxPacket(t, 1, [3]float32{}))
	stream.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	stream.Write(buildCreateBoxPacket(t, 2, [3]float32{}))
	stream.Write(buildFramePacket(t, 10))

	dropped := drainStream(t, sc, stream.Bytes())
	assert.Equal(t, 1, dropped)
	assert.NotNil(t, box.Persistent(1))
	assert.NotNil(t, box.Persistent(2))
}

// Scenario 4: collated + gzip reproduces the same final state as scenario 1.
func TestScenarioCollatedGzip(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := New(reg, nil)

	inner := [][]byte{
		buildCreateBoxPacket(t, 7, [3]float32{1, 2, 3}),
		buildFramePacket(t, 33),
		buildDestroyBoxPacket(t, 7),
		buildFramePacket(t, 0),
	}
	collated, err := collate.Encode(inner, collate.CompressionDefault)
	require.NoError(t, err)

	var stream bytes.Buffer
	stream.Write(buildServerInfoPacket(t, 0, 1000, 33))
	stream.Write(collated)

	dropped := drainStream(t, sc, stream.Bytes())
	assert.Equal(t, 0, dropped)
	assert.Equal(t, uint32(2), sc.CurrentFrame())
	assert.Equal(t, 0, box.LiveCount())
}

// Scenario 6: a CRC-tampered packet is dropped before dispatch and leaves
// handler state unchanged, per spec.md §3.1/§7. The reader still extracts
// it structurally (marker and length are intact — packet/view.go's
// NewView doesn't check the CRC), but every dispatch path (drainStream's
// process() here, mirroring StreamThread.processOne and
// NetworkThread.handlePacket) validates the CRC before handing the packet
// to the scene, and the following valid packet is processed normally.
func TestScenarioCRCTamperDetected(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := New(reg, nil)

	tampered := buildCreateBoxPacket(t, 1, [3]float32{1, 1, 1})
	tampered[packet.HeaderSize] ^= 0xFF

	var stream bytes.Buffer
	stream.Write(tampered)
	stream.Write(buildCreateBoxPacket(t, 2, [3]float32{}))

	dropped := drainStream(t, sc, stream.Bytes())
	assert.Equal(t, 1, dropped)
	assert.Nil(t, box.Persistent(1), "a CRC-tampered create must never reach handler state")
	assert.NotNil(t, box.Persistent(2), "the next valid packet still processes normally")
}
