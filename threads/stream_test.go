package threads

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/scene"
)

func buildStreamServerInfo(t *testing.T, timeUnitUs, defaultFrameTimeUnits uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingServerInfo, 0)
	w.WriteUint8(0)
	w.WriteUint32(timeUnitUs)
	w.WriteUint32(defaultFrameTimeUnits)
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildStreamCreateBox(t *testing.T, id uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingBox, uint16(handlers.MsgCreate))
	handlers.EncodeCreate(w, handlers.CreateMessage{Id: handlers.Id{Numeric: id}})
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildStreamFrame(t *testing.T, value32 uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingControl, uint16(packet.ControlFrame))
	w.WriteUint32(value32)
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

// openTempStream writes data to a fresh temp file and reopens it read-only
// (StreamThread needs a seekable source independent of the writer).
func openTempStream(t *testing.T, dir string, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(dir, "stream.3es")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestStreamScene(t *testing.T) (*scene.Scene, *handlers.ShapeHandler) {
	t.Helper()
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	return scene.New(reg, nil), box
}

func buildNFrameStream(t *testing.T, frames int) []byte {
	t.Helper()
	var stream bytes.Buffer
	stream.Write(buildStreamServerInfo(t, 1000, 16))
	stream.Write(buildStreamCreateBox(t, 1))
	for i := 0; i < frames; i++ {
		stream.Write(buildStreamFrame(t, 16))
	}
	return stream.Bytes()
}

// Scenario 5: reverse seek with keyframe (spec.md §8). A 200-frame stream
// takes a keyframe at frame 100 (keyframe_every_frames=100 with the byte
// and min-separation thresholds relaxed to 0); seeking back to 120 from
// 150 must reset, replay the frame-100 snapshot, and land on 120 without
// promoting any frame in between.
func TestScenarioReverseSeekWithKeyframe(t *testing.T) {
	dir := t.TempDir()
	data := buildNFrameStream(t, 200)
	f := openTempStream(t, dir, data)
	sc, box := newTestStreamScene(t)

	settings := config.PlaybackSettings{
		PlaybackSpeed:         20,
		AllowKeyframes:        true,
		KeyframeEveryFrames:   100,
		KeyframeEveryMiB:      0,
		KeyframeMinSeparation: 0,
	}
	st := NewStreamThread(sc, f, settings, dir, nil)

	go st.Run()
	t.Cleanup(st.Stop)

	require.Eventually(t, func() bool { return st.CurrentFrame() >= 150 }, 5*time.Second, 2*time.Millisecond)
	require.GreaterOrEqual(t, st.KeyframeCount(), 1, "a keyframe should have been taken by frame 150")

	st.SetTargetFrame(120)

	require.Eventually(t, func() bool { return st.CurrentFrame() == 120 }, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, uint32(120), sc.CurrentFrame(), "the render-promoted frame must land exactly on the target")
	assert.Equal(t, 1, box.LiveCount(), "the persistent box must survive the reset+replay")
}

func TestStreamThreadPauseBlocksProgress(t *testing.T) {
	dir := t.TempDir()
	data := buildNFrameStream(t, 50)
	f := openTempStream(t, dir, data)
	sc, _ := newTestStreamScene(t)

	settings := config.PlaybackSettings{PlaybackSpeed: 20}
	st := NewStreamThread(sc, f, settings, dir, nil)
	st.Pause(true)

	go st.Run()
	t.Cleanup(st.Stop)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint32(0), st.CurrentFrame(), "a paused thread must not advance")

	st.Pause(false)
	require.Eventually(t, func() bool { return st.CurrentFrame() >= 10 }, 2*time.Second, 2*time.Millisecond)
}

func TestStreamThreadLoopingRestartsAtEOF(t *testing.T) {
	dir := t.TempDir()
	data := buildNFrameStream(t, 5)
	f := openTempStream(t, dir, data)
	sc, _ := newTestStreamScene(t)

	settings := config.PlaybackSettings{PlaybackSpeed: 20, Looping: true}
	st := NewStreamThread(sc, f, settings, dir, nil)

	go st.Run()
	t.Cleanup(st.Stop)

	// With only 5 frames and looping on, current_frame must cycle back
	// down to a small value after initially reaching 5.
	require.Eventually(t, func() bool { return st.CurrentFrame() == 5 }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return st.CurrentFrame() < 5 }, 2*time.Second, 2*time.Millisecond)
}

func TestStreamThreadRejectsOutOfRangeSpeed(t *testing.T) {
	dir := t.TempDir()
	f := openTempStream(t, dir, buildNFrameStream(t, 1))
	sc, _ := newTestStreamScene(t)

	st := NewStreamThread(sc, f, config.PlaybackSettings{PlaybackSpeed: 1}, dir, nil)
	assert.Error(t, st.SetPlaybackSpeed(0))
	assert.Error(t, st.SetPlaybackSpeed(21))
	assert.NoError(t, st.SetPlaybackSpeed(5))
}

func TestStreamThreadDropsCRCTamperedPacket(t *testing.T) {
	dir := t.TempDir()
	var stream bytes.Buffer
	stream.Write(buildStreamServerInfo(t, 1000, 16))
	tampered := buildStreamCreateBox(t, 1)
	tampered[packet.HeaderSize] ^= 0xFF
	stream.Write(tampered)
	stream.Write(buildStreamCreateBox(t, 2))
	stream.Write(buildStreamFrame(t, 16))

	f := openTempStream(t, dir, stream.Bytes())
	sc, box := newTestStreamScene(t)

	st := NewStreamThread(sc, f, config.PlaybackSettings{PlaybackSpeed: 20}, dir, nil)
	go st.Run()
	t.Cleanup(st.Stop)

	require.Eventually(t, func() bool { return st.CurrentFrame() >= 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Nil(t, box.Persistent(1), "a CRC-tampered create must never reach handler state")
	assert.NotNil(t, box.Persistent(2), "the next valid packet still processes normally")
}

func TestStreamThreadIsNotALiveStream(t *testing.T) {
	dir := t.TempDir()
	f := openTempStream(t, dir, buildNFrameStream(t, 1))
	sc, _ := newTestStreamScene(t)
	st := NewStreamThread(sc, f, config.PlaybackSettings{PlaybackSpeed: 1}, dir, nil)
	assert.False(t, st.IsLiveStream())
}
