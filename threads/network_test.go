package threads

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/recorder"
	"github.com/filegrind/tes-scene/scene"
)

func writePacket(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func buildNetCreatePacket(t *testing.T, id uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingBox, uint16(handlers.MsgCreate))
	handlers.EncodeCreate(w, handlers.CreateMessage{Id: handlers.Id{Numeric: id}})
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func buildNetFramePacket(t *testing.T, value32 uint32) []byte {
	t.Helper()
	w := packet.NewWriter(packet.RoutingControl, uint16(packet.ControlFrame))
	w.WriteUint32(value32)
	buf, err := w.Finalise()
	require.NoError(t, err)
	return buf
}

func TestNetworkThreadDispatchesInboundPackets(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := scene.New(reg, nil)

	client, server := net.Pipe()
	dialed := false
	nt := NewNetworkThread(sc, func() (net.Conn, error) {
		if dialed {
			return nil, errors.New("only one connection expected in this test")
		}
		dialed = true
		return client, nil
	}, false, nil)

	done := make(chan struct{})
	go func() {
		nt.Run()
		close(done)
	}()

	writePacket(t, server, buildNetCreatePacket(t, 1))
	writePacket(t, server, buildNetFramePacket(t, 16))

	require.Eventually(t, func() bool { return box.LiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sc.PrepareFrame())
	assert.Equal(t, uint32(1), sc.CurrentFrame())

	require.NoError(t, server.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("network thread did not stop after the connection closed")
	}
}

func TestNetworkThreadStopIsClean(t *testing.T) {
	reg := handlers.NewRegistry()
	sc := scene.New(reg, nil)

	client, server := net.Pipe()
	defer server.Close()
	nt := NewNetworkThread(sc, func() (net.Conn, error) { return client, nil }, false, nil)

	done := make(chan struct{})
	go func() {
		nt.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	nt.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("network thread did not honour Stop")
	}
}

func TestNetworkThreadReconnectsOnDialFailure(t *testing.T) {
	reg := handlers.NewRegistry()
	sc := scene.New(reg, nil)

	client, server := net.Pipe()
	defer server.Close()
	attempts := 0
	nt := NewNetworkThread(sc, func() (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("simulated dial failure")
		}
		return client, nil
	}, true, nil)

	done := make(chan struct{})
	go func() {
		nt.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return attempts >= 2 }, time.Second, 5*time.Millisecond)
	nt.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("network thread did not stop after reconnecting")
	}
}

// TestNetworkThreadWritesInitialRecorderSnapshot exercises the foreign-
// thread snapshot hand-off: NetworkThread's data-thread goroutine calls the
// blocking Scene.SaveSnapshot, and only a separate render-loop goroutine
// calling PrepareFrame can release it, mirroring how an embedding
// application's render loop and a live network data thread cooperate.
func TestNetworkThreadWritesInitialRecorderSnapshot(t *testing.T) {
	reg := handlers.NewRegistry()
	box := handlers.NewShapeHandler(packet.RoutingBox, uint16(handlers.MsgCreate))
	require.NoError(t, reg.Register(box))
	sc := scene.New(reg, nil)

	var dest bytes.Buffer
	rec, err := recorder.Open(&dest, config.ServerInfo{TimeUnitUs: 1000, DefaultFrameTimeUnits: 16})
	require.NoError(t, err)
	dest.Reset() // discard the ServerInfo packet Open wrote; keep State()==PendingSnapshot

	client, server := net.Pipe()
	nt := NewNetworkThread(sc, func() (net.Conn, error) { return client, nil }, false, nil)
	nt.SetRecorder(rec, nil)

	stopRenderLoop := make(chan struct{})
	renderLoopDone := make(chan struct{})
	go func() {
		defer close(renderLoopDone)
		for {
			select {
			case <-stopRenderLoop:
				return
			default:
			}
			_ = sc.PrepareFrame()
			time.Sleep(2 * time.Millisecond)
		}
	}()

	done := make(chan struct{})
	go func() {
		nt.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.State() == recorder.StateRecording }, 2*time.Second, 5*time.Millisecond)
	close(stopRenderLoop)
	<-renderLoopDone

	writePacket(t, server, buildNetCreatePacket(t, 1))
	require.Eventually(t, func() bool { return box.LiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sc.PrepareFrame())
	require.NoError(t, rec.RecordPacket([]byte{0}))

	require.NoError(t, server.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("network thread did not stop after the connection closed")
	}
}

func TestNetworkThreadLiveStreamRejectsPlaybackControl(t *testing.T) {
	reg := handlers.NewRegistry()
	sc := scene.New(reg, nil)
	nt := NewNetworkThread(sc, func() (net.Conn, error) { return nil, errors.New("never dialed") }, false, nil)

	assert.True(t, nt.IsLiveStream())
	nt.Pause(true)
	nt.SetLooping(true)
	nt.SetTargetFrame(42)
	assert.NoError(t, nt.SetPlaybackSpeed(5))
}
