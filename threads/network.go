package threads

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/filegrind/tes-scene/collate"
	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/recorder"
	"github.com/filegrind/tes-scene/scene"
	"github.com/filegrind/tes-scene/streamio"
)

// Replay is the control surface a UI drives regardless of whether the
// underlying data thread is live or a file. Live threads (NetworkThread)
// implement every mutating method as a no-op, per spec.md §4.9.
type Replay interface {
	IsLiveStream() bool
	Pause(paused bool)
	SetLooping(looping bool)
	SetPlaybackSpeed(speed float64) error
	SetTargetFrame(frame uint32)
	CurrentFrame() uint32
	TotalFrames() uint32
	Stop()
}

// CameraSource supplies the synthetic CAMERA packet a recording
// NetworkThread appends after every inbound FRAME (spec.md §4.9 step 4).
type CameraSource interface {
	CameraPacket() ([]byte, error)
}

const (
	networkReadBuffer  = 1 << 20 // 1 MiB
	networkReconnect   = 200 * time.Millisecond
	networkPollTimeout = 200 * time.Millisecond
)

// NetworkThread is the data thread for a live TCP source: it dials,
// configures the socket, drains complete packets into the Scene, and
// optionally tees everything through a Recorder.
type NetworkThread struct {
	dial    func() (net.Conn, error)
	reconnect bool
	scene   *scene.Scene
	logger  config.Logger
	rec     *recorder.Recorder
	camera  CameraSource

	quit atomic.Bool
	done chan struct{}
}

// NewNetworkThread builds a NetworkThread that dials via dial. When
// reconnect is true, a failed dial or a connection that drops is retried
// after a 200 ms delay instead of ending the thread.
func NewNetworkThread(sc *scene.Scene, dial func() (net.Conn, error), reconnect bool, logger config.Logger) *NetworkThread {
	if logger == nil {
		logger = config.DefaultLogger()
	}
	return &NetworkThread{dial: dial, reconnect: reconnect, scene: sc, logger: logger, done: make(chan struct{})}
}

// SetRecorder arms tee-recording of every inbound packet, plus a synthetic
// CAMERA packet after each FRAME when camera is non-nil.
func (nt *NetworkThread) SetRecorder(rec *recorder.Recorder, camera CameraSource) {
	nt.rec = rec
	nt.camera = camera
}

// Run dials, serves the connection until it closes or Stop is called, and
// reconnects per the configured policy. It returns when the thread is
// permanently done; callers typically invoke it via `go nt.Run()`.
func (nt *NetworkThread) Run() {
	defer close(nt.done)
	for !nt.quit.Load() {
		conn, err := nt.dial()
		if err != nil {
			nt.logger.Warn("network: dial failed: %v", err)
			if !nt.reconnect {
				return
			}
			time.Sleep(networkReconnect)
			continue
		}
		connID := uuid.New()
		nt.logger.Info("network: connected (id=%s)", connID)
		nt.serve(conn)
		_ = conn.Close()
		if !nt.reconnect || nt.quit.Load() {
			return
		}
		time.Sleep(networkReconnect)
	}
}

// Stop requests the thread to exit and waits for it to do so. Idempotent.
func (nt *NetworkThread) Stop() {
	nt.quit.Store(true)
	<-nt.done
}

// Done is closed once Run has returned.
func (nt *NetworkThread) Done() <-chan struct{} { return nt.done }

func (nt *NetworkThread) serve(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(networkReadBuffer)
	}
	nt.writeInitialSnapshot()
	reader := streamio.NewReader(&pollingSource{conn: conn, timeout: networkPollTimeout})
	var dec collate.Decoder
	for !nt.quit.Load() {
		ext := reader.ExtractPacket()
		switch ext.Status {
		case streamio.StatusEnd, streamio.StatusNoStream:
			return
		case streamio.StatusIncomplete:
			continue
		}
		if ext.Status == streamio.StatusDropped {
			nt.logger.Info("network: dropped %d bytes before resync", ext.Dropped)
		}
		if ext.View == nil {
			continue
		}
		if ext.View.Header().RoutingID == packet.RoutingCollated {
			if err := dec.Set(ext.View); err != nil {
				nt.logger.Warn("network: bad collated packet: %v", err)
				continue
			}
			for {
				inner, err := dec.Next()
				if err != nil {
					nt.logger.Warn("network: collated decode error: %v", err)
					break
				}
				if inner == nil {
					break
				}
				nt.handlePacket(inner)
			}
			continue
		}
		nt.handlePacket(ext.View)
	}
}

// writeInitialSnapshot performs the recorder's required opening snapshot
// the first time a recording connection serves, blocking until the
// application's render loop services it via Scene.PrepareFrame. This is the
// foreign-thread path (NetworkThread is a data thread, not the render
// loop), unlike StreamThread's same-thread SaveSnapshotNow.
func (nt *NetworkThread) writeInitialSnapshot() {
	if nt.rec == nil || nt.rec.State() != recorder.StatePendingSnapshot {
		return
	}
	if _, err := nt.scene.SaveSnapshot(nt.rec, nt.quit.Load); err != nil {
		nt.logger.Error("network: recorder snapshot failed: %v", err)
		return
	}
	nt.rec.SnapshotWritten()
}

func (nt *NetworkThread) handlePacket(v *packet.View) {
	if err := v.Validate(); err != nil {
		nt.logger.Warn("network: dropping packet with invalid CRC: %v", err)
		return
	}
	h := v.Header()
	if !h.CompatibleWith(packet.CompatVersionMajor, packet.CompatVersionMinor, packet.VersionMajor, packet.VersionMinor) {
		nt.logger.Warn("network: skipping incompatible packet version %d.%d", h.VersionMajor, h.VersionMinor)
		return
	}
	event, err := nt.scene.ProcessMessage(v)
	if err != nil {
		nt.logger.Warn("network: %v", err)
		return
	}
	if nt.rec == nil {
		return
	}
	if err := nt.rec.RecordPacket(v.Bytes()); err != nil {
		nt.logger.Error("network: recorder failed: %v", err)
		return
	}
	if event.FrameEnded && nt.camera != nil {
		camPacket, err := nt.camera.CameraPacket()
		if err != nil {
			nt.logger.Error("network: camera capture failed: %v", err)
			return
		}
		if err := nt.rec.RecordPacket(camPacket); err != nil {
			nt.logger.Error("network: recorder failed: %v", err)
		}
	}
}

// IsLiveStream always reports true: live streams reject playback control.
func (nt *NetworkThread) IsLiveStream() bool { return true }

// Pause is a no-op on a live stream.
func (nt *NetworkThread) Pause(bool) {}

// SetLooping is a no-op on a live stream.
func (nt *NetworkThread) SetLooping(bool) {}

// SetPlaybackSpeed is a no-op on a live stream; it never errors.
func (nt *NetworkThread) SetPlaybackSpeed(float64) error { return nil }

// SetTargetFrame is a no-op on a live stream.
func (nt *NetworkThread) SetTargetFrame(uint32) {}

// CurrentFrame mirrors the Scene's render-promoted frame number.
func (nt *NetworkThread) CurrentFrame() uint32 { return nt.scene.CurrentFrame() }

// TotalFrames mirrors the last FRAME_COUNT control value seen.
func (nt *NetworkThread) TotalFrames() uint32 { return nt.scene.TotalFrames() }

// pollingSource wraps a net.Conn with a short read deadline so Run can
// observe the quit flag promptly instead of blocking indefinitely,
// approximating the source's non-blocking-socket-plus-poll design.
type pollingSource struct {
	conn    net.Conn
	timeout time.Duration
}

func (p *pollingSource) Read(buf []byte) (int, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	n, err := p.conn.Read(buf)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	return n, err
}
