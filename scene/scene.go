// Package scene implements the Scene aggregate: handler registry owner,
// the frame-advance/reset protocol and snapshot serialisation (spec.md
// §4.7, §4.8). The render mutex here is the teacher's pattern of guarding
// shared render-thread state with one mutex plus condition variables for
// cross-thread hand-off (cf. filegrind-capns-go's PluginHost.capTable
// locking and RelaySlave's cooperative shutdown wait).
package scene

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
)

// resetWaitQuantum bounds each iteration of the foreign-thread reset wait,
// so shutdown can interrupt it promptly instead of blocking indefinitely.
const resetWaitQuantum = time.Second

// Error reports a Scene-level state violation (e.g. a second snapshot
// requested while one is already pending).
type Error struct{ Message string }

func (e *Error) Error() string { return "scene: " + e.Message }

// Scene aggregates the handler registry, server info and the frame
// advance/reset protocol shared between the data thread and the render
// loop.
type Scene struct {
	mu       sync.Mutex // the render mutex
	registry *handlers.Registry
	logger   config.Logger

	serverInfo        config.ServerInfo
	pendingServerInfo *config.ServerInfo

	currentFrame atomic.Uint32
	totalFrames  atomic.Uint32

	pendingFrame     uint32
	havePendingFrame bool

	resetRequested bool
	resetTarget    uint32
	resetServiced  uint64
	resetCond      *sync.Cond

	pendingSnapshot *snapshotRequest
	snapshotCond    *sync.Cond
}

type snapshotRequest struct {
	conn      handlers.Connection
	cancel    func() bool
	done      bool
	frameNum  uint32
	err       error
}

// New builds a Scene over registry, which must already have every handler
// registered (handler list mutation after this point is not supported).
func New(registry *handlers.Registry, logger config.Logger) *Scene {
	if logger == nil {
		logger = config.DefaultLogger()
	}
	s := &Scene{registry: registry, logger: logger}
	s.resetCond = sync.NewCond(&s.mu)
	s.snapshotCond = sync.NewCond(&s.mu)
	for _, h := range registry.Ordered() {
		if err := h.Initialise(); err != nil {
			logger.Error("handler initialise failed: %v", err)
		}
	}
	return s
}

// CurrentFrame returns the frame number currently promoted for rendering.
func (s *Scene) CurrentFrame() uint32 { return s.currentFrame.Load() }

// TotalFrames returns the last FRAME_COUNT value seen (replay only).
func (s *Scene) TotalFrames() uint32 { return s.totalFrames.Load() }

// ServerInfo returns the currently promoted server info.
func (s *Scene) ServerInfo() config.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ProcessMessage is called by the data thread, outside the render mutex,
// for every packet extracted from the stream except CONTROL/SERVER_INFO/
// COLLATED, which the data thread (or this method) handles directly.
func (s *Scene) ProcessMessage(v *packet.View) (FrameEvent, error) {
	switch v.Header().RoutingID {
	case packet.RoutingCollated:
		return FrameEvent{}, &Error{Message: "collated packets must be unwrapped before reaching Scene"}
	case packet.RoutingControl:
		return s.processControl(v)
	case packet.RoutingServerInfo:
		return FrameEvent{}, s.processServerInfo(v)
	default:
		return FrameEvent{}, s.registry.Dispatch(v, func(id packet.RoutingID) {
			s.logger.Warn("scene: no handler for routing id %d, ignoring", id)
		})
	}
}

func (s *Scene) processServerInfo(v *packet.View) error {
	frame, err := v.ReadUint8()
	if err != nil {
		return err
	}
	timeUnit, err := v.ReadUint32()
	if err != nil {
		return err
	}
	defaultFrameTime, err := v.ReadUint32()
	if err != nil {
		return err
	}
	info := config.ServerInfo{
		CoordinateFrame:       config.CoordinateFrame(frame),
		TimeUnitUs:            timeUnit,
		DefaultFrameTimeUnits: defaultFrameTime,
	}
	s.mu.Lock()
	s.pendingServerInfo = &info
	s.mu.Unlock()
	return nil
}

func (s *Scene) processControl(v *packet.View) (FrameEvent, error) {
	msgID := packet.ControlMessageID(v.Header().MessageID)
	value32, err := readControlValue(v)
	if err != nil {
		return FrameEvent{}, err
	}

	switch msgID {
	case packet.ControlFrame:
		return s.endFrame(value32, false)
	case packet.ControlForceFrameFlush:
		return s.endFrame(value32, true)
	case packet.ControlCoordinateFrame:
		s.mu.Lock()
		s.serverInfo.CoordinateFrame = config.CoordinateFrame(value32)
		s.mu.Unlock()
		return FrameEvent{}, nil
	case packet.ControlFrameCount:
		s.totalFrames.Store(value32)
		return FrameEvent{}, nil
	case packet.ControlReset:
		s.Reset(value32)
		return FrameEvent{Reset: true, FrameNumber: value32}, nil
	case packet.ControlKeyframe, packet.ControlEnd:
		return FrameEvent{}, nil
	default:
		s.logger.Warn("scene: unknown control message id %d, ignoring", msgID)
		return FrameEvent{}, nil
	}
}

// endFrame runs handler.EndFrame for every handler and records the pending
// frame number for the render loop to promote. When force is true the
// frame counter is not advanced (FORCE_FRAME_FLUSH).
func (s *Scene) endFrame(value32 uint32, force bool) (FrameEvent, error) {
	s.mu.Lock()
	next := s.pendingFrame
	if !s.havePendingFrame {
		next = s.currentFrame.Load()
	}
	if !force {
		next++
	}
	stamp := handlers.FrameStamp{FrameNumber: next}
	s.mu.Unlock()

	for _, h := range s.registry.Ordered() {
		if err := h.EndFrame(stamp); err != nil {
			return FrameEvent{}, fmt.Errorf("scene: end_frame: %w", err)
		}
	}

	s.mu.Lock()
	s.pendingFrame = next
	s.havePendingFrame = true
	s.mu.Unlock()

	defaultUnits := s.serverInfo.DefaultFrameTimeUnits
	interval := value32
	if interval < defaultUnits {
		interval = defaultUnits
	}
	return FrameEvent{FrameEnded: true, FrameNumber: next, IntervalUnits: interval}, nil
}

// PrepareFrame is called by the render loop, under the render mutex: it
// drains any pending server info and, if a new frame is pending, promotes
// it by calling handler.PrepareFrame on every handler.
func (s *Scene) PrepareFrame() error {
	s.mu.Lock()
	if s.pendingServerInfo != nil {
		s.serverInfo = *s.pendingServerInfo
		s.pendingServerInfo = nil
	}
	if s.havePendingFrame && s.pendingFrame != s.currentFrame.Load() {
		next := s.pendingFrame
		stamp := handlers.FrameStamp{FrameNumber: next}
		for _, h := range s.registry.Ordered() {
			if err := h.PrepareFrame(stamp); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("scene: prepare_frame: %w", err)
			}
		}
		s.currentFrame.Store(next)
	}
	s.mu.Unlock()

	s.servicePendingSnapshot()
	return nil
}

// Reset drops all handler state and sets current_frame = frameNumber. It
// always runs on the calling goroutine, whichever thread that is; it does
// not hand the reset over to the render loop or wait for it.
func (s *Scene) Reset(frameNumber uint32) {
	for _, h := range s.registry.Ordered() {
		h.Reset()
	}
	s.mu.Lock()
	s.currentFrame.Store(frameNumber)
	s.pendingFrame = frameNumber
	s.havePendingFrame = false
	s.resetServiced++
	s.resetCond.Broadcast()
	s.mu.Unlock()
}

// RequestReset is the foreign-thread entry point for a reset: it blocks
// until Reset has run, polling abort in resetWaitQuantum increments so
// shutdown cannot deadlock.
func (s *Scene) RequestReset(frameNumber uint32, abort func() bool) {
	s.mu.Lock()
	before := s.resetServiced
	s.resetRequested = true
	s.resetTarget = frameNumber
	s.mu.Unlock()

	s.Reset(frameNumber)

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.resetServiced == before {
		if abort != nil && abort() {
			return
		}
		s.waitOn(s.resetCond, resetWaitQuantum)
	}
	s.resetRequested = false
}

// waitOn waits on cond for at most timeout; the caller must hold cond's
// lock (s.mu). sync.Cond has no WaitTimeout, so a timer wakes the waiter
// via a Broadcast if nothing else does first.
func (s *Scene) waitOn(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
