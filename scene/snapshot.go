package scene

import (
	"fmt"
	"time"

	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
)

const snapshotWaitQuantum = time.Second

// sendServerInfo encodes a ServerInfo packet for conn, mirroring the layout
// processServerInfo decodes.
func (s *Scene) sendServerInfo(conn handlers.Connection) error {
	info := s.ServerInfo()
	w := packet.NewWriter(packet.RoutingServerInfo, 0)
	w.WriteUint8(uint8(info.CoordinateFrame))
	w.WriteUint32(info.TimeUnitUs)
	w.WriteUint32(info.DefaultFrameTimeUnits)
	buf, err := w.Finalise()
	if err != nil {
		return err
	}
	return conn.Send(buf)
}

// saveSnapshotInline performs the actual snapshot write: a ServerInfo, a
// Create-stream for every handler in registration order, then a single
// FRAME control packet closing the snapshot. It must run on the render
// thread (or with the render mutex already unavailable to other writers),
// per spec.md §4.8.
func (s *Scene) saveSnapshotInline(req *snapshotRequest) {
	if err := s.sendServerInfo(req.conn); err != nil {
		req.err = err
		req.done = true
		return
	}
	for _, h := range s.registry.Ordered() {
		if req.cancel != nil && req.cancel() {
			req.err = &Error{Message: "snapshot cancelled"}
			req.done = true
			return
		}
		if err := h.Serialise(req.conn); err != nil {
			req.err = fmt.Errorf("scene: snapshot serialise: %w", err)
			req.done = true
			return
		}
	}
	w := packet.NewWriter(packet.RoutingControl, uint16(packet.ControlFrame))
	w.WriteUint32(0)
	buf, err := w.Finalise()
	if err != nil {
		req.err = err
		req.done = true
		return
	}
	if err := req.conn.Send(buf); err != nil {
		req.err = err
		req.done = true
		return
	}
	req.frameNum = s.CurrentFrame()
	req.done = true
}

// servicePendingSnapshot is the render loop's per-frame cooperative hook:
// if a snapshot is pending, it is performed now, under the render mutex held
// for the whole write, so it can't interleave with frame promotion, server
// info updates or the frame bookkeeping of Reset and end-of-frame. Handler
// dispatch in ProcessMessage does not take the render mutex, so the write
// is not serialised against it.
func (s *Scene) servicePendingSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.pendingSnapshot
	if req == nil || req.done {
		return
	}
	s.saveSnapshotInline(req)
	s.snapshotCond.Broadcast()
}

// SaveSnapshotNow performs a snapshot immediately, under the render mutex,
// without going through the pending/cooperative hand-off. Callers must
// already be running on the thread that owns frame promotion (the render
// loop itself, or a data thread that drives its own PrepareFrame calls, as
// StreamThread does) — calling this from any other thread would race
// PrepareFrame's promoted-state invariant. Foreign threads must use
// SaveSnapshot instead.
func (s *Scene) SaveSnapshotNow(conn handlers.Connection, cancel func() bool) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := &snapshotRequest{conn: conn, cancel: cancel}
	s.saveSnapshotInline(req)
	return req.frameNum, req.err
}

// SaveSnapshot requests a snapshot be written to conn and blocks until the
// render loop's per-frame hook (PrepareFrame -> servicePendingSnapshot)
// services it, or cancel returns true. Only one snapshot may be pending at
// a time. Callers must be a thread other than the one driving PrepareFrame,
// or this deadlocks — see SaveSnapshotNow for same-thread callers.
func (s *Scene) SaveSnapshot(conn handlers.Connection, cancel func() bool) (uint32, error) {
	s.mu.Lock()
	if s.pendingSnapshot != nil && !s.pendingSnapshot.done {
		s.mu.Unlock()
		return 0, &Error{Message: "a snapshot is already pending"}
	}
	req := &snapshotRequest{conn: conn, cancel: cancel}
	s.pendingSnapshot = req
	s.mu.Unlock()

	s.mu.Lock()
	for !req.done {
		if cancel != nil && cancel() {
			s.mu.Unlock()
			return 0, &Error{Message: "snapshot cancelled"}
		}
		s.waitOn(s.snapshotCond, snapshotWaitQuantum)
	}
	s.mu.Unlock()

	if req.err != nil {
		return 0, req.err
	}
	return req.frameNum, nil
}
