// Package recorder implements the file recorder: it wraps a destination
// connection, requires a full scene snapshot before the first regular
// packet, and appends inbound packets verbatim plus periodic FRAME control
// packets (spec.md §4.12).
package recorder

import (
	"io"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/packet"
)

// State is the recorder's lifecycle stage.
type State int

const (
	StatePendingSnapshot State = iota
	StateRecording
	StateClosed
)

// Error reports a recorder state violation.
type Error struct{ Message string }

func (e *Error) Error() string { return "recorder: " + e.Message }

// Manifest is the CBOR sidecar recorded alongside a capture file: enough
// metadata to index a recording without replaying its packets, in the
// same spirit as the teacher's CBOR-encoded capability manifests.
type Manifest struct {
	SessionID  uuid.UUID
	ServerInfo config.ServerInfo
}

// Recorder wraps an io.Writer destination (typically a file) and tracks
// recording state. A Recorder satisfies handlers.Connection via Send, so
// Scene.SaveSnapshot can write its opening snapshot directly into it.
type Recorder struct {
	dest       io.Writer
	state      State
	timeUnitUs uint32
	sessionID  uuid.UUID
}

// Open begins recording to dest: it immediately writes a ServerInfo packet
// and transitions to PendingSnapshot, awaiting the caller's first full
// snapshot (via Scene.SaveSnapshot on this Recorder, or manual Send calls)
// before RecordPacket is accepted.
func Open(dest io.Writer, info config.ServerInfo) (*Recorder, error) {
	r := &Recorder{dest: dest, state: StatePendingSnapshot, timeUnitUs: info.TimeUnitUs, sessionID: uuid.New()}
	w := packet.NewWriter(packet.RoutingServerInfo, 0)
	w.WriteUint8(uint8(info.CoordinateFrame))
	w.WriteUint32(info.TimeUnitUs)
	w.WriteUint32(info.DefaultFrameTimeUnits)
	buf, err := w.Finalise()
	if err != nil {
		return nil, err
	}
	if err := r.Send(buf); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenFile is the file-backed convenience constructor: it creates path,
// opens a Recorder over it, and writes a CBOR manifest sidecar at
// path+".manifest.cbor" carrying the session id and server info.
func OpenFile(path string, info config.ServerInfo) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := Open(f, info)
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := cbor.Marshal(Manifest{SessionID: r.sessionID, ServerInfo: info})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".manifest.cbor", data, 0o644); err != nil {
		return nil, err
	}
	return r, nil
}

// SessionID returns the recorder's session identifier, also present in its
// manifest sidecar.
func (r *Recorder) SessionID() uuid.UUID { return r.sessionID }

// Send writes packetBytes verbatim. It satisfies handlers.Connection so a
// Recorder can be the target of Scene.SaveSnapshot's opening snapshot.
func (r *Recorder) Send(packetBytes []byte) error {
	if r.state == StateClosed {
		return &Error{Message: "recorder is closed"}
	}
	_, err := r.dest.Write(packetBytes)
	return err
}

// SnapshotWritten marks the required first-frame snapshot as complete,
// allowing RecordPacket to begin accepting ordinary packets.
func (r *Recorder) SnapshotWritten() {
	if r.state == StatePendingSnapshot {
		r.state = StateRecording
	}
}

// RecordPacket appends a packet's bytes verbatim. It fails if called before
// the initial snapshot has been written.
func (r *Recorder) RecordPacket(packetBytes []byte) error {
	if r.state == StatePendingSnapshot {
		return &Error{Message: "recorder requires an initial snapshot before regular packets"}
	}
	return r.Send(packetBytes)
}

// Flush emits a FRAME control packet whose value32 is dt rounded to the
// recorder's time unit.
func (r *Recorder) Flush(dt float64) error {
	if r.state == StatePendingSnapshot {
		return &Error{Message: "recorder requires an initial snapshot before the first flush"}
	}
	units := uint32(math.Round(dt / float64(r.timeUnitUs) * 1e6))
	w := packet.NewWriter(packet.RoutingControl, uint16(packet.ControlFrame))
	w.WriteUint32(units)
	buf, err := w.Finalise()
	if err != nil {
		return err
	}
	return r.Send(buf)
}

// Close transitions the recorder to Closed; further Send/RecordPacket calls fail.
func (r *Recorder) Close() error {
	r.state = StateClosed
	if closer, ok := r.dest.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// State returns the recorder's current lifecycle stage.
func (r *Recorder) State() State { return r.state }
