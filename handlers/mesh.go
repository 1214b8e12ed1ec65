package handlers

import (
	"sync"

	"github.com/filegrind/tes-scene/databuf"
	"github.com/filegrind/tes-scene/packet"
)

// MeshResourceState tracks a mesh resource through its lifecycle, mirroring
// original_source/3es-view/.../handler/3esmeshresource.h: a mesh is
// announced, built up across one or more Data messages, becomes ready for
// rendering, and is only actually released once every shape referencing it
// has let go.
type MeshResourceState int

const (
	MeshAnnounced MeshResourceState = iota
	MeshBuilding
	MeshReady
	MeshMarkedForDeath
	MeshReleased
)

// meshStreamVertices/meshStreamIndices identify which of a mesh resource's
// two component streams a Data message's payload carries, immediately after
// the mesh id.
const (
	meshStreamVertices uint8 = iota
	meshStreamIndices
)

// meshDataByteLimit bounds how many bytes of a component stream a single
// Data message carries; Serialise splits a larger buffer across several
// messages, one per offset window, the same way a live source streams mesh
// geometry incrementally as it builds.
const meshDataByteLimit = 4096

// MeshResource is one mesh definition shared by (potentially many)
// MeshShape/MeshSet instances, refcounted so a shape Destroy doesn't tear
// down geometry still used elsewhere.
type MeshResource struct {
	Id       uint32
	State    MeshResourceState
	Vertices *databuf.DataBuffer
	Indices  *databuf.DataBuffer
	refs     int
}

// streamBuffer returns the DataBuffer backing the given mesh component
// stream, allocating it on first use. Vertices are 3-component Float32
// positions; indices are 1-component UInt32 vertex references, matching
// original_source/3es-core/.../meshmessages.h's MeshComponent layout.
func (m *MeshResource) streamBuffer(stream uint8) (*databuf.DataBuffer, error) {
	switch stream {
	case meshStreamVertices:
		if m.Vertices == nil {
			db, err := databuf.NewOwned(databuf.Float32, 3, 0)
			if err != nil {
				return nil, err
			}
			m.Vertices = db
		}
		return m.Vertices, nil
	case meshStreamIndices:
		if m.Indices == nil {
			db, err := databuf.NewOwned(databuf.UInt32, 1, 0)
			if err != nil {
				return nil, err
			}
			m.Indices = db
		}
		return m.Indices, nil
	default:
		return nil, &Error{Message: "unknown mesh component stream"}
	}
}

// AddRef records a new user of this mesh.
func (m *MeshResource) AddRef() { m.refs++ }

// Release drops a user; once refs reaches zero a MeshReady resource
// transitions to MeshMarkedForDeath rather than disappearing immediately,
// so a resource re-announced in the same frame can be resurrected.
func (m *MeshResource) Release() {
	if m.refs > 0 {
		m.refs--
	}
	if m.refs == 0 && m.State == MeshReady {
		m.State = MeshMarkedForDeath
	}
}

// MeshResourceHandler owns the MESH routing id: mesh definitions are
// announced, streamed via Data messages, and reaped once marked for death
// and unreferenced at end of frame.
type MeshResourceHandler struct {
	mu        sync.Mutex
	resources map[uint32]*MeshResource
}

// NewMeshResourceHandler builds an empty mesh resource table.
func NewMeshResourceHandler() *MeshResourceHandler {
	return &MeshResourceHandler{resources: make(map[uint32]*MeshResource)}
}

func (h *MeshResourceHandler) RoutingID() packet.RoutingID { return packet.RoutingMesh }

func (h *MeshResourceHandler) Initialise() error { return nil }

func (h *MeshResourceHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resources = make(map[uint32]*MeshResource)
}

func (h *MeshResourceHandler) PrepareFrame(stamp FrameStamp) error { return nil }

// EndFrame reaps every resource marked for death: this is the one point at
// which a MeshMarkedForDeath resource actually disappears from the table.
func (h *MeshResourceHandler) EndFrame(stamp FrameStamp) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, res := range h.resources {
		if res.State == MeshMarkedForDeath {
			res.State = MeshReleased
			delete(h.resources, id)
		}
	}
	return nil
}

func (h *MeshResourceHandler) ReadMessage(v *packet.View) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch MessageID(v.Header().MessageID) {
	case MsgCreate:
		id, err := v.ReadUint32()
		if err != nil {
			return err
		}
		res, ok := h.resources[id]
		if !ok {
			res = &MeshResource{Id: id}
			h.resources[id] = res
		}
		res.State = MeshBuilding
		return nil
	case MsgData:
		id, err := v.ReadUint32()
		if err != nil {
			return err
		}
		res, ok := h.resources[id]
		if !ok {
			return &Error{Message: "data for unknown mesh resource"}
		}
		stream, err := v.ReadUint8()
		if err != nil {
			return err
		}
		target, err := res.streamBuffer(stream)
		if err != nil {
			return err
		}
		if _, err := target.ReadFrom(v); err != nil {
			return err
		}
		res.State = MeshReady
		return nil
	case MsgDestroy:
		id, err := v.ReadUint32()
		if err != nil {
			return err
		}
		if res, ok := h.resources[id]; ok {
			if res.refs > 0 {
				res.State = MeshMarkedForDeath
			} else {
				res.State = MeshReleased
				delete(h.resources, id)
			}
		}
		return nil
	default:
		return nil
	}
}

// Serialise reproduces every resource that has at least reached Building:
// a Create message restores the table entry, and for Ready resources the
// Data messages that follow it re-emit the vertex and index streams.
// Resources already MarkedForDeath are skipped: EndFrame would reap them
// before a replayed stream could reference them again.
func (h *MeshResourceHandler) Serialise(conn Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, res := range h.resources {
		if res.State == MeshMarkedForDeath || res.State == MeshReleased {
			continue
		}
		w := packet.NewWriter(packet.RoutingMesh, uint16(MsgCreate))
		w.WriteUint32(id)
		buf, err := w.Finalise()
		if err != nil {
			return err
		}
		if err := conn.Send(buf); err != nil {
			return err
		}
		if res.State != MeshReady {
			continue
		}
		if err := res.serialiseStream(conn, id, meshStreamVertices, res.Vertices, databuf.Float32); err != nil {
			return err
		}
		if err := res.serialiseStream(conn, id, meshStreamIndices, res.Indices, databuf.UInt32); err != nil {
			return err
		}
	}
	return nil
}

// serialiseStream re-emits one component stream as a sequence of Data
// messages, each carrying as many elements as fit within meshDataByteLimit,
// until the whole buffer has been written.
func (m *MeshResource) serialiseStream(conn Connection, id uint32, stream uint8, buf *databuf.DataBuffer, asType databuf.PrimitiveType) error {
	if buf == nil || buf.Length() == 0 {
		return nil
	}
	for offset := 0; offset < buf.Length(); {
		w := packet.NewWriter(packet.RoutingMesh, uint16(MsgData))
		w.WriteUint32(id)
		w.WriteUint8(stream)
		written, err := buf.WriteTo(w, offset, asType, meshDataByteLimit-w.Len(), 0)
		if err != nil {
			return err
		}
		if written == 0 {
			return &Error{Message: "mesh component stream made no progress"}
		}
		encoded, err := w.Finalise()
		if err != nil {
			return err
		}
		if err := conn.Send(encoded); err != nil {
			return err
		}
		offset += int(written)
	}
	return nil
}

// Lookup returns the mesh resource for id, or nil.
func (h *MeshResourceHandler) Lookup(id uint32) *MeshResource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resources[id]
}

// Error reports a handler-level protocol violation.
type Error struct{ Message string }

func (e *Error) Error() string { return "handlers: " + e.Message }
