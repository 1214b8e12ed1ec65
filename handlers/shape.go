package handlers

import (
	"github.com/filegrind/tes-scene/packet"
)

// ShapeInstance is one live shape: its current Create/Update state plus the
// frame its Create arrived in. Transient clearing does not consult
// ArrivalFrame: EndFrame drops every transient.
type ShapeInstance struct {
	Id          Id
	Flags       ObjectFlag
	Transform   Transform
	Colour      uint32
	ArrivalFrame uint32
}

// ShapeHandler is the generic handler shared by every simple shape routing
// id (sphere, box, cone, cylinder, capsule, plane, star, arrow, pose): it
// owns a map of live instances keyed by numeric id, clears transients
// (Id.Numeric == 0) at the end of every frame, and replays Creates on
// Serialise to reproduce current state in a snapshot.
type ShapeHandler struct {
	routingID packet.RoutingID
	messageID uint16 // message id this handler's Create packets carry on serialise

	persistent map[uint32]*ShapeInstance
	transient  []*ShapeInstance
	frame      uint32
}

// NewShapeHandler builds a handler for routingID; messageID is the value
// used to stamp outgoing Create packets during Serialise.
func NewShapeHandler(routingID packet.RoutingID, messageID uint16) *ShapeHandler {
	return &ShapeHandler{
		routingID:  routingID,
		messageID:  messageID,
		persistent: make(map[uint32]*ShapeInstance),
	}
}

func (h *ShapeHandler) RoutingID() packet.RoutingID { return h.routingID }

func (h *ShapeHandler) Initialise() error { return nil }

func (h *ShapeHandler) Reset() {
	h.persistent = make(map[uint32]*ShapeInstance)
	h.transient = nil
}

// PrepareFrame promotes nothing on its own: shape state is mutated directly
// by ReadMessage and becomes visible to rendering once Scene promotes the
// frame. PrepareFrame exists to satisfy Handler and stamps the frame number
// transients created during this frame will carry.
func (h *ShapeHandler) PrepareFrame(stamp FrameStamp) error {
	h.frame = stamp.FrameNumber
	return nil
}

// EndFrame clears every transient shape: a transient observed in any frame
// does not survive past that frame's end_frame, matching spec.md §8's
// transient-shape property.
func (h *ShapeHandler) EndFrame(stamp FrameStamp) error {
	h.transient = nil
	return nil
}

func (h *ShapeHandler) ReadMessage(v *packet.View) error {
	switch MessageID(v.Header().MessageID) {
	case MsgCreate:
		m, err := DecodeCreate(v)
		if err != nil {
			return err
		}
		inst := &ShapeInstance{Id: m.Id, Flags: m.Flags, Transform: m.Transform, Colour: m.Colour, ArrivalFrame: h.frame}
		if m.Id.Transient() {
			h.transient = append(h.transient, inst)
		} else {
			h.persistent[m.Id.Numeric] = inst
		}
		return nil
	case MsgUpdate:
		m, err := DecodeUpdate(v)
		if err != nil {
			return err
		}
		if inst, ok := h.persistent[m.Id.Numeric]; ok {
			if m.Flags&UpdateFlagPosition != 0 {
				inst.Transform.Position = m.Transform.Position
			}
			if m.Flags&UpdateFlagRotation != 0 {
				inst.Transform.Rotation = m.Transform.Rotation
			}
			if m.Flags&UpdateFlagScale != 0 {
				inst.Transform.Scale = m.Transform.Scale
			}
			if m.Flags&UpdateFlagColour != 0 {
				inst.Colour = m.Colour
			}
		}
		return nil
	case MsgDestroy:
		m, err := DecodeDestroy(v)
		if err != nil {
			return err
		}
		delete(h.persistent, m.Id.Numeric)
		return nil
	default:
		return nil
	}
}

// Serialise emits a Create for every live persistent shape, in map
// iteration order, which is not defined. Transient shapes are not emitted.
func (h *ShapeHandler) Serialise(conn Connection) error {
	for _, inst := range h.persistent {
		w := packet.NewWriter(h.routingID, h.messageID)
		EncodeCreate(w, CreateMessage{Id: inst.Id, Flags: inst.Flags, Transform: inst.Transform, Colour: inst.Colour})
		buf, err := w.Finalise()
		if err != nil {
			return err
		}
		if err := conn.Send(buf); err != nil {
			return err
		}
	}
	return nil
}

// LiveCount returns the number of persistent shapes currently tracked, plus
// any transient shapes that arrived this frame and haven't been cleared yet.
func (h *ShapeHandler) LiveCount() int {
	return len(h.persistent) + len(h.transient)
}

// Persistent returns the instance registered under id, or nil.
func (h *ShapeHandler) Persistent(id uint32) *ShapeInstance {
	return h.persistent[id]
}
