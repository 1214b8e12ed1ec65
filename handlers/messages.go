// Package handlers implements per-category message handlers dispatched by
// routing id (spec.md §4.6) plus the generic shape lifecycle, mesh resource
// lifecycle and category hierarchy (§4.6 and the shape-handler family in
// original_source/3escore/shapes).
package handlers

import (
	"github.com/filegrind/tes-scene/packet"
)

// MessageID enumerates the within-handler message kinds. These numeric
// values are an internal implementation detail of this module, not part of
// the frozen wire contract spec.md §6.2 applies to routing ids.
type MessageID uint16

const (
	MsgCreate MessageID = iota
	MsgUpdate
	MsgDestroy
	MsgData
)

// ObjectFlag mirrors the shape flag bits carried on CreateMessage (double
// precision, wireframe, transparent, two-sided...). Only some bits are
// named; this module stores and re-emits the flags without inspecting them.
type ObjectFlag uint16

const (
	ObjectFlagDoublePrecision ObjectFlag = 1 << 0
	ObjectFlagWireframe       ObjectFlag = 1 << 1
	ObjectFlagTransparent     ObjectFlag = 1 << 2
)

// UpdateFlag selects which attributes an UpdateMessage carries (spec.md
// §3.4: "flags selects which of position/rotation/scale/colour are
// present"). It shares no bits with ObjectFlag — the same uint16 slot means
// something different on Update than it does on Create.
type UpdateFlag uint16

const (
	UpdateFlagPosition UpdateFlag = 1 << 0
	UpdateFlagRotation UpdateFlag = 1 << 1
	UpdateFlagScale    UpdateFlag = 1 << 2
	UpdateFlagColour   UpdateFlag = 1 << 3
)

// Id identifies a shape instance: a zero Numeric is transient (lives for a
// single frame), a non-zero Numeric persists until explicitly destroyed.
// IDs are only unique within one shape type; different shape types may
// reuse the same numeric id.
type Id struct {
	Numeric  uint32
	Category uint16
}

// Transient reports whether this id denotes a single-frame shape.
func (id Id) Transient() bool { return id.Numeric == 0 }

// Transform carries the position/rotation/scale triple every shape message
// shares. Rotation is a quaternion (x, y, z, w) — 3es leaves quaternion
// construction and geometric validity to the out-of-scope math layer.
type Transform struct {
	Position [3]float32
	Rotation [4]float32
	Scale    [3]float32
}

// CreateMessage announces a new shape instance.
type CreateMessage struct {
	Id        Id
	Flags     ObjectFlag
	Transform Transform
	Colour    uint32
}

// UpdateMessage moves/recolours an existing persistent shape. Flags
// indicates which of Transform.Position/Rotation/Scale and Colour were
// actually present on the wire; a handler merging this into persistent
// state must leave the other fields of the target untouched.
type UpdateMessage struct {
	Id        Id
	Flags     UpdateFlag
	Transform Transform
	Colour    uint32
}

// DestroyMessage removes a persistent shape.
type DestroyMessage struct {
	Id Id
}

// DataMessage carries a complex shape's payload fragment (e.g. a
// DataBuffer write for a mesh shape's vertices), identified by the shape's
// Id so multi-packet shapes can be reassembled.
type DataMessage struct {
	Id      Id
	Payload []byte
}

func readId(v *packet.View) (Id, error) {
	numeric, err := v.ReadUint32()
	if err != nil {
		return Id{}, err
	}
	category, err := v.ReadUint16()
	if err != nil {
		return Id{}, err
	}
	return Id{Numeric: numeric, Category: category}, nil
}

func readTransform(v *packet.View) (Transform, error) {
	var t Transform
	for i := range t.Position {
		f, err := v.ReadFloat32()
		if err != nil {
			return t, err
		}
		t.Position[i] = f
	}
	for i := range t.Rotation {
		f, err := v.ReadFloat32()
		if err != nil {
			return t, err
		}
		t.Rotation[i] = f
	}
	for i := range t.Scale {
		f, err := v.ReadFloat32()
		if err != nil {
			return t, err
		}
		t.Scale[i] = f
	}
	return t, nil
}

func writeId(w *packet.Writer, id Id) {
	w.WriteUint32(id.Numeric)
	w.WriteUint16(id.Category)
}

func writeTransform(w *packet.Writer, t Transform) {
	for _, f := range t.Position {
		w.WriteFloat32(f)
	}
	for _, f := range t.Rotation {
		w.WriteFloat32(f)
	}
	for _, f := range t.Scale {
		w.WriteFloat32(f)
	}
}

// DecodeCreate reads a CreateMessage from the view's payload cursor.
func DecodeCreate(v *packet.View) (CreateMessage, error) {
	var m CreateMessage
	id, err := readId(v)
	if err != nil {
		return m, err
	}
	flags, err := v.ReadUint16()
	if err != nil {
		return m, err
	}
	transform, err := readTransform(v)
	if err != nil {
		return m, err
	}
	colour, err := v.ReadUint32()
	if err != nil {
		return m, err
	}
	return CreateMessage{Id: id, Flags: ObjectFlag(flags), Transform: transform, Colour: colour}, nil
}

// EncodeCreate writes a CreateMessage's fields to w.
func EncodeCreate(w *packet.Writer, m CreateMessage) {
	writeId(w, m.Id)
	w.WriteUint16(uint16(m.Flags))
	writeTransform(w, m.Transform)
	w.WriteUint32(m.Colour)
}

// DecodeUpdate reads an UpdateMessage from the view's payload cursor,
// decoding only the attributes m.Flags marks present.
func DecodeUpdate(v *packet.View) (UpdateMessage, error) {
	var m UpdateMessage
	id, err := readId(v)
	if err != nil {
		return m, err
	}
	flags, err := v.ReadUint16()
	if err != nil {
		return m, err
	}
	m.Id = id
	m.Flags = UpdateFlag(flags)

	if m.Flags&UpdateFlagPosition != 0 {
		for i := range m.Transform.Position {
			f, err := v.ReadFloat32()
			if err != nil {
				return m, err
			}
			m.Transform.Position[i] = f
		}
	}
	if m.Flags&UpdateFlagRotation != 0 {
		for i := range m.Transform.Rotation {
			f, err := v.ReadFloat32()
			if err != nil {
				return m, err
			}
			m.Transform.Rotation[i] = f
		}
	}
	if m.Flags&UpdateFlagScale != 0 {
		for i := range m.Transform.Scale {
			f, err := v.ReadFloat32()
			if err != nil {
				return m, err
			}
			m.Transform.Scale[i] = f
		}
	}
	if m.Flags&UpdateFlagColour != 0 {
		colour, err := v.ReadUint32()
		if err != nil {
			return m, err
		}
		m.Colour = colour
	}
	return m, nil
}

// EncodeUpdate writes an UpdateMessage's fields to w, emitting only the
// attributes m.Flags marks present.
func EncodeUpdate(w *packet.Writer, m UpdateMessage) {
	writeId(w, m.Id)
	w.WriteUint16(uint16(m.Flags))
	if m.Flags&UpdateFlagPosition != 0 {
		for _, f := range m.Transform.Position {
			w.WriteFloat32(f)
		}
	}
	if m.Flags&UpdateFlagRotation != 0 {
		for _, f := range m.Transform.Rotation {
			w.WriteFloat32(f)
		}
	}
	if m.Flags&UpdateFlagScale != 0 {
		for _, f := range m.Transform.Scale {
			w.WriteFloat32(f)
		}
	}
	if m.Flags&UpdateFlagColour != 0 {
		w.WriteUint32(m.Colour)
	}
}

// DecodeDestroy reads a DestroyMessage from the view's payload cursor.
func DecodeDestroy(v *packet.View) (DestroyMessage, error) {
	id, err := readId(v)
	return DestroyMessage{Id: id}, err
}

// EncodeDestroy writes a DestroyMessage's fields to w.
func EncodeDestroy(w *packet.Writer, m DestroyMessage) {
	writeId(w, m.Id)
}

// DecodeData reads a DataMessage from the view's payload cursor, taking the
// remainder of the payload as the fragment.
func DecodeData(v *packet.View) (DataMessage, error) {
	id, err := readId(v)
	if err != nil {
		return DataMessage{}, err
	}
	rest, err := v.ReadBytes(v.Remaining())
	if err != nil {
		return DataMessage{}, err
	}
	return DataMessage{Id: id, Payload: rest}, nil
}

// EncodeData writes a DataMessage's fields to w.
func EncodeData(w *packet.Writer, m DataMessage) {
	writeId(w, m.Id)
	w.WriteBytes(m.Payload)
}
