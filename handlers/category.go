package handlers

import (
	"github.com/filegrind/tes-scene/packet"
)

// CategoryInfo describes one node in the category tree: shapes tagged with
// a category can be filtered (shown/hidden) recursively through their
// parent chain.
type CategoryInfo struct {
	Id            uint16
	Name          string
	ParentId      uint16
	DefaultActive bool
	Active        bool
}

// CategoryHandler owns the CATEGORY routing id: a hierarchy of named
// categories used to filter which shapes are visible without touching the
// shapes themselves.
type CategoryHandler struct {
	categories map[uint16]*CategoryInfo
}

// NewCategoryHandler builds an empty category table.
func NewCategoryHandler() *CategoryHandler {
	return &CategoryHandler{categories: make(map[uint16]*CategoryInfo)}
}

func (h *CategoryHandler) RoutingID() packet.RoutingID { return packet.RoutingCategory }

func (h *CategoryHandler) Initialise() error { return nil }

func (h *CategoryHandler) Reset() {
	h.categories = make(map[uint16]*CategoryInfo)
}

func (h *CategoryHandler) PrepareFrame(stamp FrameStamp) error { return nil }

func (h *CategoryHandler) EndFrame(stamp FrameStamp) error { return nil }

func (h *CategoryHandler) ReadMessage(v *packet.View) error {
	id, err := v.ReadUint16()
	if err != nil {
		return err
	}
	parentId, err := v.ReadUint16()
	if err != nil {
		return err
	}
	defaultActive, err := v.ReadUint8()
	if err != nil {
		return err
	}
	nameLen, err := v.ReadUint16()
	if err != nil {
		return err
	}
	nameBytes, err := v.ReadBytes(int(nameLen))
	if err != nil {
		return err
	}
	h.categories[id] = &CategoryInfo{
		Id:            id,
		Name:          string(nameBytes),
		ParentId:      parentId,
		DefaultActive: defaultActive != 0,
		Active:        defaultActive != 0,
	}
	return nil
}

func (h *CategoryHandler) Serialise(conn Connection) error {
	for _, cat := range h.categories {
		w := packet.NewWriter(packet.RoutingCategory, uint16(MsgCreate))
		w.WriteUint16(cat.Id)
		w.WriteUint16(cat.ParentId)
		active := uint8(0)
		if cat.Active {
			active = 1
		}
		w.WriteUint8(active)
		w.WriteUint16(uint16(len(cat.Name)))
		w.WriteBytes([]byte(cat.Name))
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

// Active reports whether id is active, walking up the parent chain:
// a category whose ancestor is inactive is itself treated as inactive
// (recursive filtering), unless it has no entry at all (defaults active).
func (h *CategoryHandler) Active(id uint16) bool {
	seen := make(map[uint16]bool)
	for {
		cat, ok := h.categories[id]
		if !ok {
			return true
		}
		if !cat.Active {
			return false
		}
		if seen[id] {
			return true // cycle guard
		}
		seen[id] = true
		if cat.ParentId == id || cat.ParentId == 0 {
			return true
		}
		id = cat.ParentId
	}
}

// SetActive sets a category's active flag directly (user toggle, not from
// the wire).
func (h *CategoryHandler) SetActive(id uint16, active bool) {
	if cat, ok := h.categories[id]; ok {
		cat.Active = active
	}
}
