package handlers

import (
	"fmt"

	"github.com/filegrind/tes-scene/packet"
)

// FrameStamp identifies the frame a handler is being asked to promote or
// finalise.
type FrameStamp struct {
	FrameNumber uint32
}

// Connection is the minimal sink a handler needs to serialise itself: send
// one already-finalised packet. Recorders, TCP connections and snapshot
// files all satisfy it.
type Connection interface {
	Send(packetBytes []byte) error
}

// Handler owns one category of scene entity: it decodes incoming packets
// for its routing id, participates in the frame promote/finalise protocol,
// and can reproduce its current state for a snapshot.
type Handler interface {
	RoutingID() packet.RoutingID
	Initialise() error
	Reset()
	PrepareFrame(stamp FrameStamp) error
	EndFrame(stamp FrameStamp) error
	ReadMessage(v *packet.View) error
	Serialise(conn Connection) error
}

// Registry routes decoded packets to the handler registered for their
// routing id and keeps the registration order for deterministic snapshot
// and update sequencing.
type Registry struct {
	byRouting map[packet.RoutingID]Handler
	ordered   []Handler
	warned    map[packet.RoutingID]bool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byRouting: make(map[packet.RoutingID]Handler),
		warned:    make(map[packet.RoutingID]bool),
	}
}

// Register adds h, keyed by its own RoutingID. Handler lists are mutated
// only before scene startup, never concurrently with dispatch.
func (r *Registry) Register(h Handler) error {
	id := h.RoutingID()
	if _, exists := r.byRouting[id]; exists {
		return fmt.Errorf("handlers: routing id %d already registered", id)
	}
	r.byRouting[id] = h
	r.ordered = append(r.ordered, h)
	return nil
}

// Lookup returns the handler for routingID, or nil if none is registered.
func (r *Registry) Lookup(routingID packet.RoutingID) Handler {
	return r.byRouting[routingID]
}

// Ordered returns handlers in registration order, used for update
// sequencing and snapshot serialisation.
func (r *Registry) Ordered() []Handler { return r.ordered }

// Dispatch routes v to the handler registered for its routing id. An
// unknown routing id is logged once (via warn) and silently dropped
// thereafter, per spec.md §7.
func (r *Registry) Dispatch(v *packet.View, warn func(routingID packet.RoutingID)) error {
	h := r.byRouting[v.Header().RoutingID]
	if h == nil {
		id := v.Header().RoutingID
		if !r.warned[id] {
			r.warned[id] = true
			if warn != nil {
				warn(id)
			}
		}
		return nil
	}
	return h.ReadMessage(v)
}
