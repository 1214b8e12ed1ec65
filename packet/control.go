package packet

// ControlMessageID enumerates the CONTROL routing id's message kinds
// (spec.md §4.7). Numeric values are an internal detail of this protocol
// implementation, not part of the externally-frozen routing id table.
type ControlMessageID uint16

const (
	ControlFrame ControlMessageID = iota
	ControlCoordinateFrame
	ControlFrameCount
	ControlForceFrameFlush
	ControlReset
	ControlKeyframe
	ControlEnd
)
