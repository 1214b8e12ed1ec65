package scene

import "github.com/filegrind/tes-scene/packet"

// FrameEvent reports the observable effect of processing one CONTROL
// packet: whether a frame ended (and with what raw interval, in
// ServerInfo.TimeUnitUs ticks — the caller applies playback speed) and
// whether a reset was requested.
type FrameEvent struct {
	FrameEnded    bool
	FrameNumber   uint32
	IntervalUnits uint32
	Reset         bool
}

func readControlValue(v *packet.View) (uint32, error) {
	if v.Remaining() < 4 {
		return 0, nil
	}
	return v.ReadUint32()
}
