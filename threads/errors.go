// Package threads implements the two data-thread flavours that feed a
// Scene: NetworkThread for a live TCP source and StreamThread for file
// replay with pause/seek/looping and keyframe-assisted reverse seeking
// (spec.md §4.9, §4.10).
package threads

// Error reports a threads-package contract violation, such as an
// out-of-range playback speed.
type Error struct{ Message string }

func (e *Error) Error() string { return "threads: " + e.Message }
