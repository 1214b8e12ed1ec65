// Package keyframe implements the append-only keyframe store used by the
// stream thread to support reverse seeking without replaying from the
// start of a file (spec.md §4.11).
package keyframe

import (
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// Keyframe records a snapshot taken at a given point in a replay stream.
type Keyframe struct {
	FrameNumber  uint32
	StreamOffset int64
	SnapshotPath string
}

// Error reports a keyframe store contract violation.
type Error struct{ Message string }

func (e *Error) Error() string { return "keyframe: " + e.Message }

// Store is an append-only, frame-number-ordered vector of Keyframe. It is
// not internally synchronised: callers (the stream thread) must guarantee
// single-threaded access, per spec.md §5.
type Store struct {
	entries []Keyframe
}

// NewStore builds an empty keyframe store.
func NewStore() *Store { return &Store{} }

// Add appends kf, which must strictly increase both frame number and
// stream offset relative to the current last entry. A small CBOR sidecar
// is written next to the snapshot file so the index can be rebuilt
// without re-parsing the wire format, mirroring the teacher's use of CBOR
// for self-describing metadata rather than a hand-rolled struct packer.
func (s *Store) Add(kf Keyframe) error {
	if len(s.entries) > 0 {
		last := s.entries[len(s.entries)-1]
		if kf.FrameNumber <= last.FrameNumber {
			return &Error{Message: "frame number must increase monotonically"}
		}
		if kf.StreamOffset <= last.StreamOffset {
			return &Error{Message: "stream offset must increase monotonically"}
		}
	}
	if kf.SnapshotPath != "" {
		if err := writeSidecar(kf); err != nil {
			glog.Warningf("keyframe: failed to write sidecar for %s: %v", kf.SnapshotPath, err)
		}
	}
	s.entries = append(s.entries, kf)
	return nil
}

func sidecarPath(snapshotPath string) string { return snapshotPath + ".meta.cbor" }

func writeSidecar(kf Keyframe) error {
	data, err := cbor.Marshal(kf)
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(kf.SnapshotPath), data, 0o644)
}

func removeSidecar(snapshotPath string) {
	if err := os.Remove(sidecarPath(snapshotPath)); err != nil && !os.IsNotExist(err) {
		glog.Warningf("keyframe: failed to remove sidecar for %s: %v", snapshotPath, err)
	}
}

// LookupNearest returns the greatest entry with FrameNumber <= targetFrame,
// or false if none qualifies.
func (s *Store) LookupNearest(targetFrame uint32) (Keyframe, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].FrameNumber > targetFrame
	})
	if i == 0 {
		return Keyframe{}, false
	}
	return s.entries[i-1], true
}

// Remove deletes the entry for frameNumber (used when a snapshot fails to
// replay) along with its on-disk snapshot file, best-effort.
func (s *Store) Remove(frameNumber uint32) {
	for i, kf := range s.entries {
		if kf.FrameNumber == frameNumber {
			if err := os.Remove(kf.SnapshotPath); err != nil && !os.IsNotExist(err) {
				glog.Warningf("keyframe: failed to remove snapshot %s: %v", kf.SnapshotPath, err)
			}
			removeSidecar(kf.SnapshotPath)
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Last returns the most recent keyframe, or the zero value and false if
// the store is empty.
func (s *Store) Last() (Keyframe, bool) {
	if len(s.entries) == 0 {
		return Keyframe{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Len reports the number of stored keyframes.
func (s *Store) Len() int { return len(s.entries) }

// Close deletes every remaining snapshot file, best-effort.
func (s *Store) Close() {
	for _, kf := range s.entries {
		if err := os.Remove(kf.SnapshotPath); err != nil && !os.IsNotExist(err) {
			glog.Warningf("keyframe: failed to remove snapshot %s: %v", kf.SnapshotPath, err)
		}
		removeSidecar(kf.SnapshotPath)
	}
	s.entries = nil
}

// Load rebuilds a Store from the CBOR sidecars found next to entries,
// without re-parsing any snapshot file, by reading each sidecar named in
// paths (already ordered by frame number).
func Load(sidecarPaths []string) (*Store, error) {
	s := NewStore()
	for _, path := range sidecarPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var kf Keyframe
		if err := cbor.Unmarshal(data, &kf); err != nil {
			return nil, err
		}
		if err := s.Add(kf); err != nil {
			return nil, err
		}
	}
	return s, nil
}
