package threads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filegrind/tes-scene/collate"
	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/keyframe"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/scene"
	"github.com/filegrind/tes-scene/streamio"
)

// StreamThread is the data thread for file replay: pause, step, seek,
// loop, variable speed and keyframe-assisted reverse seeking (spec.md
// §4.10).
type StreamThread struct {
	scene       *scene.Scene
	logger      config.Logger
	reader      *streamio.Reader
	keyframes   *keyframe.Store
	snapshotDir string

	// dataMu guards every field below, per spec.md §5's
	// StreamThread.data_mutex.
	dataMu                sync.Mutex
	pending               bool
	targetFrame           uint32
	looping               bool
	playbackSpeed         float64
	allowKeyframes        bool
	keyframeEveryFrames   uint32
	keyframeEveryBytes    int64
	keyframeMinSeparation uint32
	playbackCond          *sync.Cond

	paused     atomic.Bool
	quit       atomic.Bool
	catchingUp atomic.Bool

	currentFrame atomic.Uint32
	snapshotSeq  atomic.Uint32

	done chan struct{}
}

// NewStreamThread builds a StreamThread reading from source (typically an
// *os.File) under settings, writing any keyframe snapshots it takes into
// snapshotDir.
func NewStreamThread(sc *scene.Scene, source io.ReadSeeker, settings config.PlaybackSettings, snapshotDir string, logger config.Logger) *StreamThread {
	if logger == nil {
		logger = config.DefaultLogger()
	}
	speed := settings.PlaybackSpeed
	if speed <= 0 {
		speed = 1
	}
	st := &StreamThread{
		scene:                 sc,
		logger:                logger,
		reader:                streamio.NewReader(source),
		keyframes:             keyframe.NewStore(),
		snapshotDir:           snapshotDir,
		looping:               settings.Looping,
		playbackSpeed:         speed,
		allowKeyframes:        settings.AllowKeyframes,
		keyframeEveryFrames:   settings.KeyframeEveryFrames,
		keyframeEveryBytes:    int64(settings.KeyframeEveryMiB * 1024 * 1024),
		keyframeMinSeparation: settings.KeyframeMinSeparation,
		done:                  make(chan struct{}),
	}
	st.playbackCond = sync.NewCond(&st.dataMu)
	return st
}

// Run drives the replay loop until Stop is called or the underlying
// source can no longer produce packets (non-looping EOF leaves the thread
// parked, waiting for a seek or Stop).
func (st *StreamThread) Run() {
	defer close(st.done)
	for !st.quit.Load() {
		st.dataMu.Lock()
		pending, target := st.pending, st.targetFrame
		st.dataMu.Unlock()
		if pending && target < st.currentFrame.Load() {
			st.seekBackward(target)
			continue
		}

		st.dataMu.Lock()
		for st.paused.Load() && !st.pending && !st.quit.Load() {
			st.waitPlaybackLocked()
		}
		st.dataMu.Unlock()
		if st.quit.Load() {
			return
		}

		result := st.stepOnce()
		if result.eof {
			if st.handleEOF() {
				continue
			}
			return
		}
		if !result.frameEnded {
			continue
		}
		if result.promoted {
			st.sleepForInterval(result.intervalUnits)
			st.keyframeDecision(st.currentFrame.Load())
		}
	}
}

// handleEOF restarts playback at frame 0 when looping, or parks the
// thread waiting for Stop/SetTargetFrame/Pause otherwise. It returns true
// if the caller should keep running the loop.
func (st *StreamThread) handleEOF() bool {
	st.dataMu.Lock()
	if st.looping {
		st.pending = true
		st.targetFrame = 0
		st.dataMu.Unlock()
		return true
	}
	for !st.pending && !st.quit.Load() {
		st.waitPlaybackLocked()
	}
	st.dataMu.Unlock()
	return !st.quit.Load()
}

// Stop requests the thread to exit at its next opportunity.
func (st *StreamThread) Stop() {
	st.quit.Store(true)
	st.dataMu.Lock()
	st.playbackCond.Broadcast()
	st.dataMu.Unlock()
}

// Done is closed once Run has returned.
func (st *StreamThread) Done() <-chan struct{} { return st.done }

// IsLiveStream always reports false for file replay.
func (st *StreamThread) IsLiveStream() bool { return false }

// Pause toggles the pause gate and wakes the playback loop so the change
// takes effect immediately.
func (st *StreamThread) Pause(paused bool) {
	st.paused.Store(paused)
	st.dataMu.Lock()
	st.playbackCond.Broadcast()
	st.dataMu.Unlock()
}

// SetLooping toggles whether EOF restarts playback from frame 0.
func (st *StreamThread) SetLooping(looping bool) {
	st.dataMu.Lock()
	st.looping = looping
	st.dataMu.Unlock()
}

// SetPlaybackSpeed sets the playback rate; speed must lie in [0.01, 20].
func (st *StreamThread) SetPlaybackSpeed(speed float64) error {
	if speed < 0.01 || speed > 20 {
		return &Error{Message: fmt.Sprintf("playback speed %v out of range [0.01, 20]", speed)}
	}
	st.dataMu.Lock()
	st.playbackSpeed = speed
	st.dataMu.Unlock()
	return nil
}

// SetTargetFrame requests playback move to frame. The pause CV is always
// notified so a target set while paused both resumes and redirects
// playback (spec.md §9 open question on frame-0 targets while paused).
func (st *StreamThread) SetTargetFrame(frame uint32) {
	st.dataMu.Lock()
	st.pending = true
	st.targetFrame = frame
	st.playbackCond.Broadcast()
	st.dataMu.Unlock()
}

// CurrentFrame returns the data thread's own notion of position, which
// can run ahead of the Scene's render-promoted frame while catching up
// after a seek (spec.md §8 scenario 5).
func (st *StreamThread) CurrentFrame() uint32 { return st.currentFrame.Load() }

// TotalFrames mirrors the last FRAME_COUNT control value seen.
func (st *StreamThread) TotalFrames() uint32 { return st.scene.TotalFrames() }

// CatchingUp reports whether the thread is currently suppressing frame
// promotion while racing toward a seek target.
func (st *StreamThread) CatchingUp() bool { return st.catchingUp.Load() }

// KeyframeCount reports the number of keyframes recorded so far.
func (st *StreamThread) KeyframeCount() int { return st.keyframes.Len() }

func (st *StreamThread) waitPlaybackLocked() {
	timer := time.AfterFunc(300*time.Millisecond, func() {
		st.dataMu.Lock()
		st.playbackCond.Broadcast()
		st.dataMu.Unlock()
	})
	defer timer.Stop()
	st.playbackCond.Wait()
}

type stepResult struct {
	intervalUnits uint32
	frameEnded    bool
	promoted      bool
	eof           bool
}

// stepOnce extracts and processes packets until a FRAME ends one or the
// stream is exhausted.
func (st *StreamThread) stepOnce() stepResult {
	var result stepResult
	var dec collate.Decoder
	for {
		ext := st.reader.ExtractPacket()
		switch ext.Status {
		case streamio.StatusEnd, streamio.StatusNoStream, streamio.StatusIncomplete:
			result.eof = true
			return result
		}
		if ext.Status == streamio.StatusDropped {
			st.logger.Info("stream: dropped %d bytes before resync", ext.Dropped)
		}
		if ext.View == nil {
			continue
		}
		if ext.View.Header().RoutingID == packet.RoutingCollated {
			if err := dec.Set(ext.View); err != nil {
				st.logger.Warn("stream: bad collated packet: %v", err)
				continue
			}
			for {
				inner, err := dec.Next()
				if err != nil {
					st.logger.Warn("stream: collated decode error: %v", err)
					break
				}
				if inner == nil {
					break
				}
				if st.processOne(inner, &result) {
					return result
				}
			}
			continue
		}
		if st.processOne(ext.View, &result) {
			return result
		}
	}
}

// processOne processes a single packet, filling result when it ends a
// frame. It returns true when stepOnce should stop extracting and hand
// control back to Run, which happens exactly once per FRAME.
func (st *StreamThread) processOne(v *packet.View, result *stepResult) bool {
	if err := v.Validate(); err != nil {
		st.logger.Warn("stream: dropping packet with invalid CRC: %v", err)
		return false
	}
	h := v.Header()
	if !h.CompatibleWith(packet.CompatVersionMajor, packet.CompatVersionMinor, packet.VersionMajor, packet.VersionMinor) {
		st.logger.Warn("stream: skipping incompatible packet version %d.%d", h.VersionMajor, h.VersionMinor)
		return false
	}
	event, err := st.scene.ProcessMessage(v)
	if err != nil {
		st.logger.Warn("stream: %v", err)
		return false
	}
	if !event.FrameEnded {
		return false
	}
	st.currentFrame.Store(event.FrameNumber)

	promote := true
	st.dataMu.Lock()
	if st.pending {
		if event.FrameNumber < st.targetFrame {
			promote = false
		} else {
			st.pending = false
		}
	}
	st.dataMu.Unlock()
	st.catchingUp.Store(!promote)

	if promote {
		if err := st.scene.PrepareFrame(); err != nil {
			st.logger.Error("stream: prepare_frame: %v", err)
		}
	}

	result.intervalUnits = event.IntervalUnits
	result.frameEnded = true
	result.promoted = promote
	return true
}

func (st *StreamThread) sleepForInterval(units uint32) {
	timeUnitUs := st.scene.ServerInfo().TimeUnitUs
	if timeUnitUs == 0 {
		timeUnitUs = 1
	}
	st.dataMu.Lock()
	speed := st.playbackSpeed
	st.dataMu.Unlock()
	micros := float64(units) * float64(timeUnitUs) / speed
	if micros <= 0 {
		return
	}
	time.Sleep(time.Duration(micros) * time.Microsecond)
}

// keyframeDecision implements spec.md §4.10 step 5: after every promoted
// FRAME, take a new keyframe once all three separation thresholds clear.
func (st *StreamThread) keyframeDecision(frame uint32) {
	st.dataMu.Lock()
	allow := st.allowKeyframes
	everyFrames := st.keyframeEveryFrames
	everyBytes := st.keyframeEveryBytes
	minSep := st.keyframeMinSeparation
	st.dataMu.Unlock()
	if !allow {
		return
	}

	offset := st.reader.Offset()
	// With no keyframe yet, Last yields the zero value, so the thresholds
	// are measured from frame 0 at stream offset 0.
	last, _ := st.keyframes.Last()
	if frame < last.FrameNumber+everyFrames {
		return
	}
	if offset-last.StreamOffset < everyBytes {
		return
	}
	if frame < last.FrameNumber+minSep {
		return
	}
	st.writeKeyframe(frame, offset)
}

func (st *StreamThread) writeKeyframe(frame uint32, offset int64) {
	seq := st.snapshotSeq.Add(1)
	path := filepath.Join(st.snapshotDir, fmt.Sprintf("keyframe-%06d-%d.3es", seq, frame))
	f, err := os.Create(path)
	if err != nil {
		st.logger.Error("stream: keyframe snapshot create failed: %v", err)
		return
	}
	// StreamThread is its own render loop (it calls PrepareFrame itself), so
	// it must use the inline, same-thread snapshot path: SaveSnapshot's
	// pending/wait protocol would deadlock waiting for a PrepareFrame call
	// that only this same goroutine, currently blocked here, could make.
	_, saveErr := st.scene.SaveSnapshotNow(&fileConnection{f: f}, st.quit.Load)
	closeErr := f.Close()
	if saveErr != nil {
		st.logger.Warn("stream: keyframe snapshot failed: %v", saveErr)
		_ = os.Remove(path)
		return
	}
	if closeErr != nil {
		st.logger.Warn("stream: keyframe snapshot close failed: %v", closeErr)
	}
	if err := st.keyframes.Add(keyframe.Keyframe{FrameNumber: frame, StreamOffset: offset, SnapshotPath: path}); err != nil {
		st.logger.Warn("stream: keyframe store rejected entry: %v", err)
		_ = os.Remove(path)
	}
}

// seekBackward implements spec.md §4.10's reverse-seek algorithm: replay
// the nearest keyframe at or before target, if one exists, otherwise
// reset to the stream start; either way resume normal playback toward
// target afterward.
func (st *StreamThread) seekBackward(target uint32) {
	if kf, ok := st.keyframes.LookupNearest(target); ok {
		if err := st.replayKeyframe(kf); err != nil {
			st.logger.Warn("stream: keyframe replay failed, discarding: %v", err)
			st.keyframes.Remove(kf.FrameNumber)
			st.resetToStart()
		}
	} else {
		st.resetToStart()
	}
	st.dataMu.Lock()
	st.pending = true
	st.targetFrame = target
	st.dataMu.Unlock()
}

func (st *StreamThread) replayKeyframe(kf keyframe.Keyframe) error {
	st.scene.Reset(kf.FrameNumber)
	f, err := os.Open(kf.SnapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()

	snapReader := streamio.NewReader(f)
	var dec collate.Decoder
	for {
		ext := snapReader.ExtractPacket()
		if ext.Status == streamio.StatusEnd || ext.Status == streamio.StatusNoStream || ext.Status == streamio.StatusIncomplete {
			break
		}
		if ext.View == nil {
			continue
		}
		if ext.View.Header().RoutingID == packet.RoutingCollated {
			if err := dec.Set(ext.View); err == nil {
				for {
					inner, derr := dec.Next()
					if derr != nil || inner == nil {
						break
					}
					if _, err := st.scene.ProcessMessage(inner); err != nil {
						return err
					}
				}
			}
			continue
		}
		if _, err := st.scene.ProcessMessage(ext.View); err != nil {
			return err
		}
	}
	if err := st.scene.PrepareFrame(); err != nil {
		return err
	}
	st.currentFrame.Store(kf.FrameNumber)
	return st.reader.Seek(kf.StreamOffset)
}

func (st *StreamThread) resetToStart() {
	st.scene.Reset(0)
	if err := st.reader.Seek(0); err != nil {
		st.logger.Error("stream: seek to start failed: %v", err)
	}
	st.currentFrame.Store(0)
	if err := st.scene.PrepareFrame(); err != nil {
		st.logger.Error("stream: prepare_frame after reset failed: %v", err)
	}
}

// fileConnection adapts an *os.File to handlers.Connection so a keyframe
// snapshot can be written with Scene.SaveSnapshotNow.
type fileConnection struct{ f *os.File }

func (c *fileConnection) Send(packetBytes []byte) error {
	_, err := c.f.Write(packetBytes)
	return err
}

var _ handlers.Connection = (*fileConnection)(nil)
