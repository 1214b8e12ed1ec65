// Command tesreplay drives a StreamThread against a recorded file, logging
// frame progress via glog. It exists as a minimal, runnable
// exercise of the scene/threads packages end to end.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/filegrind/tes-scene/config"
	"github.com/filegrind/tes-scene/handlers"
	"github.com/filegrind/tes-scene/packet"
	"github.com/filegrind/tes-scene/scene"
	"github.com/filegrind/tes-scene/threads"
)

func main() {
	path := flag.String("file", "", "path to a recorded .3es stream")
	speed := flag.Float64("speed", 1, "playback speed in [0.01, 20]")
	loop := flag.Bool("loop", false, "restart at EOF")
	snapshotDir := flag.String("snapshot-dir", os.TempDir(), "directory for keyframe snapshots")
	flag.Parse()
	defer glog.Flush()

	if *path == "" {
		glog.Fatal("tesreplay: -file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		glog.Fatalf("tesreplay: open %s: %v", *path, err)
	}
	defer f.Close()

	reg := registerDefaultHandlers()
	sc := scene.New(reg, config.DefaultLogger())

	settings := config.DefaultPlaybackSettings()
	settings.PlaybackSpeed = *speed
	settings.Looping = *loop

	st := threads.NewStreamThread(sc, f, settings, *snapshotDir, config.DefaultLogger())
	go st.Run()
	defer st.Stop()

	for {
		glog.Infof("tesreplay: frame %d/%d", sc.CurrentFrame(), sc.TotalFrames())
		time.Sleep(time.Second)
	}
}

// registerDefaultHandlers builds the registry for every routing id a plain
// replay cares about: the generic shapes plus mesh and category resources.
func registerDefaultHandlers() *handlers.Registry {
	reg := handlers.NewRegistry()
	shapeRoutings := []packet.RoutingID{
		packet.RoutingSphere, packet.RoutingBox, packet.RoutingCone,
		packet.RoutingCylinder, packet.RoutingCapsule, packet.RoutingPlane,
		packet.RoutingStar, packet.RoutingArrow, packet.RoutingMeshShape,
		packet.RoutingMeshSet, packet.RoutingText3D, packet.RoutingText2D,
		packet.RoutingPose,
	}
	for _, routing := range shapeRoutings {
		if err := reg.Register(handlers.NewShapeHandler(routing, uint16(handlers.MsgCreate))); err != nil {
			glog.Fatalf("tesreplay: register handler: %v", err)
		}
	}
	if err := reg.Register(handlers.NewMeshResourceHandler()); err != nil {
		glog.Fatalf("tesreplay: register mesh handler: %v", err)
	}
	if err := reg.Register(handlers.NewCategoryHandler()); err != nil {
		glog.Fatalf("tesreplay: register category handler: %v", err)
	}
	return reg
}
