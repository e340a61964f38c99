// Streamer — WebRTC camera streaming server.
//
// Accepts WebSocket signaling connections, negotiates one peer connection
// per client, and streams the local camera as a VP8 video track. Runs
// until interrupted; on interrupt every live session is closed before
// exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/angkira/rpi-webrtc-streamer/internal/camera"
	"github.com/angkira/rpi-webrtc-streamer/internal/config"
	"github.com/angkira/rpi-webrtc-streamer/internal/engine"
	"github.com/angkira/rpi-webrtc-streamer/internal/signaling"
	"github.com/angkira/rpi-webrtc-streamer/internal/track"
	"github.com/angkira/rpi-webrtc-streamer/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address for the signaling WebSocket server")
	flag.IntVar(&cfg.Camera.Index, "camera", cfg.Camera.Index, "Camera index (0, 1, 2...)")
	flag.IntVar(&cfg.Camera.Width, "width", cfg.Camera.Width, "Requested capture width")
	flag.IntVar(&cfg.Camera.Height, "height", cfg.Camera.Height, "Requested capture height")
	fps := flag.Float64("fps", float64(cfg.Camera.FPS), "Requested capture frame rate")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()
	cfg.Camera.FPS = float32(*fps)

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Streamer — v%s", version))
	pterm.Println()

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	// Probe the camera before accepting anyone.
	probe, err := camera.Open(camera.OpenDevice, cfg.Camera)
	if err != nil {
		util.LogError("camera test failed: %v", err)
		os.Exit(1)
	}
	probe.Close()
	util.LogInfo("camera test successful")

	selector, err := engine.NewCodecSelector()
	if err != nil {
		util.LogError("failed to configure VP8 encoder: %v", err)
		os.Exit(1)
	}

	// Each accepted connection gets its own capture handle, track adapter,
	// and engine connection.
	bind := func() (signaling.Peer, io.Closer, error) {
		src, err := camera.Open(camera.OpenDevice, cfg.Camera)
		if err != nil {
			return nil, nil, err
		}
		adapter := track.NewAdapter(src)
		conn, err := engine.NewConn(adapter, selector)
		if err != nil {
			adapter.Close()
			return nil, nil, err
		}
		return conn, adapter, nil
	}

	reg := signaling.NewRegistry()
	srv := signaling.NewServer(bind, reg)

	port, err := srv.Start(cfg.Addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("signaling server listening on ws://0.0.0.0:%d (camera %d)", port, cfg.Camera.Index)

	<-ctx.Done()
	util.LogInfo("shutting down, closing %d session(s)", reg.Len())
	srv.Close()
}
