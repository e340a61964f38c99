package camera

import (
	"sync"
	"time"

	"github.com/angkira/rpi-webrtc-streamer/internal/config"
	"github.com/angkira/rpi-webrtc-streamer/internal/util"
)

// Source pulls frames from an open capture device and converts them to the
// RGB order expected downstream. A capture failure never fails the pull: a
// zero-filled frame of the negotiated dimensions is substituted instead,
// paced at the configured frame interval so consumers keep their rhythm.
//
// A Source exclusively owns its device handle; it must not be shared
// between sessions.
type Source struct {
	dev      Device
	width    int
	height   int
	fps      float32
	interval time.Duration
	last     time.Time

	closeOnce sync.Once
}

// Open opens the capture device described by cfg and wraps it as a Source.
// Width/height/fps are hints only — the values the device actually
// negotiated are read back and logged.
func Open(open OpenFunc, cfg config.Camera) (*Source, error) {
	dev, err := open(cfg)
	if err != nil {
		return nil, err
	}

	width, height, fps := dev.Props()
	util.LogInfo("camera %d: %dx%d @ %.1ffps", cfg.Index, width, height, fps)
	if fps <= 0 {
		fps = cfg.FPS
	}

	return &Source{
		dev:      dev,
		width:    width,
		height:   height,
		fps:      fps,
		interval: time.Duration(float64(time.Second) / float64(fps)),
	}, nil
}

// Width returns the negotiated frame width.
func (s *Source) Width() int { return s.width }

// Height returns the negotiated frame height.
func (s *Source) Height() int { return s.height }

// FPS returns the negotiated frame rate.
func (s *Source) FPS() float32 { return s.fps }

// NextFrame blocks for the next frame. It cannot fail: when the device
// returns no data, a blank RGB frame of the negotiated dimensions is
// produced after the usual frame interval has elapsed.
func (s *Source) NextFrame() Frame {
	pix, ok := s.dev.ReadFrame()
	if !ok {
		util.LogWarning("capture failed, substituting blank frame")
		util.Stats.AddDropped()
		s.holdRate()
		return Frame{
			Data:   make([]byte, s.width*s.height*3),
			Width:  s.width,
			Height: s.height,
		}
	}

	util.Stats.AddFrame()
	s.last = time.Now()
	return Frame{Data: bgrToRGB(pix), Width: s.width, Height: s.height}
}

// holdRate sleeps until one frame interval has passed since the previous
// frame. A dead device would otherwise spin the substitution path flat out.
func (s *Source) holdRate() {
	if wait := s.interval - time.Since(s.last); wait > 0 {
		time.Sleep(wait)
	}
	s.last = time.Now()
}

// Close releases the device handle. Safe to call multiple times; only the
// first call releases.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.dev.Release()
	})
	return nil
}

// bgrToRGB reorders packed BGR24 samples into RGB24.
func bgrToRGB(pix []byte) []byte {
	out := make([]byte, len(pix))
	for i := 0; i+2 < len(pix); i += 3 {
		out[i], out[i+1], out[i+2] = pix[i+2], pix[i+1], pix[i]
	}
	return out
}
