// Package track adapts a camera Source into the pull-based video source
// the WebRTC engine consumes.
package track

import (
	"image"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/angkira/rpi-webrtc-streamer/internal/camera"
)

// Adapter exposes a camera Source as a pull-based video source. Each pull
// is stamped with a track-local monotonically increasing timestamp in
// camera.TimeBase units — the timestamp domain used for packetization is
// deliberately decoupled from whatever clock the capture device reports.
//
// The Adapter exclusively owns its Source; closing the Adapter closes the
// Source.
type Adapter struct {
	src  *camera.Source
	id   string
	pts  int64 // track-local clock, advances step per pull
	step int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewAdapter wraps src. The per-frame timestamp step is derived from the
// source's negotiated frame rate.
func NewAdapter(src *camera.Source) *Adapter {
	return &Adapter{
		src:  src,
		id:   uuid.NewString(),
		step: int64(float64(camera.TimeBase) / float64(src.FPS())),
	}
}

// Read pulls the next frame, stamps it, and hands it to the engine as an
// RGBA image. Returns io.EOF once the adapter is closed.
func (a *Adapter) Read() (image.Image, func(), error) {
	if a.closed.Load() {
		return nil, nil, io.EOF
	}

	f := a.src.NextFrame()
	f.PTS = atomic.AddInt64(&a.pts, a.step) - a.step

	return toRGBA(f), func() {}, nil
}

// ID identifies the track.
func (a *Adapter) ID() string { return a.id }

// PTS returns the timestamp the next frame will carry.
func (a *Adapter) PTS() int64 { return atomic.LoadInt64(&a.pts) }

// Close releases the underlying Source exactly once. Subsequent pulls
// fail with io.EOF instead of touching a released device.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.src.Close()
	})
	return nil
}

// toRGBA expands packed RGB24 samples to the RGBA layout the encoder
// expects, with an opaque alpha channel.
func toRGBA(f camera.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
