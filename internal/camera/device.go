package camera

import (
	"errors"
	"fmt"
	"image"

	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the platform camera driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/angkira/rpi-webrtc-streamer/internal/config"
)

// ErrDeviceUnavailable indicates the capture device could not be opened.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Device is one open capture handle. Frames come back in the device-native
// BGR24 order.
type Device interface {
	// ReadFrame returns the next raw frame. ok is false when the device
	// produced no data.
	ReadFrame() (pix []byte, ok bool)

	// Props returns the negotiated capture parameters, which may differ
	// from the requested ones.
	Props() (width, height int, fps float32)

	// Release frees the device handle.
	Release()
}

// OpenFunc opens a capture device with the given hints.
type OpenFunc func(cfg config.Camera) (Device, error)

// OpenDevice opens the cfg.Index-th video capture driver on this machine.
// The requested width/height/fps are matched against the modes the driver
// advertises; the closest supported mode wins.
func OpenDevice(cfg config.Camera) (Device, error) {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if cfg.Index >= len(drivers) {
		return nil, fmt.Errorf("%w: no camera at index %d (%d found)",
			ErrDeviceUnavailable, cfg.Index, len(drivers))
	}

	d := drivers[cfg.Index]
	if err := d.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	recorder, ok := d.(driver.VideoRecorder)
	if !ok {
		d.Close()
		return nil, fmt.Errorf("%w: driver %s cannot record video", ErrDeviceUnavailable, d.ID())
	}

	selected := closestMode(d.Properties(), cfg)
	reader, err := recorder.VideoRecord(selected)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return &captureDevice{driver: d, reader: reader, mode: selected}, nil
}

// closestMode picks the advertised capture mode nearest to the requested
// resolution. Drivers that advertise nothing get the request verbatim.
func closestMode(modes []prop.Media, cfg config.Camera) prop.Media {
	want := prop.Media{Video: prop.Video{
		Width:       cfg.Width,
		Height:      cfg.Height,
		FrameRate:   cfg.FPS,
		FrameFormat: frame.FormatI420,
	}}
	if len(modes) == 0 {
		return want
	}

	best, bestScore := modes[0], -1
	for _, m := range modes {
		score := abs(m.Video.Width-cfg.Width) + abs(m.Video.Height-cfg.Height)
		if bestScore < 0 || score < bestScore {
			best, bestScore = m, score
		}
	}
	if best.Video.FrameRate == 0 {
		best.Video.FrameRate = cfg.FPS
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// captureDevice adapts a mediadevices video driver to the Device contract.
type captureDevice struct {
	driver driver.Driver
	reader video.Reader
	mode   prop.Media
}

func (d *captureDevice) ReadFrame() ([]byte, bool) {
	img, release, err := d.reader.Read()
	if err != nil {
		return nil, false
	}
	defer release()
	return imageToBGR(img), true
}

func (d *captureDevice) Props() (int, int, float32) {
	return d.mode.Video.Width, d.mode.Video.Height, d.mode.Video.FrameRate
}

func (d *captureDevice) Release() {
	_ = d.driver.Close()
}

// imageToBGR flattens a decoded frame into packed BGR24 samples, the order
// the rest of the pipeline treats as device-native.
func imageToBGR(img image.Image) []byte {
	bounds := img.Bounds()
	pix := make([]byte, bounds.Dx()*bounds.Dy()*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pix[i] = byte(b >> 8)
			pix[i+1] = byte(g >> 8)
			pix[i+2] = byte(r >> 8)
			i += 3
		}
	}
	return pix
}
