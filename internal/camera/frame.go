// Package camera implements frame acquisition from a local capture device.
package camera

// TimeBase is the clock rate for frame presentation timestamps, matching
// the 90 kHz RTP video clock.
const TimeBase = 90000

// Frame is one captured picture in RGB24 order, never mutated after
// creation. PTS is stamped by the consuming track's clock (in TimeBase
// units), not by the device clock.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	PTS    int64
}
