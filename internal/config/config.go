// Package config holds the runtime configuration types.
package config

import "fmt"

// Camera describes the requested capture parameters. The device treats
// these as hints; the negotiated values are read back after open.
type Camera struct {
	Index  int // device index (0, 1, 2...)
	Width  int
	Height int
	FPS    float32
}

// Config stores all parameters gathered from the CLI flags.
type Config struct {
	Addr   string // listen address for the signaling WebSocket server
	Camera Camera
	Debug  bool
}

// Default returns the configuration matching the original defaults:
// port 5557, camera 0, 640x480 @ 30fps.
func Default() Config {
	return Config{
		Addr: ":5557",
		Camera: Camera{
			Index:  0,
			Width:  640,
			Height: 480,
			FPS:    30,
		},
	}
}

// Validate reports the first invalid field, or nil.
func (c Config) Validate() error {
	if c.Camera.Index < 0 {
		return fmt.Errorf("invalid camera index %d", c.Camera.Index)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %.1f", c.Camera.FPS)
	}
	if c.Addr == "" {
		return fmt.Errorf("missing listen address")
	}
	return nil
}
