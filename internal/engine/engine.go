// Package engine wraps the pion WebRTC stack behind the narrow surface the
// signaling session drives: description handling, candidate exchange, and
// connection-state observation for one peer.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"

	"github.com/angkira/rpi-webrtc-streamer/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the streamer targets
// LAN and directly reachable deployments.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewCodecSelector returns a VP8 codec selector tuned for live camera
// streaming. One selector is shared by every connection.
func NewCodecSelector() (*mediadevices.CodecSelector, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	params.BitRate = 1_000_000
	params.KeyFrameInterval = 30
	params.Deadline = time.Millisecond * 200

	return mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&params)), nil
}

// Conn wraps a single PeerConnection carrying one send-only video track.
//
// Locally gathered ICE candidates and connection-state changes are
// delivered through channels, in emission order, for the owning session
// to drain.
type Conn struct {
	pc    *webrtc.PeerConnection
	media mediadevices.Track

	candidates chan webrtc.ICECandidateInit
	states     chan webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

// NewConn creates a PeerConnection with source attached as a send-only VP8
// video track. The returned Conn owns the derived media track; closing the
// Conn stops the encoder pulls before anything downstream is released.
func NewConn(source mediadevices.VideoSource, selector *mediadevices.CodecSelector) (*Conn, error) {
	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, err
	}

	media := mediadevices.NewVideoTrack(source, selector)
	if _, err := pc.AddTransceiverFromTrack(media, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		media.Close()
		pc.Close()
		return nil, err
	}

	c := &Conn{
		pc:         pc,
		media:      media,
		candidates: make(chan webrtc.ICECandidateInit, 64),
		states:     make(chan webrtc.PeerConnectionState, 8),
	}

	// Gathered candidates are queued in emission order; nil marks the end
	// of gathering.
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			close(c.candidates)
			return
		}
		select {
		case c.candidates <- cand.ToJSON():
		default:
			util.LogWarning("candidate queue full, dropping %s", cand.String())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		select {
		case c.states <- state:
		default:
		}
	})

	return c, nil
}

// SetRemoteDescription applies the remote SDP.
func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// CreateAnswer generates an SDP answer for the current remote offer.
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// AddICECandidate adds a remote candidate received through signaling. An
// empty candidate string is the end-of-candidates signal.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// Candidates returns the queue of locally gathered ICE candidates. The
// channel is closed when gathering completes.
func (c *Conn) Candidates() <-chan webrtc.ICECandidateInit {
	return c.candidates
}

// States returns the queue of connection-state transitions.
func (c *Conn) States() <-chan webrtc.PeerConnectionState {
	return c.states
}

// Close shuts down the PeerConnection and then the media track, in that
// order, so the encoder stops pulling before the capture side is released.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.pc.Close(), c.media.Close())
	})
	return c.closeErr
}
