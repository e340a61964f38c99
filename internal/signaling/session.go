package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/angkira/rpi-webrtc-streamer/internal/util"
)

// ErrRenegotiationConflict indicates a second offer arrived after the
// first was answered. The first negotiation continues unaffected.
var ErrRenegotiationConflict = errors.New("renegotiation not supported: offer already answered")

// State names one phase of a session's negotiation lifecycle.
type State int32

const (
	StateCreated State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is the slice of the WebRTC engine a session drives. Implemented by
// engine.Conn.
type Peer interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Candidates() <-chan webrtc.ICECandidateInit
	States() <-chan webrtc.PeerConnectionState
	Close() error
}

// MessageWriter serializes outbound messages onto the transport. The read
// loop and the candidate pump both write; implementations must be safe for
// concurrent use.
type MessageWriter interface {
	WriteMessage(Message) error
}

// BindFunc builds the per-session media pipeline: an engine connection
// with a freshly opened camera track attached. The returned closer
// releases the track and, through it, the capture device.
type BindFunc func() (Peer, io.Closer, error)

// Session owns one peer's negotiation lifecycle, from offer intake to
// teardown. Inbound messages are handled strictly in arrival order; the
// engine's locally gathered candidates are relayed outbound as they occur.
type Session struct {
	ID uuid.UUID

	w     MessageWriter
	peer  Peer
	track io.Closer
	reg   *Registry

	state    atomic.Int32
	answered bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSession binds the media pipeline for one accepted connection and
// registers the session. When the pipeline cannot be built (camera
// unavailable, engine refused the track) the failure is reported to the
// peer and the session goes straight to Closed without ever negotiating;
// the endpoint stays up.
func NewSession(w MessageWriter, bind BindFunc, reg *Registry) (*Session, error) {
	s := &Session{ID: uuid.New(), w: w, reg: reg}
	s.state.Store(int32(StateCreated))

	peer, track, err := bind()
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.report(fmt.Sprintf("camera error: %v", err))
		return nil, err
	}
	s.peer = peer
	s.track = track
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateNegotiating))

	reg.Register(s)
	util.Stats.AddSession()
	util.LogDebug("session %s: negotiating", s.ID)

	go s.pumpCandidates()
	go s.watchPeer()

	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Handle processes one inbound message. Only engine faults are fatal (the
// session is closed and the error returned); everything else is reported
// and the session keeps accepting messages.
func (s *Session) Handle(msg Message) error {
	if s.State() == StateClosed {
		return errors.New("session closed")
	}

	switch {
	case msg.Offer != nil:
		return s.handleOffer(*msg.Offer)

	case msg.IceCandidate != nil:
		return s.handleCandidate(*msg.IceCandidate)

	case msg.Answer != nil:
		// This side answers; a peer echoing an answer has nothing for us
		// to apply.
		util.LogWarning("session %s: unexpected answer, ignoring", s.ID)
		return nil

	case msg.Error != nil:
		util.LogWarning("session %s: peer reported error: %s", s.ID, *msg.Error)
		return nil
	}

	return nil
}

// handleOffer runs the single atomic handshake step: remote description,
// answer synthesis, local description, answer transmission. A second offer
// is rejected without touching the engine.
func (s *Session) handleOffer(offer SessionDescription) error {
	if s.answered {
		util.LogWarning("session %s: %v", s.ID, ErrRenegotiationConflict)
		s.report(ErrRenegotiationConflict.Error())
		return nil
	}

	if err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		return s.fatal(fmt.Errorf("set remote description: %w", err))
	}
	util.LogDebug("session %s: remote description set", s.ID)

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return s.fatal(fmt.Errorf("create answer: %w", err))
	}
	if err := s.peer.SetLocalDescription(answer); err != nil {
		return s.fatal(fmt.Errorf("set local description: %w", err))
	}
	s.answered = true

	if err := s.w.WriteMessage(Message{Answer: &SessionDescription{
		Type: "answer", SDP: answer.SDP,
	}}); err != nil {
		return s.fatal(fmt.Errorf("send answer: %w", err))
	}
	util.LogInfo("session %s: sent answer", s.ID)
	return nil
}

// handleCandidate forwards one remote candidate to the engine in arrival
// order. Candidates may come before or after the answer; no ordering is
// required. A null candidate is forwarded as the end-of-candidates signal,
// which pion expects as an empty candidate string.
func (s *Session) handleCandidate(c Candidate) error {
	init := webrtc.ICECandidateInit{
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &c.SDPMLineIndex,
	}
	if c.Candidate != nil {
		init.Candidate = *c.Candidate
	}

	if err := s.peer.AddICECandidate(init); err != nil {
		return s.fatal(fmt.Errorf("add ice candidate: %w", err))
	}
	return nil
}

// pumpCandidates relays locally gathered candidates outbound in emission
// order, interleaved with whatever the read loop is sending.
func (s *Session) pumpCandidates() {
	for {
		select {
		case init, ok := <-s.peer.Candidates():
			if !ok {
				util.LogDebug("session %s: candidate gathering complete", s.ID)
				return
			}
			cand := init.Candidate
			out := Candidate{Candidate: &cand}
			if init.SDPMLineIndex != nil {
				out.SDPMLineIndex = *init.SDPMLineIndex
			}
			if init.SDPMid != nil {
				out.SDPMid = *init.SDPMid
			}
			if err := s.w.WriteMessage(Message{IceCandidate: &out}); err != nil {
				util.LogDebug("session %s: candidate not delivered: %v", s.ID, err)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// watchPeer tracks the engine's connection state. A connected report moves
// the session forward; failure or disconnect forces the release sequence.
func (s *Session) watchPeer() {
	for {
		select {
		case state, ok := <-s.peer.States():
			if !ok {
				return
			}
			util.LogDebug("session %s: peer connection %s", s.ID, state)
			switch state {
			case webrtc.PeerConnectionStateConnected:
				s.state.CompareAndSwap(int32(StateNegotiating), int32(StateConnected))
			case webrtc.PeerConnectionStateFailed,
				webrtc.PeerConnectionStateDisconnected,
				webrtc.PeerConnectionStateClosed:
				s.Close()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// fatal reports an engine fault to the peer while the transport may still
// be writable, then forces Closed.
func (s *Session) fatal(err error) error {
	util.LogError("session %s: %v", s.ID, err)
	s.report(err.Error())
	s.Close()
	return err
}

// report best-effort writes an Error message to the peer.
func (s *Session) report(text string) {
	if err := s.w.WriteMessage(errorMessage(text)); err != nil {
		util.LogDebug("session %s: error report not delivered: %v", s.ID, err)
	}
}

// Close drives the release sequence exactly once, no matter which path
// triggered it: engine connection first (so nothing pulls frames any
// more), then the track and its device, then the registry entry. Safe to
// call from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()

		if err := s.peer.Close(); err != nil {
			util.LogWarning("session %s: engine close: %v", s.ID, err)
		}
		if err := s.track.Close(); err != nil {
			util.LogWarning("session %s: track close: %v", s.ID, err)
		}
		s.reg.Deregister(s)
		util.Stats.RemoveSession()
		util.LogInfo("session %s closed", s.ID)
	})
}
