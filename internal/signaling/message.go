// Package signaling implements the WebSocket signaling layer: the wire
// message union, the per-peer session state machine, the live-session
// registry, and the endpoint that accepts connections.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage indicates a transport frame that cannot be
// classified into the message union. Never fatal to a session.
var ErrMalformedMessage = errors.New("malformed signaling message")

// SessionDescription carries an SDP blob, tagged "offer" or "answer".
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the browser's RTCIceCandidateInit. A nil Candidate
// value is the end-of-candidates signal, not an error.
type Candidate struct {
	Candidate     *string `json:"candidate"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
	SDPMid        string  `json:"sdpMid"`
}

// Message is the JSON object exchanged over the WebSocket. Exactly one
// field is ever set; DecodeMessage enforces that for inbound frames.
type Message struct {
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	IceCandidate *Candidate          `json:"iceCandidate,omitempty"`
	Error        *string             `json:"error,omitempty"`
}

// errorMessage builds the Error variant.
func errorMessage(text string) Message {
	return Message{Error: &text}
}

// DecodeMessage parses one transport frame into the message union. Invalid
// JSON, unknown keys, missing required fields, and frames carrying any
// number of variants other than one are all rejected rather than guessed
// at.
func DecodeMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: trailing data after message", ErrMalformedMessage)
	}

	set := 0
	if msg.Offer != nil {
		set++
	}
	if msg.Answer != nil {
		set++
	}
	if msg.IceCandidate != nil {
		set++
	}
	if msg.Error != nil {
		set++
	}
	if set != 1 {
		return Message{}, fmt.Errorf("%w: expected exactly one of offer/answer/iceCandidate/error, got %d", ErrMalformedMessage, set)
	}

	if msg.Offer != nil && (msg.Offer.Type != "offer" || msg.Offer.SDP == "") {
		return Message{}, fmt.Errorf("%w: offer requires type \"offer\" and a non-empty sdp", ErrMalformedMessage)
	}
	if msg.Answer != nil && (msg.Answer.Type != "answer" || msg.Answer.SDP == "") {
		return Message{}, fmt.Errorf("%w: answer requires type \"answer\" and a non-empty sdp", ErrMalformedMessage)
	}

	return msg, nil
}
