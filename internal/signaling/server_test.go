package signaling

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// startTestServer runs a Server on a random port backed by mock peers and
// returns its URL plus the most recently bound peer.
func startTestServer(t *testing.T, bindErr error) (string, *Registry, func() *mockPeer) {
	t.Helper()

	var (
		mu   sync.Mutex
		last *mockPeer
		reg  = NewRegistry()
	)
	srv := NewServer(func() (Peer, io.Closer, error) {
		if bindErr != nil {
			return nil, nil, bindErr
		}
		mu.Lock()
		defer mu.Unlock()
		last = newMockPeer()
		return last, &mockTrack{}, nil
	}, reg)

	port, err := srv.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Close)

	return fmt.Sprintf("ws://127.0.0.1:%d/", port), reg, func() *mockPeer {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func dialTest(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

// TestEndToEndNegotiation walks the full happy path: offer in, answer out,
// trickled candidates both ways, then disconnect and registry drain.
func TestEndToEndNegotiation(t *testing.T) {
	url, reg, peer := startTestServer(t, nil)
	before := reg.Len()

	conn := dialTest(t, url)
	waitFor(t, "session registration", func() bool { return reg.Len() == before+1 })

	// Offer in, exactly one answer out.
	if err := conn.WriteJSON(offerMessage()); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	if msg := readMessage(t, conn); msg.Answer == nil || msg.Answer.Type != "answer" {
		t.Fatalf("expected answer, got %+v", msg)
	}

	// Two remote candidates, forwarded to the engine in order.
	if err := conn.WriteJSON(candidateMessage("candidate:1")); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	if err := conn.WriteJSON(candidateMessage("candidate:2")); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	waitFor(t, "forwarded candidates", func() bool { return len(peer().addedCandidates()) == 2 })
	added := peer().addedCandidates()
	if added[0].Candidate != "candidate:1" || added[1].Candidate != "candidate:2" {
		t.Errorf("candidates forwarded out of order: %q, %q", added[0].Candidate, added[1].Candidate)
	}

	// Two local candidates, relayed outbound in emission order.
	mid := "0"
	var idx uint16
	peer().candCh <- webrtc.ICECandidateInit{Candidate: "candidate:a", SDPMid: &mid, SDPMLineIndex: &idx}
	peer().candCh <- webrtc.ICECandidateInit{Candidate: "candidate:b", SDPMid: &mid, SDPMLineIndex: &idx}
	for _, want := range []string{"candidate:a", "candidate:b"} {
		msg := readMessage(t, conn)
		if msg.IceCandidate == nil || msg.IceCandidate.Candidate == nil || *msg.IceCandidate.Candidate != want {
			t.Fatalf("expected relayed candidate %q, got %+v", want, msg)
		}
	}

	// Disconnect returns the registry to its pre-connection size.
	conn.Close()
	waitFor(t, "registry drain", func() bool { return reg.Len() == before })
	waitFor(t, "engine release", func() bool { return peer().closeCount() == 1 })
}

// TestMalformedFramesKeepSessionOpen feeds garbage between valid messages.
func TestMalformedFramesKeepSessionOpen(t *testing.T) {
	url, reg, _ := startTestServer(t, nil)
	conn := dialTest(t, url)
	waitFor(t, "session registration", func() bool { return reg.Len() == 1 })

	for _, bad := range []string{
		`not json at all`,
		`{}`,
		`{"unknownKey": 1}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(bad)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if msg := readMessage(t, conn); msg.Error == nil {
			t.Fatalf("expected error report for %q, got %+v", bad, msg)
		}
	}

	if reg.Len() != 1 {
		t.Fatal("malformed input closed the session")
	}

	// A valid offer still works afterwards.
	if err := conn.WriteJSON(offerMessage()); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	if msg := readMessage(t, conn); msg.Answer == nil {
		t.Fatalf("expected answer after malformed frames, got %+v", msg)
	}
}

// TestBindFailureReportsAndDisconnects covers a client hitting a missing
// camera: one error frame, then the connection ends, and the endpoint
// keeps serving others.
func TestBindFailureReportsAndDisconnects(t *testing.T) {
	url, reg, _ := startTestServer(t, errors.New("no camera at index 3"))
	conn := dialTest(t, url)

	msg := readMessage(t, conn)
	if msg.Error == nil {
		t.Fatalf("expected error report, got %+v", msg)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the server to close the connection")
	}
	if reg.Len() != 0 {
		t.Errorf("failed session registered: %d", reg.Len())
	}
}
