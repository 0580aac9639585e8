package stream

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
)

func TestBuilderFor(t *testing.T) {
	tests := []struct {
		mime     string
		expected bool
	}{
		{"audio/opus", true},
		{"audio/OPUS", true},
		{"video/VP8", true},
		{"video/VP9", true},
		{"video/H264", true},
		{"video/AV1", false},
		{"audio/G722", false},
	}
	for _, test := range tests {
		builder := builderFor(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  test.mime,
				ClockRate: 90000,
			},
		})
		if (builder != nil) != test.expected {
			t.Errorf("%v: got %v, expected %v",
				test.mime, builder != nil, test.expected)
		}
	}
}

var audioOnlySDP = strings.Join([]string{
	"v=0",
	"o=- 1 1 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"",
}, "\r\n")

func TestGotAnswerNoVideo(t *testing.T) {
	err := gotAnswer(nil, audioOnlySDP)
	if !errors.Is(err, ErrNegotiationRejected) {
		t.Errorf("Got %v, expected ErrNegotiationRejected", err)
	}
}

func TestGotAnswerInvalid(t *testing.T) {
	err := gotAnswer(nil, "not an sdp")
	if err == nil {
		t.Errorf("Expected an error")
	}
	if errors.Is(err, ErrNegotiationRejected) {
		t.Errorf("Unparseable answer reported as rejection")
	}
}

func TestGotAnswer(t *testing.T) {
	api, err := newAPI()
	if err != nil {
		t.Fatalf("newAPI: %v", err)
	}
	offerer, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer offerer.Close()
	answerer, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer answerer.Close()

	_, err = offerer.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		},
	)
	if err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	err = offerer.SetLocalDescription(offer)
	if err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	err = answerer.SetRemoteDescription(offer)
	if err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}

	err = gotAnswer(offerer, answer.SDP)
	if err != nil {
		t.Errorf("gotAnswer: %v", err)
	}
}

func TestGraceTimer(t *testing.T) {
	s := NewWebRTC()
	defer s.Cleanup()

	s.armGrace(10 * time.Millisecond)
	select {
	case err := <-s.Health():
		if err != ErrTransientDisconnect {
			t.Errorf("Got %v, expected ErrTransientDisconnect",
				err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Grace timer never fired")
	}
}

func TestGraceCleared(t *testing.T) {
	s := NewWebRTC()
	defer s.Cleanup()

	s.armGrace(20 * time.Millisecond)
	s.clearGrace()
	select {
	case err := <-s.Health():
		t.Errorf("Got %v after clearing grace", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTerminalTransportStates(t *testing.T) {
	for _, state := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
	} {
		s := NewWebRTC()
		s.connectionStateChanged(state, time.Minute)
		select {
		case err := <-s.Health():
			if err != ErrStreamStalled {
				t.Errorf("%v: got %v, expected "+
					"ErrStreamStalled", state, err)
			}
		default:
			t.Errorf("%v: no degradation", state)
		}
		s.Cleanup()
	}
}

func TestDisconnectedGetsGrace(t *testing.T) {
	s := NewWebRTC()
	defer s.Cleanup()

	s.connectionStateChanged(
		webrtc.PeerConnectionStateDisconnected,
		20*time.Millisecond,
	)
	select {
	case err := <-s.Health():
		t.Fatalf("Got %v before the grace window elapsed", err)
	default:
	}

	// reconnecting within the window cancels the escalation
	s.connectionStateChanged(webrtc.PeerConnectionStateConnected, 0)
	select {
	case err := <-s.Health():
		t.Errorf("Got %v after reconnecting", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDegradeAfterCleanup(t *testing.T) {
	s := NewWebRTC()
	s.Cleanup()
	s.degrade(ErrStreamStalled)
	select {
	case err := <-s.Health():
		t.Errorf("Got %v after cleanup", err)
	default:
	}
}
