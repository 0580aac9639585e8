package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jech/samplebuilder"
	"github.com/pion/ice/v2"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/avakiosk/camview/estimator"
	iceconfig "github.com/avakiosk/camview/ice"
	"github.com/avakiosk/camview/signaling"
)

const (
	audioMaxLate = 32
	videoMaxLate = 256
)

// WebRTCStrategy is the low-latency transport.  It negotiates a
// receive-only session over the signaling channel and reassembles
// incoming RTP into media samples.  It is the most demanding strategy
// for the embedded decoder, so it is attempted after the buffered
// one unless it recently worked.
type WebRTCStrategy struct {
	mu         sync.Mutex
	closed     bool
	pc         *webrtc.PeerConnection
	ch         *signaling.Channel
	graceTimer *time.Timer
	videoSSRC  webrtc.SSRC

	rate        *estimator.Estimator
	health      chan error
	firstSample chan struct{}
	firstOnce   sync.Once
	done        chan struct{}
}

func NewWebRTC() *WebRTCStrategy {
	return &WebRTCStrategy{
		rate:        estimator.New(time.Second),
		health:      make(chan error, 2),
		firstSample: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func newAPI() (*webrtc.API, error) {
	s := webrtc.SettingEngine{}
	s.SetSRTPReplayProtectionWindow(512)
	s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	m := webrtc.MediaEngine{}
	err := m.RegisterDefaultCodecs()
	if err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(s),
		webrtc.WithMediaEngine(&m),
	), nil
}

func (s *WebRTCStrategy) Attempt(ctx context.Context, opts *Options) error {
	conf := opts.conf()

	ch, err := signaling.Dial(ctx, opts.SignalURL)
	if err != nil {
		return err
	}

	api, err := newAPI()
	if err != nil {
		ch.Close()
		return err
	}
	pc, err := api.NewPeerConnection(*iceconfig.ICEConfiguration())
	if err != nil {
		ch.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		ch.Close()
		return ErrClosed
	}
	s.pc = pc
	s.ch = ch
	s.mu.Unlock()

	_, err = pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		},
	)
	if err != nil {
		return err
	}
	if !opts.Muted {
		_, err = pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			},
		)
		if err != nil {
			return err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		err := ch.Write(signaling.Message{
			Type:  "webrtc/candidate",
			Value: candidate.ToJSON().Candidate,
		})
		if err != nil {
			log.Printf("send candidate: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.connectionStateChanged(state, conf.DisconnectGrace)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go s.readTrack(opts, track)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	err = pc.SetLocalDescription(offer)
	if err != nil {
		return err
	}
	err = ch.Write(signaling.Message{
		Type:  "webrtc/offer",
		Value: offer.SDP,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ErrHandshakeTimeout
		case <-s.firstSample:
			go s.messageLoop(pc, ch)
			go s.healthLoop(conf)
			return nil
		case m, ok := <-ch.Messages():
			if !ok {
				return ErrTransientDisconnect
			}
			err := s.gotMessage(pc, m)
			if err != nil {
				return err
			}
		}
	}
}

// connectionStateChanged maps transport states onto the failure
// taxonomy.  Only "disconnected" gets a grace window; "failed" and
// "closed" are terminal, the transport will not recover on its own.
func (s *WebRTCStrategy) connectionStateChanged(state webrtc.PeerConnectionState, grace time.Duration) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.clearGrace()
	case webrtc.PeerConnectionStateDisconnected:
		// brief LAN blips are common and usually self-heal
		s.armGrace(grace)
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		s.degrade(ErrStreamStalled)
	}
}

func (s *WebRTCStrategy) gotMessage(pc *webrtc.PeerConnection, m signaling.Message) error {
	switch m.Type {
	case "webrtc/answer":
		return gotAnswer(pc, m.Value)
	case "webrtc/candidate":
		if m.Value == "" {
			return nil
		}
		return pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate: m.Value,
		})
	case "error":
		return fmt.Errorf("%w: %v", ErrNegotiationRejected, m.Value)
	}
	return nil
}

func gotAnswer(pc *webrtc.PeerConnection, answer string) error {
	var desc sdp.SessionDescription
	err := desc.Unmarshal([]byte(answer))
	if err != nil {
		return err
	}
	video := false
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			video = true
		}
	}
	if !video {
		return ErrNegotiationRejected
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
}

// messageLoop consumes late candidates and server errors once media is
// flowing.
func (s *WebRTCStrategy) messageLoop(pc *webrtc.PeerConnection, ch *signaling.Channel) {
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch.Messages():
			if !ok {
				return
			}
			switch m.Type {
			case "webrtc/candidate":
				if m.Value == "" {
					continue
				}
				err := pc.AddICECandidate(
					webrtc.ICECandidateInit{
						Candidate: m.Value,
					})
				if err != nil {
					log.Printf("ICE: %v", err)
				}
			case "error":
				s.degrade(ErrTransientDisconnect)
			}
		}
	}
}

func builderFor(codec webrtc.RTPCodecParameters) *samplebuilder.SampleBuilder {
	mime := codec.MimeType
	if strings.EqualFold(mime, "audio/opus") {
		return samplebuilder.New(
			audioMaxLate, &codecs.OpusPacket{}, codec.ClockRate,
		)
	} else if strings.EqualFold(mime, "video/vp8") {
		return samplebuilder.New(
			videoMaxLate, &codecs.VP8Packet{}, codec.ClockRate,
		)
	} else if strings.EqualFold(mime, "video/vp9") {
		return samplebuilder.New(
			videoMaxLate, &codecs.VP9Packet{}, codec.ClockRate,
		)
	} else if strings.EqualFold(mime, "video/h264") {
		return samplebuilder.New(
			videoMaxLate, &codecs.H264Packet{}, codec.ClockRate,
		)
	}
	return nil
}

func (s *WebRTCStrategy) readTrack(opts *Options, track *webrtc.TrackRemote) {
	builder := builderFor(track.Codec())
	if builder == nil {
		log.Printf("no depacketizer for %v", track.Codec().MimeType)
		return
	}

	isvideo := track.Kind() == webrtc.RTPCodecTypeVideo
	kind := "audio"
	if isvideo {
		kind = "video"
		s.mu.Lock()
		s.videoSSRC = track.SSRC()
		s.mu.Unlock()
	}

	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		builder.Push(p)
		for {
			sample, _ := builder.PopWithTimestamp()
			if sample == nil {
				break
			}
			if isvideo {
				s.rate.Accumulate(uint32(len(sample.Data)))
			}
			if opts.Samples != nil {
				err := opts.Samples.WriteSample(kind, sample)
				if err != nil {
					log.Printf("write sample: %v", err)
				}
			}
			if isvideo {
				s.firstOnce.Do(func() {
					close(s.firstSample)
				})
			}
		}
	}
}

// healthLoop polls the decoded-sample counter.  One flat interval earns
// a keyframe request, two earn a degradation.
func (s *WebRTCStrategy) healthLoop(conf *Config) {
	ticker := time.NewTicker(conf.HealthInterval)
	defer ticker.Stop()

	var last uint64
	misses := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			samples, _ := s.rate.Totals()
			if samples > last {
				last = samples
				misses = 0
				continue
			}
			misses++
			if misses == 1 {
				s.requestKeyframe()
			} else {
				s.degrade(ErrStreamStalled)
				return
			}
		}
	}
}

func (s *WebRTCStrategy) requestKeyframe() {
	s.mu.Lock()
	pc := s.pc
	ssrc := s.videoSSRC
	s.mu.Unlock()
	if pc == nil || ssrc == 0 {
		return
	}
	err := pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
	if err != nil {
		log.Printf("PLI: %v", err)
	}
}

func (s *WebRTCStrategy) armGrace(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(d, func() {
		s.degrade(ErrTransientDisconnect)
	})
}

func (s *WebRTCStrategy) clearGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *WebRTCStrategy) degrade(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.health <- err:
	default:
	}
}

func (s *WebRTCStrategy) Health() <-chan error {
	return s.health
}

func (s *WebRTCStrategy) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	ch := s.ch
	grace := s.graceTimer
	s.pc = nil
	s.ch = nil
	s.graceTimer = nil
	close(s.done)
	s.mu.Unlock()

	if grace != nil {
		grace.Stop()
	}
	if pc != nil {
		pc.OnConnectionStateChange(nil)
		pc.Close()
	}
	if ch != nil {
		ch.Close()
	}
}
