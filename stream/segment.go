package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/avakiosk/camview/mono"
	"github.com/avakiosk/camview/signaling"
)

const (
	queueLimit = 10
	queueKeep  = 3
)

// segmentQueue holds compressed segments awaiting append.  When the
// decoder cannot keep up and more than queueLimit segments are
// pending, the oldest are dropped down to the queueKeep most recent,
// trading a visible skip for decoder stability.
type segmentQueue struct {
	segs [][]byte
}

func (q *segmentQueue) push(seg []byte) int {
	q.segs = append(q.segs, seg)
	if len(q.segs) > queueLimit {
		dropped := len(q.segs) - queueKeep
		kept := make([][]byte, queueKeep)
		copy(kept, q.segs[dropped:])
		q.segs = kept
		return dropped
	}
	return 0
}

func (q *segmentQueue) pop() ([]byte, bool) {
	if len(q.segs) == 0 {
		return nil, false
	}
	seg := q.segs[0]
	q.segs = q.segs[1:]
	return seg, true
}

// mimeSupported reports whether every codec named by a server-chosen
// MIME type, e.g. `video/mp4; codecs="avc1.640029,mp4a.40.2"`, appears
// in the locally supported list.
func mimeSupported(mimeType string, supported []string) bool {
	i := strings.Index(mimeType, `codecs="`)
	if i < 0 {
		return false
	}
	list := mimeType[i+len(`codecs="`):]
	j := strings.Index(list, `"`)
	if j < 0 {
		return false
	}
	for _, codec := range strings.Split(list[:j], ",") {
		codec = strings.TrimSpace(codec)
		if codec == "" {
			continue
		}
		found := false
		for _, s := range supported {
			if strings.EqualFold(s, codec) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SegmentStrategy is the buffered transport.  The server picks one
// codec/container out of the list we can decode and then streams
// compressed segments as binary frames; segments are appended to the
// playback buffer one at a time.
type SegmentStrategy struct {
	mu          sync.Mutex
	closed      bool
	ch          *signaling.Channel
	queue       segmentQueue
	lastSegment uint64
	lastJump    uint64

	health      chan error
	kick        chan struct{}
	firstAppend chan struct{}
	firstOnce   sync.Once
	done        chan struct{}
}

func NewSegment() *SegmentStrategy {
	return &SegmentStrategy{
		health:      make(chan error, 2),
		kick:        make(chan struct{}, 1),
		firstAppend: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *SegmentStrategy) Attempt(ctx context.Context, opts *Options) error {
	conf := opts.conf()
	if opts.Segments == nil {
		return errors.New("no segment sink")
	}

	ch, err := signaling.Dial(ctx, opts.SignalURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return ErrClosed
	}
	s.ch = ch
	s.mu.Unlock()

	err = ch.Write(signaling.Message{
		Type:  "mse",
		Value: strings.Join(conf.Codecs, ","),
	})
	if err != nil {
		return err
	}

	var mimeType string
	for mimeType == "" {
		select {
		case <-ctx.Done():
			return ErrHandshakeTimeout
		case m, ok := <-ch.Messages():
			if !ok {
				return ErrTransientDisconnect
			}
			switch m.Type {
			case "mse":
				mimeType = m.Value
			case "error":
				return fmt.Errorf("%w: %v",
					ErrNegotiationRejected, m.Value)
			}
		}
	}

	if !mimeSupported(mimeType, conf.Codecs) {
		return fmt.Errorf("%w: unsupported type %v",
			ErrNegotiationRejected, mimeType)
	}
	err = opts.Segments.Init(mimeType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationRejected, err)
	}

	go s.receiveLoop(ch)
	go s.appendLoop(opts, conf)

	select {
	case <-ctx.Done():
		return ErrHandshakeTimeout
	case <-s.done:
		return ErrClosed
	case <-s.firstAppend:
	}

	go s.watchdog(opts, conf)
	return nil
}

func (s *SegmentStrategy) receiveLoop(ch *signaling.Channel) {
	messages := ch.Messages()
	for {
		select {
		case <-s.done:
			return
		case seg, ok := <-ch.Binary():
			if !ok {
				s.degrade(ErrTransientDisconnect)
				return
			}
			s.mu.Lock()
			dropped := s.queue.push(seg)
			s.lastSegment = mono.Milliseconds()
			s.mu.Unlock()
			if dropped > 0 {
				log.Printf("segment queue overrun, "+
					"dropped %v segments", dropped)
			}
			select {
			case s.kick <- struct{}{}:
			default:
			}
		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if m.Type == "error" {
				s.degrade(ErrTransientDisconnect)
				return
			}
		}
	}
}

func (s *SegmentStrategy) appendLoop(opts *Options, conf *Config) {
	trim := time.NewTicker(conf.TrimInterval)
	defer trim.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			for {
				s.mu.Lock()
				seg, ok := s.queue.pop()
				s.mu.Unlock()
				if !ok {
					break
				}
				s.append(opts, conf, seg)
			}
		case <-trim.C:
			_, end := opts.Segments.Buffered()
			if end > conf.KeepWindow {
				opts.Segments.TrimBefore(end - conf.KeepWindow)
			}
		}
	}
}

func (s *SegmentStrategy) append(opts *Options, conf *Config, seg []byte) {
	err := opts.Segments.Append(seg)
	if errors.Is(err, ErrSinkOverflow) {
		// the local buffer is full, trim hard and retry once
		_, end := opts.Segments.Buffered()
		if end > conf.PressureWindow {
			opts.Segments.TrimBefore(end - conf.PressureWindow)
		}
		err = opts.Segments.Append(seg)
	}
	if err != nil {
		log.Printf("append segment: %v", err)
		return
	}
	s.firstOnce.Do(func() {
		close(s.firstAppend)
	})
	s.maybeJump(opts, conf)
}

// maybeJump advances playback near the live edge, but only when
// playback lags badly and no jump happened recently; repeated jumps
// disrupt the decoder more than the lag does.
func (s *SegmentStrategy) maybeJump(opts *Options, conf *Config) {
	_, end := opts.Segments.Buffered()
	pos := opts.Segments.Position()
	if end-pos <= conf.JumpThreshold {
		return
	}
	s.mu.Lock()
	lastJump := s.lastJump
	s.mu.Unlock()
	if lastJump != 0 && mono.Elapsed(lastJump) < conf.JumpInterval {
		return
	}
	opts.Segments.SetPosition(end - time.Second)
	s.mu.Lock()
	s.lastJump = mono.Milliseconds()
	s.mu.Unlock()
	log.Printf("catch-up jump to live edge (lag %v)", end-pos)
}

// watchdog declares the stream stale when no segment has arrived for
// StaleThreshold.  It is suspended while the view is hidden, since
// background throttling stops segment delivery without the stream
// being at fault.
func (s *SegmentStrategy) watchdog(opts *Options, conf *Config) {
	ticker := time.NewTicker(conf.WatchdogInterval)
	defer ticker.Stop()

	hidden := false
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !opts.visible() {
				hidden = true
				continue
			}
			if hidden {
				// delivery was throttled while hidden, so
				// restart the clock rather than blame the
				// stream for the gap
				hidden = false
				s.mu.Lock()
				s.lastSegment = mono.Milliseconds()
				s.mu.Unlock()
				continue
			}
			s.mu.Lock()
			last := s.lastSegment
			s.mu.Unlock()
			if last != 0 && mono.Elapsed(last) > conf.StaleThreshold {
				s.degrade(ErrStreamStalled)
				return
			}
		}
	}
}

func (s *SegmentStrategy) degrade(err error) {
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

func (s *SegmentStrategy) Health() <-chan error {
	return s.health
}

func (s *SegmentStrategy) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.ch
	s.ch = nil
	close(s.done)
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}
