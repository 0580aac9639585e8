// Package stream implements the three transport strategies used to
// deliver a camera's video: a low-latency WebRTC stream, a buffered
// segment stream, and snapshot polling.  All three implement the same
// capability and are dispatched by the cascade orchestrator.
package stream

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

var (
	ErrHandshakeTimeout    = errors.New("handshake timeout")
	ErrNegotiationRejected = errors.New("negotiation rejected")
	ErrStreamStalled       = errors.New("stream stalled")
	ErrTransientDisconnect = errors.New("transient disconnect")
	ErrSinkOverflow        = errors.New("sink over capacity")
	ErrClosed              = errors.New("strategy is closed")
)

type Protocol int

const (
	MSE Protocol = iota
	WebRTC
	Snapshot
)

func (p Protocol) String() string {
	switch p {
	case MSE:
		return "mse"
	case WebRTC:
		return "webrtc"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// A Strategy is one way of getting a camera's video onto the display.
//
// Attempt drives the connection to the point where media is flowing,
// or fails; it respects ctx for its overall deadline.  After a
// successful Attempt, asynchronous degradations are delivered on
// Health.  Cleanup releases the underlying handles and is idempotent;
// any callback still scheduled after Cleanup must become a no-op.
type Strategy interface {
	Attempt(ctx context.Context, opts *Options) error
	Health() <-chan error
	Cleanup()
}

// SampleSink consumes reassembled media samples from the low-latency
// strategy.  kind is "audio" or "video".
type SampleSink interface {
	WriteSample(kind string, sample *media.Sample) error
}

// SegmentSink is the playback buffer fed by the buffered-segment
// strategy.  Append returns ErrSinkOverflow when the underlying buffer
// refuses the segment; positions are expressed as media time since the
// start of the session.
type SegmentSink interface {
	Init(mimeType string) error
	Append(segment []byte) error
	Buffered() (start, end time.Duration)
	Position() time.Duration
	SetPosition(time.Duration)
	TrimBefore(time.Duration)
}

// ImageSink receives still frames from the snapshot strategy.
type ImageSink interface {
	SetImage(img image.Image)
}

// Options carries the per-camera parameters shared by all strategies.
type Options struct {
	CameraID string

	// SignalURL is the complete websocket URL for this camera's
	// signaling channel.
	SignalURL string

	// SnapshotURL is the complete HTTP URL returning a JPEG frame
	// for this camera.
	SnapshotURL string

	// Muted suppresses audio negotiation entirely.
	Muted bool

	// Visible reports whether the view is currently on screen.  May
	// be nil, in which case the view counts as visible.
	Visible func() bool

	// SlotWidth is the width of the display slot in pixels; snapshot
	// frames are downscaled to it.  Zero disables scaling.
	SlotWidth int

	Samples  SampleSink
	Segments SegmentSink
	Images   ImageSink

	Conf *Config
}

func (opts *Options) visible() bool {
	return opts.Visible == nil || opts.Visible()
}

func (opts *Options) conf() *Config {
	if opts.Conf != nil {
		return opts.Conf
	}
	return defaultConfig
}

// Config collects the tuned thresholds.  The defaults were calibrated
// against the kiosk's embedded decoder; deployments with different
// hardware override them.
type Config struct {
	// AttemptTimeout bounds a single protocol attempt.  The remote
	// server may need several seconds to pull an upstream source on
	// demand, hence the generous default.
	AttemptTimeout time.Duration

	// HealthInterval is the low-latency sample-counter poll period.
	HealthInterval time.Duration

	// DisconnectGrace is how long a transient "disconnected"
	// transport state is tolerated before escalating.
	DisconnectGrace time.Duration

	// WatchdogInterval and StaleThreshold drive the buffered-segment
	// staleness watchdog.
	WatchdogInterval time.Duration
	StaleThreshold   time.Duration

	// TrimInterval, KeepWindow and PressureWindow bound the playback
	// buffer: every TrimInterval the buffer is trimmed back to
	// KeepWindow, or to PressureWindow when the sink rejects an
	// append as over capacity.
	TrimInterval   time.Duration
	KeepWindow     time.Duration
	PressureWindow time.Duration

	// JumpThreshold and JumpInterval gate live-edge catch-up jumps.
	JumpThreshold time.Duration
	JumpInterval  time.Duration

	// Codecs is the list of codec strings the local decoder accepts,
	// offered during buffered-segment negotiation.
	Codecs []string
}

func DefaultConfig() *Config {
	return &Config{
		AttemptTimeout:   15 * time.Second,
		HealthInterval:   3 * time.Second,
		DisconnectGrace:  5 * time.Second,
		WatchdogInterval: 5 * time.Second,
		StaleThreshold:   30 * time.Second,
		TrimInterval:     15 * time.Second,
		KeepWindow:       30 * time.Second,
		PressureWindow:   5 * time.Second,
		JumpThreshold:    15 * time.Second,
		JumpInterval:     60 * time.Second,
		Codecs: []string{
			"avc1.640029", "avc1.64002A", "avc1.640033",
			"hvc1.1.6.L153.B0", "mp4a.40.2", "mp4a.40.5",
			"flac", "opus",
		},
	}
}

var defaultConfig = DefaultConfig()
