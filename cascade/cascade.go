// Package cascade orchestrates the stream connection for each
// displayed camera: it tries the transport strategies in order of
// decreasing fidelity, keeps a snapshot preview running as a safety
// net, and schedules backed-off reconnections when everything fails.
package cascade

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/avakiosk/camview/backoff"
	"github.com/avakiosk/camview/continuity"
	"github.com/avakiosk/camview/prefs"
	"github.com/avakiosk/camview/stream"
)

var (
	ErrUnknownCamera       = errors.New("unknown camera")
	ErrCascadeExhausted    = errors.New("cascade exhausted")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type State int

const (
	StateIdle State = iota
	StateAttempting
	StateLive
	StateFallback
	StateReconnectScheduled
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateLive:
		return "live"
	case StateFallback:
		return "fallback"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// DisplaySlot is a display target together with its media sinks,
// implemented by the UI layer.
type DisplaySlot interface {
	continuity.Slot
	Samples() stream.SampleSink
	Segments() stream.SegmentSink
	Images() stream.ImageSink
}

// ViewState is the state shared with the layout manager.
type ViewState struct {
	Muted bool

	// SignalURL is the websocket endpoint of the media server,
	// without the camera parameter.
	SignalURL string

	// SnapshotURL is the single-frame HTTP endpoint, without the
	// camera parameter.
	SnapshotURL string

	// Cameras lists the cameras of the current layout.
	Cameras []string

	// Visible reports whether the view is on screen.  May be nil.
	Visible func() bool
}

func (v *ViewState) knows(id string) bool {
	for _, c := range v.Cameras {
		if c == id {
			return true
		}
	}
	return false
}

func (v *ViewState) signalURL(id string) string {
	return v.SignalURL + "?src=" + url.QueryEscape(id)
}

func (v *ViewState) snapshotURL(id string) string {
	return v.SnapshotURL + "?src=" + url.QueryEscape(id)
}

type camera struct {
	id   string
	slot DisplaySlot
	view *ViewState

	inflight   bool
	closed     bool
	state      State
	proto      stream.Protocol
	active     stream.Strategy
	snapshot   stream.Strategy
	retryTimer *time.Timer

	// gen invalidates health watchers and scheduled retries from
	// older cascades.
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the cascade state for one view instance.  The
// preference cache and backoff tracker are instance-scoped, never
// process-global, so independent views stay independent and tests
// stay deterministic.
type Manager struct {
	mu      sync.Mutex
	cameras map[string]*camera

	conf    *stream.Config
	prefs   *prefs.Cache
	backoff *backoff.Tracker
	keeper  *continuity.Keeper
	notify  func(camera string, status Status)

	newStrategy func(p stream.Protocol) stream.Strategy
}

func New(conf *stream.Config, notify func(string, Status)) *Manager {
	if conf == nil {
		conf = stream.DefaultConfig()
	}
	return &Manager{
		cameras:     make(map[string]*camera),
		conf:        conf,
		prefs:       prefs.New(prefs.DefaultTTL),
		backoff:     backoff.New(),
		keeper:      continuity.NewKeeper(),
		notify:      notify,
		newStrategy: defaultStrategy,
	}
}

func defaultStrategy(p stream.Protocol) stream.Strategy {
	switch p {
	case stream.WebRTC:
		return stream.NewWebRTC()
	case stream.MSE:
		return stream.NewSegment()
	default:
		return stream.NewSnapshot()
	}
}

// buildOrder returns the protocols to try.  The default is
// reliability first; a live cached preference moves to the front.
func buildOrder(pref stream.Protocol, havePref bool) []stream.Protocol {
	order := []stream.Protocol{stream.MSE, stream.WebRTC}
	if !havePref {
		return order
	}
	found := false
	for _, p := range order {
		if p == pref {
			found = true
		}
	}
	if !found {
		return order
	}
	out := []stream.Protocol{pref}
	for _, p := range order {
		if p != pref {
			out = append(out, p)
		}
	}
	return out
}

// Connect starts a cascade for a camera bound to a display slot.  If a
// cascade is already in flight for the camera, the call is a no-op.
func (m *Manager) Connect(id string, slot DisplaySlot, view *ViewState) error {
	if view == nil || !view.knows(id) {
		return ErrUnknownCamera
	}

	m.mu.Lock()
	cam := m.cameras[id]
	if cam == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cam = &camera{
			id:     id,
			slot:   slot,
			view:   view,
			ctx:    ctx,
			cancel: cancel,
		}
		m.cameras[id] = cam
	} else {
		cam.slot = slot
		cam.view = view
	}
	if cam.inflight {
		m.mu.Unlock()
		return nil
	}
	if cam.retryTimer != nil {
		cam.retryTimer.Stop()
		cam.retryTimer = nil
	}
	cam.inflight = true
	cam.gen++
	gen := cam.gen
	cam.state = StateAttempting
	m.mu.Unlock()

	go m.runCascade(cam, gen)
	return nil
}

func (m *Manager) options(cam *camera) *stream.Options {
	m.mu.Lock()
	slot := cam.slot
	view := cam.view
	m.mu.Unlock()

	w, _ := slot.Size()
	return &stream.Options{
		CameraID:    cam.id,
		SignalURL:   view.signalURL(cam.id),
		SnapshotURL: view.snapshotURL(cam.id),
		Muted:       view.Muted,
		Visible:     view.Visible,
		SlotWidth:   w,
		Samples:     slot.Samples(),
		Segments:    slot.Segments(),
		Images:      slot.Images(),
		Conf:        m.conf,
	}
}

func (m *Manager) runCascade(cam *camera, gen uint64) {
	m.status(cam.id, StatusConnecting)

	// at most one active connection per camera: tear down the old
	// one before attempting anything.  Connect may rebind the slot
	// concurrently, so read it under the lock.
	m.mu.Lock()
	slot := cam.slot
	active := cam.active
	cam.active = nil
	m.mu.Unlock()

	m.keeper.Freeze(slot)
	m.keeper.SetOverlay(slot, continuity.OverlayLoading)
	if active != nil {
		active.Cleanup()
	}

	m.startSnapshot(cam)

	opts := m.options(cam)
	pref, havePref := m.prefs.Get(cam.id)
	order := buildOrder(pref, havePref)

	var winner stream.Strategy
	var winnerProto stream.Protocol
	for _, proto := range order {
		if cam.ctx.Err() != nil {
			return
		}
		strat := m.newStrategy(proto)
		ctx, cancel := context.WithTimeout(
			cam.ctx, m.conf.AttemptTimeout)
		err := strat.Attempt(ctx, opts)
		cancel()
		if err == nil {
			winner = strat
			winnerProto = proto
			break
		}
		strat.Cleanup()
		log.Printf("camera %v: %v: %v", cam.id, proto, err)
	}

	if winner == nil {
		m.cascadeFailed(cam, gen)
		return
	}
	m.cascadeSucceeded(cam, gen, winner, winnerProto)
}

func (m *Manager) cascadeSucceeded(cam *camera, gen uint64, winner stream.Strategy, proto stream.Protocol) {
	m.mu.Lock()
	if cam.closed || cam.gen != gen {
		m.mu.Unlock()
		winner.Cleanup()
		return
	}
	cam.active = winner
	cam.proto = proto
	cam.state = StateLive
	cam.inflight = false
	snapshot := cam.snapshot
	cam.snapshot = nil
	slot := cam.slot
	m.mu.Unlock()

	// the winner is delivering frames, the low-fidelity preview can go
	if snapshot != nil {
		snapshot.Cleanup()
	}

	m.prefs.Record(cam.id, proto)
	m.backoff.RecordSuccess(cam.id)
	m.keeper.Unfreeze(slot)
	m.keeper.SetOverlay(slot, continuity.OverlayNone)
	m.status(cam.id, StatusLive)

	go m.watchHealth(cam, gen, winner)
}

func (m *Manager) cascadeFailed(cam *camera, gen uint64) {
	m.mu.Lock()
	if cam.closed || cam.gen != gen {
		m.mu.Unlock()
		return
	}
	cam.inflight = false
	cam.state = StateFallback
	slot := cam.slot
	m.mu.Unlock()

	// the snapshot preview is now the sole video source; drop the
	// frozen frame so it is not hidden behind a stale raster
	m.keeper.Unfreeze(slot)
	m.backoff.RecordFailure(cam.id)
	m.status(cam.id, StatusError)

	if m.backoff.MaxedOut(cam.id) {
		m.mu.Lock()
		cam.state = StateExhausted
		m.mu.Unlock()
		m.keeper.SetOverlay(slot, continuity.OverlayRetry)
		log.Printf("camera %v: %v after %v attempts",
			cam.id, ErrMaxAttemptsExceeded,
			m.backoff.Attempts(cam.id))
		return
	}

	delay := m.backoff.Delay(cam.id)
	m.mu.Lock()
	if cam.closed || cam.gen != gen {
		m.mu.Unlock()
		return
	}
	cam.state = StateReconnectScheduled
	cam.retryTimer = time.AfterFunc(delay, func() {
		m.retry(cam, gen)
	})
	m.mu.Unlock()
	log.Printf("camera %v: %v, retrying in %v",
		cam.id, ErrCascadeExhausted, delay)
}

func (m *Manager) retry(cam *camera, gen uint64) {
	m.mu.Lock()
	if cam.closed || cam.gen != gen || cam.inflight {
		m.mu.Unlock()
		return
	}
	cam.retryTimer = nil
	cam.inflight = true
	cam.gen++
	newGen := cam.gen
	cam.state = StateAttempting
	m.mu.Unlock()

	go m.runCascade(cam, newGen)
}

// reconnect begins a fresh cascade after a degradation or a manual
// retry.
func (m *Manager) reconnect(cam *camera) {
	m.mu.Lock()
	if cam.closed || cam.inflight {
		m.mu.Unlock()
		return
	}
	if cam.retryTimer != nil {
		cam.retryTimer.Stop()
		cam.retryTimer = nil
	}
	cam.inflight = true
	cam.gen++
	gen := cam.gen
	cam.state = StateAttempting
	m.mu.Unlock()

	go m.runCascade(cam, gen)
}

func (m *Manager) watchHealth(cam *camera, gen uint64, strat stream.Strategy) {
	select {
	case <-cam.ctx.Done():
		return
	case err, ok := <-strat.Health():
		if !ok {
			return
		}
		m.mu.Lock()
		stale := cam.closed || cam.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		log.Printf("camera %v: degraded: %v", cam.id, err)
		m.reconnect(cam)
	}
}

func (m *Manager) startSnapshot(cam *camera) {
	m.mu.Lock()
	if cam.closed || cam.snapshot != nil {
		m.mu.Unlock()
		return
	}
	snap := m.newStrategy(stream.Snapshot)
	cam.snapshot = snap
	m.mu.Unlock()

	// the snapshot loop lives on the camera's context, not on any
	// per-attempt deadline
	err := snap.Attempt(cam.ctx, m.options(cam))
	if err != nil {
		log.Printf("camera %v: snapshot: %v", cam.id, err)
	}
}

// ResetBackoff implements the manual refresh affordance: it zeroes the
// attempt counter, and if the camera had given up, starts exactly one
// new cascade.
func (m *Manager) ResetBackoff(id string) {
	m.backoff.Reset(id)

	m.mu.Lock()
	cam := m.cameras[id]
	var slot DisplaySlot
	exhausted := cam != nil && cam.state == StateExhausted
	if exhausted {
		slot = cam.slot
	}
	m.mu.Unlock()

	if exhausted {
		m.keeper.SetOverlay(slot, continuity.OverlayLoading)
		m.reconnect(cam)
	}
}

// State returns the connection state of a camera.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	cam := m.cameras[id]
	if cam == nil {
		return StateIdle
	}
	return cam.state
}

// Protocol returns the protocol of the current active connection.
func (m *Manager) Protocol(id string) (stream.Protocol, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cam := m.cameras[id]
	if cam == nil || cam.state != StateLive {
		return 0, false
	}
	return cam.proto, true
}

// Cleanup tears down a camera's connections and forgets its state.
// Already-scheduled callbacks from its strategies become no-ops.
func (m *Manager) Cleanup(id string) {
	m.mu.Lock()
	cam := m.cameras[id]
	if cam == nil {
		m.mu.Unlock()
		return
	}
	delete(m.cameras, id)
	cam.closed = true
	cam.gen++
	if cam.retryTimer != nil {
		cam.retryTimer.Stop()
		cam.retryTimer = nil
	}
	active := cam.active
	cam.active = nil
	snapshot := cam.snapshot
	cam.snapshot = nil
	slot := cam.slot
	cancel := cam.cancel
	m.mu.Unlock()

	cancel()
	if active != nil {
		active.Cleanup()
	}
	if snapshot != nil {
		snapshot.Cleanup()
	}
	m.keeper.Release(slot)
	m.backoff.Forget(id)
}

// DisconnectAll tears down every camera, for layout changes.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.cameras))
	for id := range m.cameras {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cleanup(id)
	}
}

func (m *Manager) status(id string, s Status) {
	if m.notify != nil {
		m.notify(id, s)
	}
}
