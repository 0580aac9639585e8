package stream

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nfnt/resize"
)

// SnapshotStrategy repeatedly fetches a single still image for the
// camera.  It is the lowest-fidelity transport and the only one that
// always works; the orchestrator runs it continuously as a safety net
// so the display is never fully blank.
type SnapshotStrategy struct {
	mu      sync.Mutex
	closed  bool
	running bool
	cancel  context.CancelFunc

	client *http.Client
	health chan error
	done   chan struct{}
}

func NewSnapshot() *SnapshotStrategy {
	return &SnapshotStrategy{
		client: &http.Client{Timeout: 10 * time.Second},
		health: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// pollDelay returns the wait before the next fetch.  Before any frame
// has ever been received the camera may simply still be starting, so
// we poll hard and pause for 15s after every 30 consecutive failures.
// Once frames have flowed, failures back off through 1s/3s/30s tiers.
func pollDelay(everFrame bool, failures int) time.Duration {
	if !everFrame {
		if failures > 0 && failures%30 == 0 {
			return 15 * time.Second
		}
		return 500 * time.Millisecond
	}
	switch {
	case failures == 0:
		return 250 * time.Millisecond
	case failures < 3:
		return time.Second
	case failures < 10:
		return 3 * time.Second
	default:
		return 30 * time.Second
	}
}

// Attempt starts the poll loop and returns immediately; ctx governs
// the loop's lifetime, so the orchestrator passes the camera's
// long-lived context rather than a per-attempt one.
func (s *SnapshotStrategy) Attempt(ctx context.Context, opts *Options) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx, opts)
	return nil
}

func (s *SnapshotStrategy) loop(ctx context.Context, opts *Options) {
	everFrame := false
	failures := 0
	for {
		img, err := s.fetch(ctx, opts.SnapshotURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
		} else {
			failures = 0
			everFrame = true
			if opts.SlotWidth > 0 &&
				img.Bounds().Dx() > opts.SlotWidth {
				img = resize.Resize(
					uint(opts.SlotWidth), 0,
					img, resize.Bilinear,
				)
			}
			if opts.Images != nil {
				opts.Images.SetImage(img)
			}
		}

		timer := time.NewTimer(pollDelay(everFrame, failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *SnapshotStrategy) fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot: %v", resp.Status)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		log.Printf("decode snapshot: %v", err)
		return nil, err
	}
	return img, nil
}

func (s *SnapshotStrategy) Health() <-chan error {
	return s.health
}

func (s *SnapshotStrategy) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.cancel = nil
	close(s.done)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
