// Package continuity keeps the display visually steady across
// reconnects.  The instant a reconnect begins, the most recently
// rendered raster is overlaid so the slot never flashes blank; it is
// removed the moment the next strategy delivers a frame.
package continuity

import (
	"image"
	"sync"
)

type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayLoading
	OverlayRetry
)

func (o Overlay) String() string {
	switch o {
	case OverlayNone:
		return "none"
	case OverlayLoading:
		return "loading"
	case OverlayRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Slot is a display target, implemented by the UI layer.
type Slot interface {
	// LastFrame returns the most recently rendered raster from
	// whichever source was active, or nil if nothing has rendered.
	LastFrame() image.Image
	ShowFrozen(image.Image)
	ClearFrozen()
	SetOverlay(Overlay)
	Size() (width, height int)
}

// Keeper tracks frozen frames and overlays per slot.  The loading and
// retry overlays are mutually exclusive: setting one replaces the
// other rather than stacking.
type Keeper struct {
	mu       sync.Mutex
	frozen   map[Slot]bool
	overlays map[Slot]Overlay
}

func NewKeeper() *Keeper {
	return &Keeper{
		frozen:   make(map[Slot]bool),
		overlays: make(map[Slot]Overlay),
	}
}

// Freeze captures the slot's last rendered frame and overlays it.
// A slot that never rendered anything is left alone.
func (k *Keeper) Freeze(slot Slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.frozen[slot] {
		return
	}
	frame := slot.LastFrame()
	if frame == nil {
		return
	}
	slot.ShowFrozen(frame)
	k.frozen[slot] = true
}

// Unfreeze clears the frozen frame; called when the next strategy
// delivers its first frame.
func (k *Keeper) Unfreeze(slot Slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.frozen[slot] {
		return
	}
	slot.ClearFrozen()
	delete(k.frozen, slot)
}

func (k *Keeper) SetOverlay(slot Slot, o Overlay) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.overlays[slot] == o {
		return
	}
	k.overlays[slot] = o
	slot.SetOverlay(o)
}

func (k *Keeper) Overlay(slot Slot) Overlay {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.overlays[slot]
}

// Release drops all state for a slot being torn down.
func (k *Keeper) Release(slot Slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.frozen[slot] {
		slot.ClearFrozen()
	}
	if k.overlays[slot] != OverlayNone {
		slot.SetOverlay(OverlayNone)
	}
	delete(k.frozen, slot)
	delete(k.overlays, slot)
}
