package session

import (
	"fmt"
	"sync"

	"github.com/colinmarc/magic-mirror/internal/session/surface"
)

// KeyModifiers is a bitmask of held modifier keys (spec §4.4: "keysym
// and modifier state").
type KeyModifiers uint8

const (
	ModShift KeyModifiers = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// PointerButton identifies a pointer button.
type PointerButton int

const (
	ButtonLeft PointerButton = iota
	ButtonRight
	ButtonMiddle
)

// GamepadSlot identifies one of a session's pre-bindable gamepad slots
// (spec §4.4: "the server may pre-bind 'permanent' gamepad slots for a
// session").
type GamepadSlot int

// GamepadState is one state update for a connected gamepad.
type GamepadState struct {
	Buttons uint32
	Axes    [6]float32
}

// InputSink is the Wayland seat's contract with the session: translated
// input events land here once the compositor has resolved which
// surface they target. The real keycode/evdev translation and gamepad
// device emulation (udev-fuse) are container-setup collaborators
// outside this spec's scope (spec §1 Non-goals); this interface is the
// boundary with them. Grounded on the teacher's InputHandler interface
// shape (internal/remote/desktop/input.go), adapted from string-typed
// mouse/keyboard events to the keysym/surface-relative model spec §4.4
// describes.
type InputSink interface {
	KeyEvent(keysym uint32, mods KeyModifiers, pressed bool)
	PointerMotion(target surface.Ref, x, y float64, relative bool)
	PointerButton(target surface.Ref, button PointerButton, pressed bool)
	PointerScroll(target surface.Ref, deltaX, deltaY int)
	PointerLock(locked bool)
	GamepadConnect(slot GamepadSlot) error
	GamepadDisconnect(slot GamepadSlot)
	GamepadState(slot GamepadSlot, state GamepadState)
}

// inboxEvent is a queued, not-yet-dispatched input event. The compositor
// drains the inbox once per render tick (single-threaded event loop,
// spec §5), so InputSink implementations never race with Wayland
// dispatch.
type inboxEvent func(InputSink)

// Inbox queues input events delivered by attachment workers for
// dispatch on the compositor's own goroutine (spec §4.2: "Forward input
// events ... to the session's input inbox"). Key repeat is not
// synthesised, neither here nor by the attachment worker feeding this
// inbox; this inbox only guarantees in-order delivery.
type Inbox struct {
	mu     sync.Mutex
	events []inboxEvent
}

// NewInbox returns an empty input inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

func (b *Inbox) push(e inboxEvent) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

// PushKey queues a keyboard event.
func (b *Inbox) PushKey(keysym uint32, mods KeyModifiers, pressed bool) {
	b.push(func(s InputSink) { s.KeyEvent(keysym, mods, pressed) })
}

// PushPointerMotion queues a pointer motion event, absolute or relative
// depending on whether pointer-lock is active.
func (b *Inbox) PushPointerMotion(target surface.Ref, x, y float64, relative bool) {
	b.push(func(s InputSink) { s.PointerMotion(target, x, y, relative) })
}

// PushPointerButton queues a pointer button press or release.
func (b *Inbox) PushPointerButton(target surface.Ref, button PointerButton, pressed bool) {
	b.push(func(s InputSink) { s.PointerButton(target, button, pressed) })
}

// PushPointerScroll queues a discrete wheel-click scroll event (spec
// §4.2: "vertical scroll events are emitted in discrete wheel clicks").
func (b *Inbox) PushPointerScroll(target surface.Ref, deltaX, deltaY int) {
	b.push(func(s InputSink) { s.PointerScroll(target, deltaX, deltaY) })
}

// PushPointerLock queues a pointer-lock toggle.
func (b *Inbox) PushPointerLock(locked bool) {
	b.push(func(s InputSink) { s.PointerLock(locked) })
}

// PushGamepad queues a gamepad connect/disconnect/state event.
func (b *Inbox) PushGamepad(slot GamepadSlot, connected bool, state *GamepadState) {
	b.push(func(s InputSink) {
		switch {
		case !connected:
			s.GamepadDisconnect(slot)
		case state == nil:
			if err := s.GamepadConnect(slot); err != nil {
				// Connection failures are per-event: the gamepad slot simply
				// stays disconnected, no session-wide consequence.
				_ = err
			}
		default:
			s.GamepadState(slot, *state)
		}
	})
}

// Drain dispatches every queued event to sink in FIFO order and empties
// the inbox. Called once per render tick from the compositor's own
// goroutine.
func (b *Inbox) Drain(sink InputSink) {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()

	for _, e := range events {
		e(sink)
	}
}

// noopInputSink discards every event; used when a session has no
// configured InputSink (e.g. unit tests exercising only the render
// tick).
type noopInputSink struct{}

func (noopInputSink) KeyEvent(uint32, KeyModifiers, bool)                {}
func (noopInputSink) PointerMotion(surface.Ref, float64, float64, bool)  {}
func (noopInputSink) PointerButton(surface.Ref, PointerButton, bool)     {}
func (noopInputSink) PointerScroll(surface.Ref, int, int)                {}
func (noopInputSink) PointerLock(bool)                                   {}
func (noopInputSink) GamepadConnect(GamepadSlot) error                   { return fmt.Errorf("session: no input sink configured") }
func (noopInputSink) GamepadDisconnect(GamepadSlot)                      {}
func (noopInputSink) GamepadState(GamepadSlot, GamepadState)             {}
