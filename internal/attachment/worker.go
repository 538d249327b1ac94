package attachment

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// cursorPollInterval is how often the worker checks for a dirty cursor
// to forward; the cursor is tracked independently of the video
// framerate (spec §4.4 Cursor), so this runs on its own cadence rather
// than piggybacking on frame delivery.
const cursorPollInterval = 16 * time.Millisecond

// Worker is one attachment's runtime: the goroutines fanning encoded
// frames and cursor updates out to the client, bound to a session's
// compositor for the attachment's lifetime (spec §4.2: "subscribes to
// a session's media rings; forwards input").
type Worker struct {
	attachmentID uint64
	sessionID    uint64
	traceID      uuid.UUID

	compositor mediaCompositor
	control    controlStream
	media      mediaStream

	state atomicState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// atomicState is a tiny mutex-guarded state box; State only ever moves forward
// (Handshaking -> Active -> Draining -> Done).
type atomicState struct {
	mu sync.Mutex
	v  State
}

func (a *atomicState) set(s State) {
	a.mu.Lock()
	a.v = s
	a.mu.Unlock()
}

func (a *atomicState) get() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func newWorker(attachmentID, sessionID uint64, compositor mediaCompositor, cs controlStream, media mediaStream) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		attachmentID: attachmentID,
		sessionID:    sessionID,
		traceID:      uuid.New(),
		compositor:   compositor,
		control:      cs,
		media:        media,
		ctx:          ctx,
		cancel:       cancel,
	}
	w.state.set(StateHandshaking)
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state.get()
}

// start subscribes to the session's media ring and launches the
// forwarding goroutines. Called once, before the Attached response is
// written.
func (w *Worker) start() {
	w.state.set(StateActive)
	frames := w.compositor.Ring().Subscribe(w.attachmentID)

	w.wg.Add(2)
	go w.forwardMedia(frames)
	go w.forwardCursor()
}

// forwardMedia drains the subscribed channel and writes each packet to
// the client's media stream, until the ring closes (session torn down)
// or the worker is stopped.
func (w *Worker) forwardMedia(frames <-chan wire.FramePacket) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case p, ok := <-frames:
			if !ok {
				return
			}
			if err := w.media.WritePacket(p); err != nil {
				log.Warn("media write failed, stopping attachment",
					logging.KeyAttachment, w.attachmentID, logging.KeyError, err)
				return
			}
		}
	}
}

// forwardCursor polls the cursor state for a dirty snapshot and relays
// it over the control stream as a CursorUpdate, decoupled from the
// video stream's own delivery cadence.
func (w *Worker) forwardCursor() {
	defer w.wg.Done()

	ticker := time.NewTicker(cursorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			snap, dirty := w.compositor.Cursor().TakeIfDirty()
			if !dirty {
				continue
			}
			update := wire.CursorUpdate{
				AttachmentID: w.attachmentID,
				X:            int32(math.Round(snap.X)),
				Y:            int32(math.Round(snap.Y)),
				Visible:      snap.Visible,
			}
			// CursorUpdate.ShapePNG carries pixels only for a
			// client-submitted cursor surface (CursorShapeImage); the
			// well-known shapes (default/text/pointer) are rendered
			// locally by the client from a shared set and need no
			// payload. The raw pixel buffer is forwarded as-is rather
			// than PNG-encoded, which is out of scope here.
			if snap.Shape == session.CursorShapeImage {
				update.ShapePNG = snap.Image
			}
			if err := w.control.Write(wire.Envelope{Type: wire.MessageCursorUpdate, Payload: update.Marshal()}); err != nil {
				log.Warn("cursor update write failed", logging.KeyAttachment, w.attachmentID, logging.KeyError, err)
				return
			}
		}
	}
}

// stop cancels the forwarding goroutines, unsubscribes from the media
// ring, and closes the media stream. Idempotent.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.state.set(StateDraining)
		w.cancel()
		w.wg.Wait()
		w.compositor.Ring().Unsubscribe(w.attachmentID)
		if err := w.media.Close(); err != nil {
			log.Warn("media stream close failed", logging.KeyAttachment, w.attachmentID, logging.KeyError, err)
		}
		w.state.set(StateDone)
	})
}

// dispatchInputEvent translates one decoded wire.InputEvent into the
// corresponding Inbox push, per spec §4.2 ("forward input events ...
// to the session's input inbox"). Unknown kinds are dropped rather
// than erroring the connection, since a client-server protocol
// mismatch on a forward-only event stream shouldn't tear down the
// attachment.
func dispatchInputEvent(inbox *session.Inbox, evt wire.InputEvent) {
	target := surface.Ref{Index: evt.TargetIndex, Generation: evt.TargetGeneration}

	switch evt.Kind {
	case wire.InputEventKey:
		inbox.PushKey(evt.Keysym, session.KeyModifiers(evt.Modifiers), evt.Pressed)
	case wire.InputEventPointerMotion:
		inbox.PushPointerMotion(target, evt.X, evt.Y, evt.Relative)
	case wire.InputEventPointerButton:
		inbox.PushPointerButton(target, session.PointerButton(evt.Button), evt.Pressed)
	case wire.InputEventPointerScroll:
		inbox.PushPointerScroll(target, int(evt.DeltaX), int(evt.DeltaY))
	case wire.InputEventPointerLock:
		inbox.PushPointerLock(evt.Locked)
	case wire.InputEventGamepadConnect:
		inbox.PushGamepad(session.GamepadSlot(evt.GamepadSlot), true, nil)
	case wire.InputEventGamepadDisconnect:
		inbox.PushGamepad(session.GamepadSlot(evt.GamepadSlot), false, nil)
	case wire.InputEventGamepadState:
		var state session.GamepadState
		state.Buttons = evt.GamepadButtons
		for i := 0; i < len(state.Axes) && i < len(evt.GamepadAxes); i++ {
			state.Axes[i] = evt.GamepadAxes[i]
		}
		inbox.PushGamepad(session.GamepadSlot(evt.GamepadSlot), true, &state)
	}
}
