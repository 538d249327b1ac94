package attachment

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"

	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
	"github.com/colinmarc/magic-mirror/internal/sessionmgr"
	"github.com/colinmarc/magic-mirror/internal/transport/ratectl"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// fakeCompositor is a minimal mediaCompositor for tests that never
// touch a real surface tree or GPU pipeline.
type fakeCompositor struct {
	ring   *session.MediaRing
	inbox  *session.Inbox
	cursor *session.CursorState

	mu       sync.Mutex
	active   bool
	refresh  int
	lastRTT  time.Duration
	lastLoss float64
}

func newFakeCompositor() *fakeCompositor {
	return &fakeCompositor{
		ring:   session.NewMediaRing(),
		inbox:  session.NewInbox(),
		cursor: session.NewCursorState(),
	}
}

func (f *fakeCompositor) Ring() *session.MediaRing   { return f.ring }
func (f *fakeCompositor) Inbox() *session.Inbox      { return f.inbox }
func (f *fakeCompositor) Cursor() *session.CursorState { return f.cursor }
func (f *fakeCompositor) SetActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}
func (f *fakeCompositor) RequestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
}
func (f *fakeCompositor) ReportNetworkStats(rtt time.Duration, loss float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRTT, f.lastLoss = rtt, loss
}

func (f *fakeCompositor) networkStats() (time.Duration, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRTT, f.lastLoss
}
func (f *fakeCompositor) isActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Start/Stop/Wait satisfy sessionmgr.Compositor so fakeCompositor can be
// returned from a CompositorFactory.
func (f *fakeCompositor) Start(time.Duration) error { return nil }
func (f *fakeCompositor) Stop(time.Duration)        {}
func (f *fakeCompositor) Wait()                     {}

// fakeControlStream is an in-memory controlStream driven directly by
// tests: Read pulls from an inbound queue, Write appends to an outbound
// log.
type fakeControlStream struct {
	mu       sync.Mutex
	inbound  []wire.Envelope
	outbound []wire.Envelope
	closed   bool
}

func (f *fakeControlStream) enqueue(env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, env)
}

func (f *fakeControlStream) Read() (wire.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return wire.Envelope{}, errEOF
	}
	env := f.inbound[0]
	f.inbound = f.inbound[1:]
	return env, nil
}

func (f *fakeControlStream) Write(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, env)
	return nil
}

func (f *fakeControlStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControlStream) last() (wire.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbound) == 0 {
		return wire.Envelope{}, false
	}
	return f.outbound[len(f.outbound)-1], true
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errEOF = sentinelErr("fake control stream exhausted")

type fakeMediaStream struct {
	mu      sync.Mutex
	packets []wire.FramePacket
	closed  bool
}

func (f *fakeMediaStream) WritePacket(p wire.FramePacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeMediaStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnection struct {
	control *fakeControlStream
	media   *fakeMediaStream
}

func (f *fakeConnection) Context() context.Context { return context.Background() }
func (f *fakeConnection) RemoteAddr() net.Addr      { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (f *fakeConnection) AcceptControlStream(context.Context) (controlStream, error) {
	return f.control, nil
}
func (f *fakeConnection) OpenMediaStream(context.Context) (mediaStream, error) {
	return f.media, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, errs := catalog.New([]catalog.Application{{
		Name:        "steam",
		Description: "Steam",
		Command:     []string{"/usr/bin/steam"},
	}})
	if len(errs) > 0 {
		t.Fatalf("catalog.New: %v", errs)
	}
	return cat
}

func testManager(t *testing.T) (*Manager, *fakeCompositor) {
	t.Helper()
	fc := newFakeCompositor()
	sessions := sessionmgr.New(sessionmgr.Config{
		NewCompositor: func(catalog.Application, displayparams.Params, uint64) sessionmgr.Compositor {
			return fc
		},
		ReadyTimeout: time.Second,
	})
	t.Cleanup(sessions.Shutdown)

	m := NewManager(Config{
		Sessions:       sessions,
		Catalog:        testCatalog(t),
		MaxConnections: 2,
	})
	return m, fc
}

func attachEnvelope(app string) wire.Envelope {
	req := wire.Attach{Application: app, Width: 1920, Height: 1080, Framerate: 60, Codec: "h265"}
	return wire.Envelope{Type: wire.MessageAttach, Payload: req.Marshal()}
}

func TestHandleAttachSucceedsAndActivatesCompositor(t *testing.T) {
	m, fc := testManager(t)
	cs := &fakeControlStream{}
	media := &fakeMediaStream{}
	conn := &fakeConnection{control: cs, media: media}

	cs.enqueue(attachEnvelope("steam"))

	err := m.serve(context.Background(), conn)
	if err != errEOF {
		t.Fatalf("serve returned %v, want errEOF", err)
	}

	env, ok := cs.last()
	if !ok {
		t.Fatal("expected at least one outbound envelope")
	}
	if env.Type != wire.MessageAttached {
		t.Fatalf("last envelope type = %v, want Attached", env.Type)
	}
	attached, err := wire.UnmarshalAttached(env.Payload)
	if err != nil {
		t.Fatalf("UnmarshalAttached: %v", err)
	}
	if attached.Width != 1920 || attached.Height != 1080 {
		t.Errorf("Attached dims = %dx%d, want 1920x1080", attached.Width, attached.Height)
	}
	if !fc.isActive() {
		t.Error("expected compositor to be set active on attach")
	}
}

func TestHandleAttachRejectsUnsupportedCodec(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}

	req := wire.Attach{Application: "steam", Width: 1920, Height: 1080, Framerate: 60, Codec: "av1"}
	cs.enqueue(wire.Envelope{Type: wire.MessageAttach, Payload: req.Marshal()})

	m.serve(context.Background(), conn)

	env, ok := cs.last()
	if !ok || env.Type != wire.MessageError {
		t.Fatalf("expected an Error envelope, got %+v ok=%v", env, ok)
	}
	errMsg, err := wire.UnmarshalErrorMessage(env.Payload)
	if err != nil {
		t.Fatalf("UnmarshalErrorMessage: %v", err)
	}
	if errMsg.Code != 0 { // KindBadRequest == 0
		t.Errorf("error code = %d, want BadRequest (0)", errMsg.Code)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after rejected attach", m.ActiveCount())
	}
}

func TestHandleAttachRejectsUnknownApplication(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	cs.enqueue(attachEnvelope("does-not-exist"))

	m.serve(context.Background(), conn)

	env, ok := cs.last()
	if !ok || env.Type != wire.MessageError {
		t.Fatalf("expected an Error envelope, got %+v ok=%v", env, ok)
	}
}

func TestMaxConnectionsCapReturnsUnavailable(t *testing.T) {
	m, _ := testManager(t) // MaxConnections: 2
	m.active = 2           // simulate two already-active attachments

	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	cs.enqueue(attachEnvelope("steam"))

	m.serve(context.Background(), conn)

	env, ok := cs.last()
	if !ok || env.Type != wire.MessageError {
		t.Fatalf("expected an Error envelope, got %+v ok=%v", env, ok)
	}
	errMsg, err := wire.UnmarshalErrorMessage(env.Payload)
	if err != nil {
		t.Fatalf("UnmarshalErrorMessage: %v", err)
	}
	if errMsg.Code != 2 { // KindUnavailable == 2
		t.Errorf("error code = %d, want Unavailable (2)", errMsg.Code)
	}
}

func TestDetachReleasesConnectionSlot(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	cs.enqueue(attachEnvelope("steam"))

	// Run the attach synchronously via dispatch so we can read back the
	// assigned attachment id before queuing the Detach.
	state := newConnState()
	ctx := context.Background()
	acceptedCS, _ := conn.AcceptControlStream(ctx)
	env, _ := acceptedCS.Read()
	m.dispatch(ctx, conn, acceptedCS, state, env)

	attachedEnv, ok := cs.last()
	if !ok || attachedEnv.Type != wire.MessageAttached {
		t.Fatalf("expected Attached, got %+v", attachedEnv)
	}
	attached, _ := wire.UnmarshalAttached(attachedEnv.Payload)

	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 after attach", m.ActiveCount())
	}

	detach := wire.Detach{AttachmentID: attached.AttachmentID}
	m.dispatch(ctx, conn, acceptedCS, state, wire.Envelope{Type: wire.MessageDetach, Payload: detach.Marshal()})

	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after detach", m.ActiveCount())
	}
}

func TestSecondAttachToSameSessionOnSameConnectionIsRejected(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}

	state := newConnState()
	t.Cleanup(state.closeAll)
	ctx := context.Background()

	m.dispatch(ctx, conn, cs, state, attachEnvelope("steam"))
	if env, ok := cs.last(); !ok || env.Type != wire.MessageAttached {
		t.Fatalf("first attach should succeed, got %+v", env)
	}

	m.dispatch(ctx, conn, cs, state, attachEnvelope("steam"))
	env, ok := cs.last()
	if !ok || env.Type != wire.MessageError {
		t.Fatalf("second attach to the same session should be rejected, got %+v", env)
	}
}

func TestHandleListApplications(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	m.handleListApplications(cs)

	env, ok := cs.last()
	if !ok || env.Type != wire.MessageApplicationList {
		t.Fatalf("expected ApplicationList, got %+v ok=%v", env, ok)
	}
	list, err := wire.UnmarshalApplicationList(env.Payload)
	if err != nil {
		t.Fatalf("UnmarshalApplicationList: %v", err)
	}
	if len(list.Applications) != 1 || list.Applications[0].Name != "steam" {
		t.Errorf("Applications = %+v, want one entry named steam", list.Applications)
	}
}

func TestInputEventIsForwardedToInbox(t *testing.T) {
	m, fc := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	state := newConnState()
	t.Cleanup(state.closeAll)
	ctx := context.Background()

	m.dispatch(ctx, conn, cs, state, attachEnvelope("steam"))
	attachedEnv, _ := cs.last()
	attached, _ := wire.UnmarshalAttached(attachedEnv.Payload)

	evt := wire.InputEvent{AttachmentID: attached.AttachmentID, Kind: wire.InputEventKey, Keysym: 0x61, Pressed: true}
	m.dispatch(ctx, conn, cs, state, wire.Envelope{Type: wire.MessageInputEvent, Payload: evt.Marshal()})

	var received bool
	fc.inbox.Drain(keyRecordingSink{&received})
	if !received {
		t.Error("expected the key event to reach the input sink via the inbox")
	}
}

func TestNetworkReportFeedsCompositor(t *testing.T) {
	m, fc := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	state := newConnState()
	t.Cleanup(state.closeAll)
	ctx := context.Background()

	m.dispatch(ctx, conn, cs, state, attachEnvelope("steam"))
	attachedEnv, _ := cs.last()
	attached, _ := wire.UnmarshalAttached(attachedEnv.Payload)

	rep := wire.NetworkReport{AttachmentID: attached.AttachmentID, RTTMicros: 35_000, FractionLost: 51}
	m.dispatch(ctx, conn, cs, state, wire.Envelope{Type: wire.MessageNetworkReport, Payload: rep.Marshal()})

	rtt, loss := fc.networkStats()
	if rtt != 35_000*time.Microsecond {
		t.Errorf("rtt = %v, want 35ms", rtt)
	}
	wantLoss := ratectl.LossFromReceptionReport(rtcp.ReceptionReport{FractionLost: 51})
	if loss != wantLoss {
		t.Errorf("loss = %v, want %v", loss, wantLoss)
	}
}

func TestNetworkReportForUnknownAttachmentIsIgnored(t *testing.T) {
	m, _ := testManager(t)
	cs := &fakeControlStream{}
	conn := &fakeConnection{control: cs, media: &fakeMediaStream{}}
	state := newConnState()
	t.Cleanup(state.closeAll)

	rep := wire.NetworkReport{AttachmentID: 9999, RTTMicros: 1000, FractionLost: 10}
	m.dispatch(context.Background(), conn, cs, state, wire.Envelope{Type: wire.MessageNetworkReport, Payload: rep.Marshal()})
}

// keyRecordingSink implements session.InputSink, recording only whether
// a key event arrived; every other method is a no-op.
type keyRecordingSink struct{ got *bool }

func (s keyRecordingSink) KeyEvent(uint32, session.KeyModifiers, bool) { *s.got = true }
func (keyRecordingSink) PointerMotion(surface.Ref, float64, float64, bool) {}
func (keyRecordingSink) PointerButton(surface.Ref, session.PointerButton, bool) {}
func (keyRecordingSink) PointerScroll(surface.Ref, int, int) {}
func (keyRecordingSink) PointerLock(bool) {}
func (keyRecordingSink) GamepadConnect(session.GamepadSlot) error { return nil }
func (keyRecordingSink) GamepadDisconnect(session.GamepadSlot) {}
func (keyRecordingSink) GamepadState(session.GamepadSlot, session.GamepadState) {}
