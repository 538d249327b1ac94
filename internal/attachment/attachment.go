// Package attachment implements the Attachment Worker from spec §4.2:
// the per-client state machine that binds a connection's control stream
// to a session, forwards encoded media and cursor updates out, and
// input events in. One Manager serves every connection accepted by the
// transport listener; it owns the server-wide max_connections cap,
// since that bounds concurrent attachments across all sessions rather
// than anything sessionmgr tracks per session.
package attachment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"

	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/servererr"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/sessionmgr"
	"github.com/colinmarc/magic-mirror/internal/transport"
	"github.com/colinmarc/magic-mirror/internal/transport/ratectl"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

var log = logging.L("attachment")

// State is an attachment's lifecycle state (spec §4.2: "State machine
// (Handshaking -> Active -> Draining -> Done)").
type State int

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// mediaCompositor is the slice of *session.Compositor an attachment
// worker needs: the media ring to subscribe to, the input inbox to
// push into, the cursor state to poll, and the two render-tick toggles
// the Session Manager doesn't otherwise expose. Factored out as an
// interface, the same seam sessionmgr.Compositor and session.Pipeline
// use, so this package can be tested with a fake compositor instead of
// a live surface tree and GPU pipeline.
type mediaCompositor interface {
	Ring() *session.MediaRing
	Inbox() *session.Inbox
	Cursor() *session.CursorState
	SetActive(active bool)
	RequestRefresh()
	ReportNetworkStats(rtt time.Duration, packetLoss float64)
}

// connection is the slice of *transport.Connection the Manager needs,
// narrowed so tests can drive the dispatch logic without a live QUIC
// socket.
type connection interface {
	AcceptControlStream(ctx context.Context) (controlStream, error)
	OpenMediaStream(ctx context.Context) (mediaStream, error)
}

type controlStream interface {
	Read() (wire.Envelope, error)
	Write(wire.Envelope) error
	Close() error
}

type mediaStream interface {
	WritePacket(wire.FramePacket) error
	Close() error
}

// connAdapter satisfies connection by wrapping a live
// *transport.Connection, converting its concrete stream return types to
// this package's narrower interfaces.
type connAdapter struct{ *transport.Connection }

func (a connAdapter) AcceptControlStream(ctx context.Context) (controlStream, error) {
	return a.Connection.AcceptControlStream(ctx)
}

func (a connAdapter) OpenMediaStream(ctx context.Context) (mediaStream, error) {
	return a.Connection.OpenMediaStream(ctx)
}

// Config configures a Manager.
type Config struct {
	Sessions *sessionmgr.Manager
	Catalog  *catalog.Catalog
	// MaxConnections caps concurrent attachments across the whole
	// server (spec §3: "max_connections ... caps concurrent
	// attachments per server"). <= 0 means unlimited.
	MaxConnections int
}

// Manager dispatches control-stream RPCs for every accepted connection
// and enforces the server-wide attachment cap.
type Manager struct {
	sessions       *sessionmgr.Manager
	catalog        *catalog.Catalog
	maxConnections int

	mu     sync.Mutex
	active int
}

// NewManager builds an attachment Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		sessions:       cfg.Sessions,
		catalog:        cfg.Catalog,
		maxConnections: cfg.MaxConnections,
	}
}

// HandleConnection serves one accepted connection until its control
// stream closes or errors. The caller (cmd/magic-mirrord's accept loop)
// runs this per connection on the transport's worker pool, matching
// spec §5's "attachment workers are cooperative tasks on that pool."
func (m *Manager) HandleConnection(ctx context.Context, conn *transport.Connection) error {
	return m.serve(ctx, connAdapter{conn})
}

// connState is the per-connection bookkeeping the RPC dispatch loop
// needs: every worker this connection owns, plus which session each
// currently holds an Active attachment to (spec §3 Attachment
// invariant: "at most one Active attachment per (connection, session)
// pair").
type connState struct {
	mu            sync.Mutex
	workers       map[uint64]*Worker
	activeSession map[uint64]uint64 // sessionID -> attachmentID
}

func newConnState() *connState {
	return &connState{
		workers:       make(map[uint64]*Worker),
		activeSession: make(map[uint64]uint64),
	}
}

func (cs *connState) add(w *Worker) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.workers[w.attachmentID] = w
	cs.activeSession[w.sessionID] = w.attachmentID
}

func (cs *connState) remove(attachmentID, sessionID uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.workers, attachmentID)
	if cs.activeSession[sessionID] == attachmentID {
		delete(cs.activeSession, sessionID)
	}
}

func (cs *connState) get(attachmentID uint64) (*Worker, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	w, ok := cs.workers[attachmentID]
	return w, ok
}

func (cs *connState) hasActiveFor(sessionID uint64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.activeSession[sessionID]
	return ok
}

func (cs *connState) closeAll() {
	cs.mu.Lock()
	workers := make([]*Worker, 0, len(cs.workers))
	for _, w := range cs.workers {
		workers = append(workers, w)
	}
	cs.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

func (m *Manager) serve(ctx context.Context, conn connection) error {
	cs, err := conn.AcceptControlStream(ctx)
	if err != nil {
		return fmt.Errorf("attachment: accept control stream: %w", err)
	}
	defer cs.Close()

	state := newConnState()
	defer func() {
		state.closeAll()
		m.releaseAll(state)
	}()

	for {
		env, err := cs.Read()
		if err != nil {
			return err
		}
		m.dispatch(ctx, conn, cs, state, env)
	}
}

func (m *Manager) releaseAll(state *connState) {
	state.mu.Lock()
	workers := make([]*Worker, 0, len(state.workers))
	for _, w := range state.workers {
		workers = append(workers, w)
	}
	state.mu.Unlock()

	for _, w := range workers {
		m.forget(w)
	}
}

func (m *Manager) dispatch(ctx context.Context, conn connection, cs controlStream, state *connState, env wire.Envelope) {
	switch env.Type {
	case wire.MessageAttach:
		m.handleAttach(ctx, conn, cs, state, env)
	case wire.MessageDetach:
		m.handleDetach(cs, state, env)
	case wire.MessageListApplications:
		m.handleListApplications(cs)
	case wire.MessageSessionParams:
		m.handleSessionParams(cs, state, env)
	case wire.MessageInputEvent:
		m.handleInputEvent(state, env)
	case wire.MessageNetworkReport:
		m.handleNetworkReport(state, env)
	case wire.MessageKeepAlive:
		// Deprecated no-op (spec §6), kept for protocol compatibility.
	default:
		writeError(cs, servererr.BadRequest("unrecognized message type %s", env.Type))
	}
}

const h265Codec = "h265"

func (m *Manager) handleAttach(ctx context.Context, conn connection, cs controlStream, state *connState, env wire.Envelope) {
	req, err := wire.UnmarshalAttach(env.Payload)
	if err != nil {
		writeError(cs, servererr.BadRequest("malformed Attach: %v", err))
		return
	}

	// Only H.265 is actually implemented by internal/gpu's encoder;
	// Attach.Codec is otherwise a free-text negotiation field (spec
	// §3 Attachment: "negotiated codec and video profile"), so any
	// other value is rejected up front rather than failing deep in
	// the render tick.
	if req.Codec != "" && req.Codec != h265Codec {
		writeError(cs, servererr.BadRequest("unsupported codec %q, only %q is implemented", req.Codec, h265Codec))
		return
	}

	app, ok := m.catalog.Lookup(req.Application)
	if !ok {
		writeError(cs, servererr.BadRequest("unknown application %q", req.Application))
		return
	}

	if !m.reserve() {
		writeError(cs, servererr.Unavailable("server at max_connections (%d)", m.maxConnections))
		return
	}

	params := displayparams.Params{
		Width:     int(req.Width),
		Height:    int(req.Height),
		Framerate: int(req.Framerate),
		UIScale:   req.UIScale,
		Profile:   displayparams.OutputProfile(req.Profile),
	}

	attachmentID := nextAttachmentID()

	sess, err := m.sessions.Attach(app, params, attachmentID)
	if err != nil {
		m.release()
		writeError(cs, err)
		return
	}

	if state.hasActiveFor(sess.ID) {
		m.sessions.Detach(sess.ID, attachmentID)
		m.release()
		writeError(cs, servererr.BadRequest("connection already has an active attachment to session %d", sess.ID))
		return
	}

	compositor, ok := sess.Compositor().(mediaCompositor)
	if !ok {
		m.sessions.Detach(sess.ID, attachmentID)
		m.release()
		writeError(cs, servererr.Internal(nil, "session %d compositor does not support attachment workers", sess.ID))
		return
	}

	media, err := conn.OpenMediaStream(ctx)
	if err != nil {
		m.sessions.Detach(sess.ID, attachmentID)
		m.release()
		writeError(cs, servererr.Internal(err, "open media stream"))
		return
	}

	compositor.SetActive(true)

	w := newWorker(attachmentID, sess.ID, compositor, cs, media)
	state.add(w)
	w.start()

	log.Info("attachment started",
		logging.KeySession, sess.ID,
		logging.KeyAttachment, attachmentID,
		"trace", w.traceID,
		"application", app.Name,
	)

	resp := wire.Attached{
		SessionID:    sess.ID,
		AttachmentID: attachmentID,
		Width:        uint32(sess.Params.Width),
		Height:       uint32(sess.Params.Height),
		Framerate:    uint32(sess.Params.Framerate),
		EpochMicros:  uint64(time.Now().UnixMicro()),
	}
	if err := cs.Write(wire.Envelope{Type: wire.MessageAttached, Payload: resp.Marshal()}); err != nil {
		log.Warn("write Attached failed", logging.KeyAttachment, attachmentID, logging.KeyError, err)
	}
}

func (m *Manager) handleDetach(cs controlStream, state *connState, env wire.Envelope) {
	req, err := wire.UnmarshalDetach(env.Payload)
	if err != nil {
		writeError(cs, servererr.BadRequest("malformed Detach: %v", err))
		return
	}

	w, ok := state.get(req.AttachmentID)
	if !ok {
		writeError(cs, servererr.NotFound("attachment %d not found", req.AttachmentID))
		return
	}

	m.endAttachment(state, w, 0, "")
}

// endAttachment tears a worker down. Its only caller is handleDetach,
// for an explicit client Detach (code 0, no message); a nonzero code
// additionally writes an AttachmentEnded notification.
func (m *Manager) endAttachment(state *connState, w *Worker, code uint32, message string) {
	w.stop()
	state.remove(w.attachmentID, w.sessionID)
	m.forget(w)

	if code != 0 {
		ended := wire.AttachmentEnded{AttachmentID: w.attachmentID, Code: code, Message: message}
		if err := w.control.Write(wire.Envelope{Type: wire.MessageAttachmentEnded, Payload: ended.Marshal()}); err != nil {
			log.Warn("write AttachmentEnded failed", logging.KeyAttachment, w.attachmentID, logging.KeyError, err)
		}
	}

	log.Info("attachment ended", logging.KeySession, w.sessionID, logging.KeyAttachment, w.attachmentID, "trace", w.traceID)
}

func (m *Manager) forget(w *Worker) {
	if err := m.sessions.Detach(w.sessionID, w.attachmentID); err != nil {
		log.Warn("detach from session failed", logging.KeySession, w.sessionID, logging.KeyError, err)
	}
	if sess, ok := m.sessions.Lookup(w.sessionID); ok && sess.AttachmentCount() == 0 {
		w.compositor.SetActive(false)
	}
	m.release()
}

func (m *Manager) handleListApplications(cs controlStream) {
	names := m.catalog.Names()
	resp := wire.ApplicationList{Applications: make([]wire.ApplicationListEntry, 0, len(names))}
	for _, name := range names {
		app, ok := m.catalog.Lookup(name)
		if !ok {
			continue
		}
		resp.Applications = append(resp.Applications, wire.ApplicationListEntry{
			Name:            app.Name,
			Description:     app.Description,
			HeaderImagePath: app.HeaderImagePath,
		})
	}
	if err := cs.Write(wire.Envelope{Type: wire.MessageApplicationList, Payload: resp.Marshal()}); err != nil {
		log.Warn("write ApplicationList failed", logging.KeyError, err)
	}
}

// handleSessionParams responds to a resize/refresh request. Session
// display parameters are fixed for a session's lifetime (spec §3
// Session), so width/height/framerate in the request cannot actually
// be applied; only the Refresh flag has an effect (forcing a keyframe).
// The response always echoes the session's real, unchanged parameters
// rather than the request's, which is the documented resolution for
// this under-specified RPC (see DESIGN.md).
func (m *Manager) handleSessionParams(cs controlStream, state *connState, env wire.Envelope) {
	req, err := wire.UnmarshalSessionParams(env.Payload)
	if err != nil {
		writeError(cs, servererr.BadRequest("malformed SessionParams: %v", err))
		return
	}

	w, ok := state.get(req.AttachmentID)
	if !ok {
		writeError(cs, servererr.NotFound("attachment %d not found", req.AttachmentID))
		return
	}

	sess, ok := m.sessions.Lookup(w.sessionID)
	if !ok {
		writeError(cs, servererr.NotFound("session %d not found", w.sessionID))
		return
	}

	if req.Refresh {
		w.compositor.RequestRefresh()
	}

	resp := wire.SessionParametersChanged{
		AttachmentID: req.AttachmentID,
		Width:        uint32(sess.Params.Width),
		Height:       uint32(sess.Params.Height),
		Framerate:    uint32(sess.Params.Framerate),
	}
	if err := cs.Write(wire.Envelope{Type: wire.MessageSessionParametersChanged, Payload: resp.Marshal()}); err != nil {
		log.Warn("write SessionParametersChanged failed", logging.KeyAttachment, req.AttachmentID, logging.KeyError, err)
	}
}

func (m *Manager) handleInputEvent(state *connState, env wire.Envelope) {
	evt, err := wire.UnmarshalInputEvent(env.Payload)
	if err != nil {
		log.Warn("malformed InputEvent dropped", logging.KeyError, err)
		return
	}

	w, ok := state.get(evt.AttachmentID)
	if !ok {
		return
	}
	dispatchInputEvent(w.compositor.Inbox(), evt)
}

// handleNetworkReport feeds a client's periodic RTT/loss sample into
// the attachment's session, letting the rate controller adjust
// bitrate, preset, and FEC ratio (spec §4.1 "rate control"). Unlike
// input events this is a quality-of-service hint, not something a
// client depends on being applied, so a report for an unknown or
// already-ended attachment is silently dropped rather than erroring
// the control stream.
func (m *Manager) handleNetworkReport(state *connState, env wire.Envelope) {
	rep, err := wire.UnmarshalNetworkReport(env.Payload)
	if err != nil {
		log.Warn("malformed NetworkReport dropped", logging.KeyError, err)
		return
	}

	w, ok := state.get(rep.AttachmentID)
	if !ok {
		return
	}

	loss := ratectl.LossFromReceptionReport(rtcp.ReceptionReport{FractionLost: rep.FractionLost})
	w.compositor.ReportNetworkStats(time.Duration(rep.RTTMicros)*time.Microsecond, loss)
}

func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxConnections > 0 && m.active >= m.maxConnections {
		return false
	}
	m.active++
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
}

// ActiveCount reports the number of attachments currently counted
// against max_connections, for metrics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

var attachmentIDCounter atomic.Uint64

// nextAttachmentID returns the wire-level, per-process-lifetime
// attachment identifier. It stays a compact uint64 — like session_id
// and every other identifier the already-built wire messages (Attached,
// Detach, CursorUpdate, AttachmentEnded, InputEvent) carry — rather
// than switching those message types to a UUID string; each
// Worker additionally carries a uuid.UUID (see newWorker) purely for
// cross-system log correlation, which is what actually exercises
// google/uuid.
func nextAttachmentID() uint64 {
	return attachmentIDCounter.Add(1)
}

func writeError(cs controlStream, err error) {
	se, ok := servererr.As(err)
	if !ok {
		se = servererr.Internal(err, "unexpected error")
	}
	msg := wire.ErrorMessage{Code: se.Kind.Code(), Message: se.Error()}
	if werr := cs.Write(wire.Envelope{Type: wire.MessageError, Payload: msg.Marshal()}); werr != nil {
		log.Warn("write Error failed", logging.KeyError, werr)
	}
}
