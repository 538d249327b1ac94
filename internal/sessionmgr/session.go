// Package sessionmgr implements the Session Manager from spec §4.3: a
// process-wide registry keyed by (application_name,
// display_parameters_hash), the Session state machine, and the idle
// reaper that tears a session down after session_timeout with no
// attachments.
package sessionmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
)

// State is a Session's lifecycle state (spec §3: "Starting → Ready →
// (Attached ⇄ Idle) → Terminating → Gone").
type State int

const (
	StateStarting State = iota
	StateReady
	StateAttached
	StateIdle
	StateTerminating
	StateGone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateAttached:
		return "Attached"
	case StateIdle:
		return "Idle"
	case StateTerminating:
		return "Terminating"
	case StateGone:
		return "Gone"
	default:
		return "Unknown"
	}
}

// Compositor is the per-session process and render-loop owner started
// by the Session Manager on spawn (internal/session implements this).
// Factored out as an interface so sessionmgr does not import the
// compositor package — the compositor owns GPU/Wayland state that has
// no business here. The factory hands the compositor the session id,
// application and parameters as plain values, so internal/session does
// not import sessionmgr either.
type Compositor interface {
	// Start launches the child process and blocks until the first
	// surface commit (session becomes Ready) or the ready timeout
	// elapses.
	Start(readyTimeout time.Duration) error
	// Stop signals the render loop and child process to exit,
	// escalating from SIGTERM to SIGKILL after grace.
	Stop(grace time.Duration)
	// Wait blocks until the child process has exited.
	Wait()
}

// Session is one running (application, display parameters) instance
// (spec §3 Session).
type Session struct {
	ID          uint64
	Application string
	Params      displayparams.Params
	CreatedAt   time.Time
	compositor  Compositor

	idleTimeout time.Duration

	mu             sync.Mutex
	state          State
	attachments    map[uint64]struct{}
	lastAttachedAt time.Time
	streamSeq      uint64 // current generation counter, starts at 1 per stream
}

func newSession(id uint64, application string, params displayparams.Params, compositor Compositor) *Session {
	return &Session{
		ID:          id,
		Application: application,
		Params:      params,
		CreatedAt:   time.Now(),
		compositor:  compositor,
		state:       StateStarting,
		attachments: make(map[uint64]struct{}),
		streamSeq:   1, // spec §4.1: stream_seq starts at 1, 0 is illegal
	}
}

// Compositor returns the session's compositor. Callers that need more
// than Start/Stop/Wait (e.g. the attachment worker subscribing to the
// media ring) type-assert the result against a narrower interface of
// their own, rather than sessionmgr widening Compositor itself and
// pulling in internal/session's types.
func (s *Session) Compositor() Compositor {
	return s.compositor
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddAttachment records a newly bound attachment, moving the session
// out of Idle back into Attached.
func (s *Session) AddAttachment(attachmentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[attachmentID] = struct{}{}
	if s.state == StateReady || s.state == StateIdle {
		s.state = StateAttached
	}
}

// RemoveAttachment drops an attachment. If it was the last one, the
// session starts its idle timer at the current time (spec §4.3: "A
// Ready session whose attachment set becomes empty starts its idle
// timer at last_attached_at").
func (s *Session) RemoveAttachment(attachmentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, attachmentID)
	if len(s.attachments) == 0 && s.state == StateAttached {
		s.state = StateIdle
		s.lastAttachedAt = time.Now()
	}
}

// AttachmentCount returns the number of currently bound attachments.
func (s *Session) AttachmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attachments)
}

// idleDuration returns how long the session has had zero attachments,
// or zero if it is not Idle.
func (s *Session) idleDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return 0
	}
	return now.Sub(s.lastAttachedAt)
}

// markReady transitions Starting -> Ready once the compositor reports
// its first surface commit.
func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateReady
	}
}

// markTerminating transitions into Terminating; idempotent.
func (s *Session) markTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminating || s.state == StateGone {
		return false
	}
	s.state = StateTerminating
	return true
}

func (s *Session) markGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateGone
}

// MatchesParams reports whether params exactly matches this session's
// fixed-for-lifetime display parameters (spec §3: "display parameters
// are fixed for a session's lifetime").
func (s *Session) MatchesParams(params displayparams.Params) bool {
	return s.Params == params
}

// NextStreamSeq returns the current generation counter and, if
// refresh is true, increments it first (spec §3 VideoStream: "On
// refresh ... stream_seq increments and a new GOP begins"). stream_seq
// starts at 1 and is never 0; a refresh on the very first call still
// bumps it to 2; the first frame of a session is never itself a
// refresh, so in practice callers only see this happen on a later
// client-requested or loss-triggered refresh.
func (s *Session) NextStreamSeq(refresh bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if refresh {
		s.streamSeq++
	}
	return s.streamSeq
}

// ErrNotReady is returned by operations that require a Ready (or
// later, non-Terminating) session.
var ErrNotReady = fmt.Errorf("sessionmgr: session not ready")
