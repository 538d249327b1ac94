package sessionmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/servererr"
)

var log = logging.L("sessionmgr")

// CompositorFactory starts a new Compositor for (application, params).
// Supplied by the caller (internal/session) rather than imported
// directly, to avoid a sessionmgr<->session import cycle.
type CompositorFactory func(app catalog.Application, params displayparams.Params, sessionID uint64) Compositor

// Manager is the process-wide Session Manager (spec §4.3): a registry
// keyed by (application_name, display_parameters_hash) plus the idle
// reaper.
type Manager struct {
	newCompositor CompositorFactory
	readyTimeout  time.Duration
	defaultIdle   time.Duration

	mu     sync.RWMutex
	byID   map[uint64]*Session
	byKey  map[string][]*Session // key = application + "|" + params.Hash(application)
	nextID atomic.Uint64

	reapInterval time.Duration
	stopReaper   chan struct{}
	reaperDone   chan struct{}
}

// Config configures a Manager.
type Config struct {
	NewCompositor CompositorFactory
	// ReadyTimeout bounds how long Start() waits for the first surface
	// commit before failing (spec §4.3: "ready timeout ... currently
	// generous, measured in tens of seconds").
	ReadyTimeout time.Duration
	// DefaultIdleTimeout is used when an application's SessionTimeout is 0.
	DefaultIdleTimeout time.Duration
	// ReapInterval sets how often the idle reaper scans for expired
	// sessions. Defaults to 1s.
	ReapInterval time.Duration
}

// New builds a Manager and starts its idle-reaper goroutine.
func New(cfg Config) *Manager {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	defaultIdle := cfg.DefaultIdleTimeout
	if defaultIdle <= 0 {
		defaultIdle = 300 * time.Second
	}
	reapInterval := cfg.ReapInterval
	if reapInterval <= 0 {
		reapInterval = time.Second
	}

	m := &Manager{
		newCompositor: cfg.NewCompositor,
		readyTimeout:  readyTimeout,
		defaultIdle:   defaultIdle,
		byID:          make(map[uint64]*Session),
		byKey:         make(map[string][]*Session),
		reapInterval:  reapInterval,
		stopReaper:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
	// session_id is never zero (spec §3): the counter starts at 0 and
	// spawn pre-increments it, so the first real session gets 1.
	m.nextID.Store(0)

	go m.reapLoop()
	return m
}

func (m *Manager) registryKey(application string, params displayparams.Params) string {
	return application + "|" + params.Hash(application)
}

// Attach implements the Attach dispatch from spec §4.3: bind to the
// newest matching non-Terminating session, or spawn a new one.
func (m *Manager) Attach(app catalog.Application, requested displayparams.Params, attachmentID uint64) (*Session, error) {
	params := requested.Normalize()
	if !params.Valid() {
		return nil, servererr.BadRequest("display parameters %+v are invalid after normalization", params)
	}

	key := m.registryKey(app.Name, params)

	m.mu.Lock()
	for i := len(m.byKey[key]) - 1; i >= 0; i-- {
		candidate := m.byKey[key][i]
		state := candidate.State()
		if state == StateTerminating || state == StateGone {
			continue
		}
		if candidate.MatchesParams(params) {
			m.mu.Unlock()
			candidate.AddAttachment(attachmentID)
			return candidate, nil
		}
	}
	m.mu.Unlock()

	return m.spawn(app, params, attachmentID)
}

func (m *Manager) spawn(app catalog.Application, params displayparams.Params, attachmentID uint64) (*Session, error) {
	id := m.nextID.Add(1)

	timeout := time.Duration(app.SessionTimeout) * time.Second
	if app.SessionTimeout <= 0 {
		timeout = m.defaultIdle
	}

	compositor := m.newCompositor(app, params, id)
	session := newSession(id, app.Name, params, compositor)
	session.idleTimeout = timeout

	key := m.registryKey(app.Name, params)
	m.mu.Lock()
	m.byID[id] = session
	m.byKey[key] = append(m.byKey[key], session)
	m.mu.Unlock()

	if err := compositor.Start(m.readyTimeout); err != nil {
		m.mu.Lock()
		delete(m.byID, id)
		m.removeFromKeyLocked(key, session)
		m.mu.Unlock()
		return nil, servererr.Timeout("session %d failed to become ready: %v", id, err)
	}
	session.markReady()
	session.AddAttachment(attachmentID)

	log.Info("session started", logging.KeySession, id, logging.KeyApplication, app.Name)
	return session, nil
}

func (m *Manager) removeFromKeyLocked(key string, target *Session) {
	sessions := m.byKey[key]
	for i, s := range sessions {
		if s == target {
			m.byKey[key] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(m.byKey[key]) == 0 {
		delete(m.byKey, key)
	}
}

// Lookup returns a session by ID.
func (m *Manager) Lookup(id uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// Detach removes an attachment from its session. The session is never
// terminated as a side effect of a single Detach (spec §3 Attachment
// invariant: "ending an attachment never terminates the session");
// idle reaping is handled solely by reapLoop.
func (m *Manager) Detach(sessionID, attachmentID uint64) error {
	s, ok := m.Lookup(sessionID)
	if !ok {
		return servererr.NotFound("session %d not found", sessionID)
	}
	s.RemoveAttachment(attachmentID)
	return nil
}

// Len reports the number of known (non-Gone) sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-m.stopReaper:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()

	m.mu.RLock()
	var expired []*Session
	for _, s := range m.byID {
		if s.idleDuration(now) >= s.idleTimeout {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		if !s.markTerminating() {
			continue
		}
		log.Info("session idle timeout, terminating", logging.KeySession, s.ID)
		go m.terminate(s)
	}
}

// terminate drains the session's child process (spec §4.3: "stops the
// render tick, and waits for child exit; the child may be signalled
// with SIGTERM then SIGKILL after a grace window") and removes it from
// the registry.
func (m *Manager) terminate(s *Session) {
	const grace = 5 * time.Second
	s.compositor.Stop(grace)
	s.compositor.Wait()
	s.markGone()

	key := m.registryKey(s.Application, s.Params)
	m.mu.Lock()
	delete(m.byID, s.ID)
	m.removeFromKeyLocked(key, s)
	m.mu.Unlock()

	log.Info("session terminated", logging.KeySession, s.ID)
}

// Shutdown stops the idle reaper and terminates every remaining
// session, for server shutdown.
func (m *Manager) Shutdown() {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if !s.markTerminating() {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.terminate(s)
		}(s)
	}
	wg.Wait()
}
