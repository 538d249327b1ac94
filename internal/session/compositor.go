// Package session implements the per-attachment Session (Compositor)
// from spec §4.4: a single-threaded event loop that hosts the Wayland
// surface tree (internal/session/surface), ticks the render loop at the
// negotiated framerate, and fans encoded frames out to attachment
// workers through a MediaRing.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/metrics"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

var log = logging.L("session")

// ErrReadyTimeout is returned by Start when no surface commits within
// the ready timeout (spec §4.3: "wait for the first surface commit or
// until the ready timeout").
var ErrReadyTimeout = errors.New("session: ready timeout: no surface commit")

// ErrProcessExited is returned by Start when the application's child
// process exits before the session becomes ready.
var ErrProcessExited = errors.New("session: child process exited before becoming ready")

// Config configures a new Compositor. Pipeline is required; Input
// defaults to a no-op sink if nil, which is sufficient for tests that
// only exercise the render tick.
type Config struct {
	SessionID   uint64
	Application catalog.Application
	Params      displayparams.Params
	Pipeline    Pipeline
	Input       InputSink
	// Audio is optional; a nil Audio pipeline means the session streams
	// video only (e.g. a test that only exercises the render tick).
	Audio AudioPipeline
}

// Compositor is the Session (Compositor) from spec §4.4. It implements
// sessionmgr.Compositor (Start/Stop/Wait) structurally, without
// importing internal/sessionmgr — the Session Manager supplies
// everything a Compositor needs (session id, application, params) as
// plain arguments through its CompositorFactory closure, so there is no
// reason for this package to depend back on the registry that owns it.
type Compositor struct {
	sessionID   uint64
	application catalog.Application
	params      displayparams.Params
	pipeline    Pipeline
	input       InputSink
	audio       AudioPipeline

	tree   *surface.Tree
	cursor *CursorState
	inbox  *Inbox
	ring   *MediaRing

	cmd *exec.Cmd

	tickInterval time.Duration
	active       atomic.Bool // true while >=1 attachment holds the media ring
	forceRefresh atomic.Bool

	streamSeq uint64 // render-tick-owned, no atomic needed (single-threaded loop)
	frameSeq  uint64

	audioStreamSeq uint64 // audio-loop-owned, see streamSeq
	audioFrameSeq  uint64

	readyCh    chan struct{}
	procExited chan struct{}
	done       chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	startErr error
}

// New builds a Compositor. The render loop and child process are not
// started until Start is called.
func New(cfg Config) *Compositor {
	return &Compositor{
		sessionID:    cfg.SessionID,
		application:  cfg.Application,
		params:       cfg.Params,
		pipeline:     cfg.Pipeline,
		input:        cfg.Input,
		audio:        cfg.Audio,
		tree:         surface.NewTree(),
		cursor:       NewCursorState(),
		inbox:        NewInbox(),
		ring:         NewMediaRing(),
		tickInterval: tickIntervalFor(cfg.Params.Framerate),
		readyCh:      make(chan struct{}),
		procExited:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func tickIntervalFor(framerate int) time.Duration {
	if framerate <= 0 {
		framerate = 60
	}
	return time.Second / time.Duration(framerate)
}

// Tree exposes the surface tree for the (out-of-scope) Wayland socket
// listener to drive; a test can use it directly to simulate client
// commits.
func (c *Compositor) Tree() *surface.Tree { return c.tree }

// Cursor exposes the cursor state for the input/seat layer to update.
func (c *Compositor) Cursor() *CursorState { return c.cursor }

// Inbox exposes the input event queue for attachment workers to push
// into (spec §4.2: "forward input events ... to the session's input
// inbox").
func (c *Compositor) Inbox() *Inbox { return c.inbox }

// Ring exposes the media fan-out ring for attachment workers to
// subscribe to.
func (c *Compositor) Ring() *MediaRing { return c.ring }

// MarkSurfaceCommitted signals the first-commit readiness gate Start
// waits on. The real trigger is the Wayland socket's first
// wl_surface.commit for a mapped toplevel; since this exercise has no
// live Wayland listener, callers (or a future internal/session/wayland
// package) invoke this once that condition is observed. Safe to call
// more than once.
func (c *Compositor) MarkSurfaceCommitted() {
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
}

// ReportNetworkStats feeds one attachment's observed RTT/packet-loss
// sample into the pipeline's rate controller, if it implements
// RateFeedback (spec §4.1 "rate control": "the encoder adjusts target
// QP within its allowed band"). A pipeline under test that doesn't
// implement RateFeedback (e.g. a fake with no ratectl.Controller)
// silently ignores the report rather than requiring every test double
// to grow the method.
func (c *Compositor) ReportNetworkStats(rtt time.Duration, packetLoss float64) {
	if rf, ok := c.pipeline.(RateFeedback); ok {
		rf.UpdateNetworkStats(rtt, packetLoss)
	}
}

// RequestRefresh forces the next tick to drive the GPU pipeline even
// without new damage, producing a fresh keyframe and incrementing
// stream_seq (spec §4.1: "On refresh ... stream_seq increments and a
// new GOP begins").
func (c *Compositor) RequestRefresh() {
	c.forceRefresh.Store(true)
}

// SetActive toggles whether the render tick drives the GPU pipeline.
// The Session Manager calls this as attachments are added/removed
// (spec §4.4 sleep policy: "if no client is attached, the compositor
// suspends the render tick ... but continues to dispatch Wayland
// events").
func (c *Compositor) SetActive(active bool) {
	if active {
		c.RequestRefresh() // a newly attached client needs a keyframe
	}
	c.active.Store(active)
}

// Start launches the application's child process and blocks until the
// first surface commit or readyTimeout elapses, per spec §4.3.
func (c *Compositor) Start(readyTimeout time.Duration) error {
	c.startOnce.Do(func() {
		if err := c.launchProcess(); err != nil {
			c.startErr = fmt.Errorf("session %d: %w", c.sessionID, err)
			return
		}

		c.wg.Add(1)
		go c.renderLoop()

		if c.audio != nil {
			c.wg.Add(1)
			go c.audioLoop()
		}

		select {
		case <-c.readyCh:
			log.Info("session ready", logging.KeySession, c.sessionID)
		case <-c.procExited:
			c.startErr = fmt.Errorf("session %d: %w", c.sessionID, ErrProcessExited)
		case <-time.After(readyTimeout):
			c.startErr = fmt.Errorf("session %d: %w", c.sessionID, ErrReadyTimeout)
		}
	})
	return c.startErr
}

func (c *Compositor) launchProcess() error {
	if len(c.application.Command) == 0 {
		return fmt.Errorf("application %q has no command", c.application.Name)
	}
	cmd := exec.Command(c.application.Command[0], c.application.Command[1:]...)
	for k, v := range c.application.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// XWayland, home isolation (IsolateHome/SharedHomeName/TmpHome), and
	// the rootless container sandbox itself are external collaborators
	// per spec §1 Non-goals ("rootless-container setup ... is not part
	// of this spec"); this is the seam where that collaborator would
	// wrap cmd before Start.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start application %q: %w", c.application.Name, err)
	}
	c.cmd = cmd

	go func() {
		_ = cmd.Wait()
		close(c.procExited)
	}()
	return nil
}

// audioLoop ticks the audio pipeline on its own cadence (spec §4.6:
// "Opus encode aligned to the session clock"), independent of the
// video framerate. Like renderLoop it only produces output while the
// session is active, but unlike video it has no damage concept: every
// active tick encodes a frame, since audio has no equivalent of "no
// surface changed".
func (c *Compositor) audioLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.audio.FrameDuration())
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case <-c.procExited:
			return
		case <-ticker.C:
			c.audioTick(ctx)
		}
	}
}

func (c *Compositor) audioTick(ctx context.Context) {
	if !c.active.Load() {
		return
	}

	// Opus frames are all independently decodable, so the audio stream
	// never needs a second GOP: stream_seq is pinned to 1 once the first
	// frame is encoded, satisfying the stream_seq >= 1 invariant without
	// ever incrementing again.
	if c.audioStreamSeq == 0 {
		c.audioStreamSeq = 1
	}
	c.audioFrameSeq++

	packets, err := c.audio.EncodeFrame(ctx, AudioFrameRequest{
		StreamSeq: c.audioStreamSeq,
		FrameSeq:  c.audioFrameSeq,
	})
	if err != nil {
		log.Warn("audio frame encode failed, dropping", logging.KeySession, c.sessionID, "error", err)
		metrics.RecordFrameDropped("audio")
		return
	}
	metrics.RecordFrameEncoded("audio")
	for _, p := range packets {
		c.ring.Publish(p)
	}
}

// renderLoop is the compositor's single-threaded event loop (spec
// §4.4). It always dispatches queued input and checks the cursor, but
// only drives the GPU pipeline and publishes a frame when active and
// either damaged or a refresh was requested.
func (c *Compositor) renderLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case <-c.procExited:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Compositor) tick(ctx context.Context) {
	c.inbox.Drain(c.inputSink())

	// A forced refresh (e.g. a newly attached client, or ratectl
	// signalling FEC-uncoverable loss) is not contingent on the child
	// having committed a surface: the very first tick after Start
	// becoming ready satisfies this via MarkSurfaceCommitted.
	damaged := c.tree.Damaged()
	refresh := c.forceRefresh.Swap(false)

	if !c.active.Load() || (!damaged && !refresh) {
		return
	}

	// Damage is drained by the pipeline's composite stage (internal/gpu),
	// which needs the per-surface regions to build its damage union; the
	// tick only decides whether to render at all.
	surfaces := c.tree.BottomToTop()

	if refresh {
		c.streamSeq++
	}
	c.frameSeq++

	req := FrameRequest{
		StreamSeq: c.streamSeq,
		FrameSeq:  c.frameSeq,
		Keyframe:  refresh || c.frameSeq == 1,
		Width:     c.params.Width,
		Height:    c.params.Height,
		Profile:   c.params.Profile,
		Surfaces:  surfaces,
	}

	packets, err := c.pipeline.RenderFrame(ctx, req)
	if err != nil {
		// Per-frame failure: drop the frame, schedule a refresh, log and
		// move on (spec §4.6: "the frame is dropped, a refresh is
		// scheduled, a counter increments").
		log.Warn("frame render failed, dropping", logging.KeySession, c.sessionID, "error", err)
		c.forceRefresh.Store(true)
		metrics.RecordFrameDropped("video")
		return
	}
	metrics.RecordFrameEncoded("video")
	for _, p := range packets {
		c.ring.Publish(p)
	}
}

func (c *Compositor) inputSink() InputSink {
	if c.input == nil {
		return noopInputSink{}
	}
	return c.input
}

// Stop signals the render loop to exit and the child process to
// terminate, escalating from SIGTERM to SIGKILL after grace (spec
// §4.3).
func (c *Compositor) Stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ring.CloseAll()

		if c.cmd == nil || c.cmd.Process == nil {
			return
		}
		_ = c.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-c.procExited:
		case <-time.After(grace):
			_ = c.cmd.Process.Kill()
		}
	})
}

// Wait blocks until the render loop and child process have both
// exited.
func (c *Compositor) Wait() {
	c.wg.Wait()
	<-c.procExited
}
